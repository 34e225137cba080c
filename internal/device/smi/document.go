package smi

import (
	"encoding/xml"
	"strings"
)

// document mirrors the subset of `nvidia-smi -q -x` output that is read.
// Readings stay as text and are parsed on access.
type document struct {
	XMLName       xml.Name   `xml:"nvidia_smi_log"`
	Timestamp     string     `xml:"timestamp"`
	DriverVersion string     `xml:"driver_version"`
	CUDAVersion   string     `xml:"cuda_version"`
	AttachedGPUs  string     `xml:"attached_gpus"`
	GPUs          []gpuEntry `xml:"gpu"`
}

type gpuEntry struct {
	ID          string       `xml:"id,attr"`
	ProductName string       `xml:"product_name"`
	UUID        string       `xml:"uuid"`
	MinorNumber string       `xml:"minor_number"`
	PCI         pciEntry     `xml:"pci"`
	FBMemory    memoryEntry  `xml:"fb_memory_usage"`
	Utilization utilEntry    `xml:"utilization"`
	Temperature tempEntry    `xml:"temperature"`
	Power       *powerEntry  `xml:"power_readings"`
	GPUPower    *powerEntry  `xml:"gpu_power_readings"`
	Processes   processEntry `xml:"processes"`
}

type pciEntry struct {
	BusID       string `xml:"pci_bus_id"`
	DeviceID    string `xml:"pci_device_id"`
	SubSystemID string `xml:"pci_sub_system_id"`
}

type memoryEntry struct {
	Total string `xml:"total"`
	Used  string `xml:"used"`
	Free  string `xml:"free"`
}

type utilEntry struct {
	GPU    string `xml:"gpu_util"`
	Memory string `xml:"memory_util"`
}

type tempEntry struct {
	Current  string `xml:"gpu_temp"`
	Shutdown string `xml:"gpu_temp_max_threshold"`
	Slowdown string `xml:"gpu_temp_slow_threshold"`
}

// powerEntry covers both layouts: drivers before 530 print power_limit under
// power_readings, newer ones print current_power_limit under gpu_power_readings.
type powerEntry struct {
	Draw         string `xml:"power_draw"`
	InstantDraw  string `xml:"instant_power_draw"`
	Limit        string `xml:"power_limit"`
	CurrentLimit string `xml:"current_power_limit"`
	EnforcedLim  string `xml:"enforced_power_limit"`
	DefaultLimit string `xml:"default_power_limit"`
}

type processEntry struct {
	Items []processInfo `xml:"process_info"`
}

type processInfo struct {
	PID        string `xml:"pid"`
	Type       string `xml:"type"`
	Name       string `xml:"process_name"`
	UsedMemory string `xml:"used_memory"`
}

func (p *powerEntry) draw() string {
	draw := strings.TrimSpace(p.Draw)
	if draw == "" || strings.EqualFold(draw, "N/A") {
		if p.InstantDraw != "" {
			return p.InstantDraw
		}
	}
	return p.Draw
}

func (p *powerEntry) limit() string {
	switch {
	case p.Limit != "":
		return p.Limit
	case p.CurrentLimit != "":
		return p.CurrentLimit
	default:
		return p.EnforcedLim
	}
}
