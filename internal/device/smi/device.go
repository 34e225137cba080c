package smi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/metric"
)

// Device implements device.Device over one <gpu> element.
type Device struct {
	index int
	gpu   gpuEntry
}

// parser collects the first malformed token of one accessor.
type parser struct {
	field string
	err   error
}

func (p *parser) value(token string) metric.Value {
	v, err := metric.Parse(token)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", p.field, err)
	}
	return v
}

// Index implements device.Device.
func (d *Device) Index() (int, error) {
	return d.index, nil
}

// Name implements device.Device.
func (d *Device) Name() (string, error) {
	name := strings.TrimSpace(d.gpu.ProductName)
	name = device.ResolveName(name, device.ParsePCIIdentity(d.gpu.PCI.DeviceID, d.gpu.PCI.SubSystemID))
	if name == "" {
		return "", device.NewQueryError("name", errors.New("not reported"))
	}
	return name, nil
}

// UUID implements device.Device.
func (d *Device) UUID() (string, error) {
	return textOrQueryError("uuid", d.gpu.UUID)
}

// PCIBusID implements device.Device.
func (d *Device) PCIBusID() (string, error) {
	if id := strings.TrimSpace(d.gpu.PCI.BusID); id != "" {
		return id, nil
	}
	return textOrQueryError("pci", d.gpu.ID)
}

// Utilization implements device.Device.
func (d *Device) Utilization() (device.Utilization, error) {
	p := parser{field: "utilization"}
	out := device.Utilization{
		GPU:    p.value(d.gpu.Utilization.GPU),
		Memory: p.value(d.gpu.Utilization.Memory),
	}
	if p.err != nil {
		return device.Utilization{}, p.err
	}
	return out, nil
}

// Temperature implements device.Device.
func (d *Device) Temperature() (device.Temperature, error) {
	p := parser{field: "temperature"}
	out := device.Temperature{
		Current:  p.value(d.gpu.Temperature.Current),
		Slowdown: p.value(d.gpu.Temperature.Slowdown),
		Shutdown: p.value(d.gpu.Temperature.Shutdown),
	}
	if p.err != nil {
		return device.Temperature{}, p.err
	}
	return out, nil
}

// Power implements device.Device.
func (d *Device) Power() (device.Power, error) {
	readings := d.gpu.GPUPower
	if readings == nil {
		readings = d.gpu.Power
	}
	if readings == nil {
		return device.Power{}, device.NewQueryError("power", errors.New("no power readings in report"))
	}

	p := parser{field: "power"}
	out := device.Power{
		Draw:         p.value(readings.draw()),
		Limit:        p.value(readings.limit()),
		DefaultLimit: p.value(readings.DefaultLimit),
	}
	if p.err != nil {
		return device.Power{}, p.err
	}
	return out, nil
}

// Memory implements device.Device.
func (d *Device) Memory() (device.Memory, error) {
	p := parser{field: "memory"}
	out := device.Memory{
		Total: p.value(d.gpu.FBMemory.Total),
		Used:  p.value(d.gpu.FBMemory.Used),
		Free:  p.value(d.gpu.FBMemory.Free),
	}
	if p.err != nil {
		return device.Memory{}, p.err
	}
	return out, nil
}

// Processes implements device.Device.
func (d *Device) Processes() ([]device.ProcessUsage, error) {
	items := d.gpu.Processes.Items
	out := make([]device.ProcessUsage, 0, len(items))
	p := parser{field: "processes"}
	for _, item := range items {
		pid, err := strconv.Atoi(strings.TrimSpace(item.PID))
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("parse processes: %w: pid %q", metric.ErrMalformed, item.PID)
		}
		out = append(out, device.ProcessUsage{
			DeviceIndex: d.index,
			PID:         pid,
			UsedMemory:  p.value(item.UsedMemory),
			Type:        strings.TrimSpace(item.Type),
			Name:        strings.TrimSpace(item.Name),
		})
	}
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}
