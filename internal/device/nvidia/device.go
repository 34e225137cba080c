package nvidia

import (
	"errors"
	"math"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/metric"
)

const bytesPerMiB = 1024 * 1024

// notAvailableMemory is NVML_VALUE_NOT_AVAILABLE for 64-bit counters.
const notAvailableMemory = math.MaxUint64

// Device implements device.Device for one NVML handle.
type Device struct {
	index  int
	handle deviceHandle
	lib    library
}

func (d *Device) queryErr(name string, ret nvml.Return) error {
	return device.NewQueryError(name, errors.New(d.lib.ErrorString(ret)))
}

// optional maps "not supported" style answers to an unavailable reading and
// everything else to a query error.
func optional(ret nvml.Return) bool {
	switch ret {
	case nvml.ERROR_NOT_SUPPORTED, nvml.ERROR_NO_PERMISSION:
		return true
	}
	return false
}

// Index implements device.Device.
func (d *Device) Index() (int, error) {
	return d.index, nil
}

// Name implements device.Device. Generic names are replaced from the PCI ID database.
func (d *Device) Name() (string, error) {
	name, ret := d.handle.GetName()
	if ret != nvml.SUCCESS {
		name = ""
	}
	if pci, pret := d.handle.GetPciInfo(); pret == nvml.SUCCESS {
		name = device.ResolveName(name, device.PCIIdentity{Device: pci.PciDeviceId, Subsystem: pci.PciSubSystemId})
	}
	if name == "" && ret != nvml.SUCCESS {
		return "", d.queryErr("name", ret)
	}
	return name, nil
}

// UUID implements device.Device.
func (d *Device) UUID() (string, error) {
	uuid, ret := d.handle.GetUUID()
	if ret != nvml.SUCCESS {
		return "", d.queryErr("uuid", ret)
	}
	return uuid, nil
}

// PCIBusID implements device.Device.
func (d *Device) PCIBusID() (string, error) {
	pci, ret := d.handle.GetPciInfo()
	if ret != nvml.SUCCESS {
		return "", d.queryErr("pci", ret)
	}
	return busIDString(pci.BusId), nil
}

// Utilization implements device.Device.
func (d *Device) Utilization() (device.Utilization, error) {
	rates, ret := d.handle.GetUtilizationRates()
	switch {
	case ret == nvml.SUCCESS:
		return device.Utilization{
			GPU:    metric.Int(int64(rates.Gpu), "%"),
			Memory: metric.Int(int64(rates.Memory), "%"),
		}, nil
	case optional(ret):
		return device.Utilization{}, nil
	default:
		return device.Utilization{}, d.queryErr("utilization", ret)
	}
}

// Temperature implements device.Device. Thresholds are best-effort.
func (d *Device) Temperature() (device.Temperature, error) {
	var out device.Temperature

	current, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	switch {
	case ret == nvml.SUCCESS:
		out.Current = metric.Int(int64(current), "C")
	case optional(ret):
	default:
		return device.Temperature{}, d.queryErr("temperature", ret)
	}

	if v, ret := d.handle.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SLOWDOWN); ret == nvml.SUCCESS {
		out.Slowdown = metric.Int(int64(v), "C")
	}
	if v, ret := d.handle.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN); ret == nvml.SUCCESS {
		out.Shutdown = metric.Int(int64(v), "C")
	}
	return out, nil
}

// Power implements device.Device. NVML reports milliwatts.
func (d *Device) Power() (device.Power, error) {
	var out device.Power

	draw, ret := d.handle.GetPowerUsage()
	switch {
	case ret == nvml.SUCCESS:
		out.Draw = milliwatts(draw)
	case optional(ret):
	default:
		return device.Power{}, d.queryErr("power", ret)
	}

	if v, ret := d.handle.GetPowerManagementLimit(); ret == nvml.SUCCESS {
		out.Limit = milliwatts(v)
	}
	if v, ret := d.handle.GetPowerManagementDefaultLimit(); ret == nvml.SUCCESS {
		out.DefaultLimit = milliwatts(v)
	}
	return out, nil
}

func milliwatts(v uint32) metric.Value {
	return metric.Float(float64(v)/1000, "W")
}

// Memory implements device.Device.
func (d *Device) Memory() (device.Memory, error) {
	mem, ret := d.handle.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return device.Memory{}, d.queryErr("memory", ret)
	}
	return device.Memory{
		Total: mebibytes(mem.Total),
		Used:  mebibytes(mem.Used),
		Free:  mebibytes(mem.Free),
	}, nil
}

func mebibytes(v uint64) metric.Value {
	if v == notAvailableMemory {
		return metric.Unavailable()
	}
	return metric.Int(int64(v/bytesPerMiB), "MiB")
}

// Processes implements device.Device. Compute and graphics contexts of the
// same PID are merged into one entry typed "C+G".
func (d *Device) Processes() ([]device.ProcessUsage, error) {
	compute, cret := d.handle.GetComputeRunningProcesses()
	graphics, gret := d.handle.GetGraphicsRunningProcesses()
	if cret != nvml.SUCCESS && !optional(cret) {
		return nil, d.queryErr("compute processes", cret)
	}
	if gret != nvml.SUCCESS && !optional(gret) {
		return nil, d.queryErr("graphics processes", gret)
	}
	if cret != nvml.SUCCESS {
		compute = nil
	}
	if gret != nvml.SUCCESS {
		graphics = nil
	}

	type entry struct {
		usage device.ProcessUsage
		used  uint64
	}
	order := make([]int, 0, len(compute)+len(graphics))
	byPID := make(map[int]*entry, len(compute)+len(graphics))

	add := func(infos []nvml.ProcessInfo, kind string) {
		for _, info := range infos {
			pid := int(info.Pid)
			existing, ok := byPID[pid]
			if !ok {
				byPID[pid] = &entry{
					usage: device.ProcessUsage{DeviceIndex: d.index, PID: pid, Type: kind},
					used:  info.UsedGpuMemory,
				}
				order = append(order, pid)
				continue
			}
			if existing.usage.Type != kind && existing.usage.Type != "C+G" {
				existing.usage.Type = "C+G"
			}
			if info.UsedGpuMemory != notAvailableMemory && (existing.used == notAvailableMemory || info.UsedGpuMemory > existing.used) {
				existing.used = info.UsedGpuMemory
			}
		}
	}
	add(compute, "C")
	add(graphics, "G")

	out := make([]device.ProcessUsage, 0, len(order))
	for _, pid := range order {
		e := byPID[pid]
		e.usage.UsedMemory = mebibytes(e.used)
		if name, ret := d.lib.SystemGetProcessName(pid); ret == nvml.SUCCESS {
			e.usage.Name = name
		}
		out = append(out, e.usage)
	}
	return out, nil
}
