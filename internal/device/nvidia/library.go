// Package nvidia reads accelerator state through the NVIDIA Management Library.
package nvidia

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// library is the subset of nvml.Interface the backend needs.
type library interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceHandle(index int) (deviceHandle, nvml.Return)
	SystemGetDriverVersion() (string, nvml.Return)
	SystemGetCudaDriverVersion() (int, nvml.Return)
	SystemGetProcessName(pid int) (string, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// deviceHandle is the subset of nvml.Device the backend needs.
type deviceHandle interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetPciInfo() (nvml.PciInfo, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetTemperatureThreshold(threshold nvml.TemperatureThresholds) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
	GetPowerManagementDefaultLimit() (uint32, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetGraphicsRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
}

type nvmlLibrary struct {
	nvml.Interface
}

func (l nvmlLibrary) DeviceHandle(index int) (deviceHandle, nvml.Return) {
	dev, ret := l.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return dev, ret
}

// loadLibrary binds the shared object at path, or the default one when path is empty.
var loadLibrary = func(path string) library {
	if path == "" {
		return nvmlLibrary{nvml.New()}
	}
	return nvmlLibrary{nvml.New(nvml.WithLibraryPath(path))}
}

func busIDString(raw [32]int8) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
