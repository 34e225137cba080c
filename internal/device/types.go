package device

import "github.com/skobkin/gputop/internal/metric"

// Snapshot is one accelerator at one instant.
type Snapshot struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	UUID        string         `json:"uuid"`
	PCIBusID    string         `json:"pci_bus_id,omitempty"`
	Temperature Temperature    `json:"temperature"`
	Power       Power          `json:"power"`
	Utilization Utilization    `json:"utilization"`
	Memory      Memory         `json:"memory"`
	Processes   []ProcessUsage `json:"processes"`
}

// Temperature holds the current reading and the driver thresholds.
type Temperature struct {
	Current  metric.Value `json:"current"`
	Slowdown metric.Value `json:"slowdown"`
	Shutdown metric.Value `json:"shutdown"`
}

// Power holds draw and limits.
type Power struct {
	Draw         metric.Value `json:"draw"`
	Limit        metric.Value `json:"limit"`
	DefaultLimit metric.Value `json:"default_limit"`
}

// LimitChanged reports whether the enforced limit differs from the default one.
func (p Power) LimitChanged() bool {
	if !p.Limit.Available() || !p.DefaultLimit.Available() {
		return false
	}
	return !p.Limit.Equal(p.DefaultLimit)
}

// Utilization holds busy percentages.
type Utilization struct {
	GPU    metric.Value `json:"gpu"`
	Memory metric.Value `json:"memory"`
}

// Memory holds framebuffer usage.
type Memory struct {
	Total metric.Value `json:"total"`
	Used  metric.Value `json:"used"`
	Free  metric.Value `json:"free"`
}

// ProcessUsage is one process' consumption of one device.
type ProcessUsage struct {
	DeviceIndex int          `json:"gpu"`
	PID         int          `json:"pid"`
	UsedMemory  metric.Value `json:"used_memory"`
	Type        string       `json:"type"`
	Name        string       `json:"name,omitempty"`
}

// MemoryConsistent reports whether used <= total. It only checks when both
// readings are available; a false result is a data-quality hint, not an error.
func (s Snapshot) MemoryConsistent() bool {
	used, okUsed := s.Memory.Used.Float64()
	total, okTotal := s.Memory.Total.Float64()
	if !okUsed || !okTotal {
		return true
	}
	return used <= total
}
