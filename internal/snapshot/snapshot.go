// Package snapshot assembles one consistent view of all accelerators and the
// processes using them, attributed to users and containers.
package snapshot

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/device"
)

// GlobalDevice marks an issue that is not tied to one device.
const GlobalDevice = -1

// Snapshot is the immutable result of one refresh.
type Snapshot struct {
	Session          uuid.UUID         `json:"session"`
	Sequence         uint64            `json:"sequence"`
	Timestamp        time.Time         `json:"timestamp"`
	Backend          string            `json:"backend"`
	DriverVersion    string            `json:"driver_version,omitempty"`
	RuntimeVersion   string            `json:"cuda_version,omitempty"`
	Devices          []device.Snapshot `json:"gpus"`
	Processes        []Process         `json:"processes"`
	ContainerSupport bool              `json:"container_support"`
	Issues           []Issue           `json:"issues,omitempty"`
}

// Process is a device process attributed to its owner and container.
type Process struct {
	device.ProcessUsage
	UID       int               `json:"uid"`
	GID       int               `json:"gid"`
	User      string            `json:"user,omitempty"`
	Command   string            `json:"command,omitempty"`
	Container *container.Record `json:"container,omitempty"`
}

// Issue records a reading that could not be taken.
type Issue struct {
	Device int    `json:"gpu"`
	Field  string `json:"field"`
	Err    string `json:"error"`
}

func (i Issue) String() string {
	if i.Device == GlobalDevice {
		return fmt.Sprintf("%s: %s", i.Field, i.Err)
	}
	return fmt.Sprintf("gpu %d %s: %s", i.Device, i.Field, i.Err)
}

// Device returns the device with the given index.
func (s Snapshot) Device(index int) (device.Snapshot, bool) {
	for _, d := range s.Devices {
		if d.Index == index {
			return d, true
		}
	}
	return device.Snapshot{}, false
}

// ProcessesOn returns the attributed processes of one device, in snapshot order.
func (s Snapshot) ProcessesOn(index int) []Process {
	var out []Process
	for _, p := range s.Processes {
		if p.DeviceIndex == index {
			out = append(out, p)
		}
	}
	return out
}
