// Package device defines the per-accelerator data model and the capability
// surface a vendor integration must provide to feed it.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the driver or query tool cannot be reached at all.
	ErrBackendUnavailable = errors.New("device backend unavailable")
	// ErrInitFailed means every initialisation candidate was tried and failed.
	ErrInitFailed = errors.New("device backend initialisation failed")
	// ErrDeviceNotFound means the requested index is out of range.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrQuery means a single metric could not be read.
	ErrQuery = errors.New("device query failed")
)

// QueryError describes a failed metric read on one device.
type QueryError struct {
	Metric string
	Err    error
}

// NewQueryError wraps err for the named metric.
func NewQueryError(metric string, err error) *QueryError {
	return &QueryError{Metric: metric, Err: err}
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Metric, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is makes every QueryError match ErrQuery.
func (e *QueryError) Is(target error) bool {
	return target == ErrQuery
}

// Backend supplies live accelerator readings. Implementations are read-only.
type Backend interface {
	// Name identifies the implementation in logs.
	Name() string
	// Refresh starts a new acquisition cycle.
	Refresh(ctx context.Context) error
	// DeviceCount fails with ErrBackendUnavailable if the driver cannot be reached.
	DeviceCount() (int, error)
	// DeviceAt fails with ErrDeviceNotFound for out-of-range indexes.
	DeviceAt(index int) (Device, error)
	// DriverVersion is best-effort.
	DriverVersion() (string, error)
	// RuntimeVersion reports the CUDA (or equivalent) version, best-effort.
	RuntimeVersion() (string, error)
	// Close releases the driver session.
	Close() error
}

// Device exposes independently failing accessors for a single accelerator.
type Device interface {
	Index() (int, error)
	Name() (string, error)
	UUID() (string, error)
	PCIBusID() (string, error)
	Utilization() (Utilization, error)
	Temperature() (Temperature, error)
	Power() (Power, error)
	Memory() (Memory, error)
	Processes() ([]ProcessUsage, error)
}
