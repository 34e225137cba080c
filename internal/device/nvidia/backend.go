package nvidia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/skobkin/gputop/internal/device"
)

// DefaultLibraryPath is the soname the NVIDIA driver installs.
const DefaultLibraryPath = "libnvidia-ml.so.1"

// Backend implements device.Backend on top of NVML.
type Backend struct {
	lib    library
	path   string
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open initialises NVML from the first library path that works. Candidates
// are tried in order, followed by the loader default. The returned error
// matches device.ErrInitFailed and carries every candidate's failure.
func Open(paths []string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "nvml")

	candidates := make([]string, 0, len(paths)+1)
	seen := make(map[string]struct{}, len(paths)+1)
	for _, p := range append(append([]string{}, paths...), "") {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		candidates = append(candidates, p)
	}

	var errs []error
	for _, path := range candidates {
		lib := loadLibrary(path)
		ret := lib.Init()
		if ret == nvml.SUCCESS {
			logger.Info("nvml initialised", "library", displayPath(path))
			return &Backend{lib: lib, path: path, logger: logger}, nil
		}
		logger.Debug("nvml candidate failed", "library", displayPath(path), "err", lib.ErrorString(ret))
		errs = append(errs, fmt.Errorf("init %s: %s", displayPath(path), lib.ErrorString(ret)))
	}

	return nil, fmt.Errorf("%w: %w", device.ErrInitFailed, errors.Join(errs...))
}

func displayPath(path string) string {
	if path == "" {
		return "default"
	}
	return path
}

// Name implements device.Backend.
func (b *Backend) Name() string {
	return "nvml"
}

// LibraryPath reports which candidate initialised successfully; empty means the loader default.
func (b *Backend) LibraryPath() string {
	return b.path
}

// Refresh is a no-op: NVML answers every query live.
func (b *Backend) Refresh(ctx context.Context) error {
	return ctx.Err()
}

// DeviceCount implements device.Backend.
func (b *Backend) DeviceCount() (int, error) {
	count, ret := b.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%w: count devices: %s", device.ErrBackendUnavailable, b.lib.ErrorString(ret))
	}
	return count, nil
}

// DeviceAt implements device.Backend.
func (b *Backend) DeviceAt(index int) (device.Device, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", device.ErrDeviceNotFound, index)
	}
	handle, ret := b.lib.DeviceHandle(index)
	switch ret {
	case nvml.SUCCESS:
		return &Device{index: index, handle: handle, lib: b.lib}, nil
	case nvml.ERROR_INVALID_ARGUMENT, nvml.ERROR_NOT_FOUND:
		return nil, fmt.Errorf("%w: index %d", device.ErrDeviceNotFound, index)
	default:
		return nil, fmt.Errorf("get device %d: %w", index, device.NewQueryError("handle", errors.New(b.lib.ErrorString(ret))))
	}
}

// DriverVersion implements device.Backend.
func (b *Backend) DriverVersion() (string, error) {
	v, ret := b.lib.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return "", device.NewQueryError("driver version", errors.New(b.lib.ErrorString(ret)))
	}
	return v, nil
}

// RuntimeVersion reports the CUDA driver API version as "major.minor".
func (b *Backend) RuntimeVersion() (string, error) {
	v, ret := b.lib.SystemGetCudaDriverVersion()
	if ret != nvml.SUCCESS {
		return "", device.NewQueryError("cuda version", errors.New(b.lib.ErrorString(ret)))
	}
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10), nil
}

// Close shuts NVML down. Subsequent calls return the first result.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if ret := b.lib.Shutdown(); ret != nvml.SUCCESS {
			b.closeErr = fmt.Errorf("shutdown nvml: %s", b.lib.ErrorString(ret))
		}
	})
	return b.closeErr
}
