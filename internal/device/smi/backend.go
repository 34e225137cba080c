// Package smi reads accelerator state by running `nvidia-smi -q -x` and
// decoding its XML report.
package smi

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/skobkin/gputop/internal/command"
	"github.com/skobkin/gputop/internal/device"
)

// DefaultPath is looked up in $PATH.
const DefaultPath = "nvidia-smi"

// Backend implements device.Backend from one nvidia-smi report per refresh.
type Backend struct {
	path   string
	run    command.Runner
	logger *slog.Logger

	mu  sync.RWMutex
	doc *document
}

// Option customises a Backend.
type Option func(*Backend)

// WithRunner replaces the command executor.
func WithRunner(run command.Runner) Option {
	return func(b *Backend) {
		if run != nil {
			b.run = run
		}
	}
}

// New returns a backend that runs the binary at path.
func New(path string, logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	b := &Backend{
		path:   path,
		run:    command.Exec,
		logger: logger.With("component", "nvidia_smi"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Probe checks that the binary answers. It is the initialisation step for this backend.
func (b *Backend) Probe(ctx context.Context) error {
	if err := b.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", device.ErrInitFailed, err)
	}
	return nil
}

// Name implements device.Backend.
func (b *Backend) Name() string {
	return "nvidia-smi"
}

// Refresh runs nvidia-smi and keeps the decoded report for this cycle.
func (b *Backend) Refresh(ctx context.Context) error {
	out, err := b.run(ctx, b.path, "-q", "-x")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s not found", device.ErrBackendUnavailable, b.path)
		}
		return fmt.Errorf("%w: run %s: %w", device.ErrBackendUnavailable, b.path, err)
	}

	doc, err := decode(out)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrBackendUnavailable, err)
	}
	b.logger.Debug("report decoded", "gpus", len(doc.GPUs), "driver", doc.DriverVersion)

	b.mu.Lock()
	b.doc = doc
	b.mu.Unlock()
	return nil
}

func decode(raw []byte) (*document, error) {
	var doc document
	if err := xml.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode nvidia-smi report: %w", err)
	}
	return &doc, nil
}

func (b *Backend) current() (*document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.doc == nil {
		return nil, fmt.Errorf("%w: no report, refresh first", device.ErrBackendUnavailable)
	}
	return b.doc, nil
}

// DeviceCount implements device.Backend.
func (b *Backend) DeviceCount() (int, error) {
	doc, err := b.current()
	if err != nil {
		return 0, err
	}
	return len(doc.GPUs), nil
}

// DeviceAt implements device.Backend. The index is the enumeration position in the report.
func (b *Backend) DeviceAt(index int) (device.Device, error) {
	doc, err := b.current()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(doc.GPUs) {
		return nil, fmt.Errorf("%w: index %d", device.ErrDeviceNotFound, index)
	}
	return &Device{index: index, gpu: doc.GPUs[index]}, nil
}

// DriverVersion implements device.Backend.
func (b *Backend) DriverVersion() (string, error) {
	doc, err := b.current()
	if err != nil {
		return "", err
	}
	return textOrQueryError("driver version", doc.DriverVersion)
}

// RuntimeVersion implements device.Backend.
func (b *Backend) RuntimeVersion() (string, error) {
	doc, err := b.current()
	if err != nil {
		return "", err
	}
	return textOrQueryError("cuda version", doc.CUDAVersion)
}

func textOrQueryError(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "n/a", "[n/a]", "not supported", "[not supported]":
		return "", device.NewQueryError(name, errors.New("not reported"))
	}
	return value, nil
}

// Close drops the cached report.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.doc = nil
	b.mu.Unlock()
	return nil
}
