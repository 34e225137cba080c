// Package app wires the backend, the process table and the exporters
// together and drives one-shot or watch mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/skobkin/gputop/internal/config"
	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/device/nvidia"
	"github.com/skobkin/gputop/internal/device/smi"
	"github.com/skobkin/gputop/internal/export"
	"github.com/skobkin/gputop/internal/proctable"
	"github.com/skobkin/gputop/internal/render"
	"github.com/skobkin/gputop/internal/snapshot"
)

var (
	openNVML = func(paths []string, logger *slog.Logger) (device.Backend, error) {
		b, err := nvidia.Open(paths, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	openSMI = func(ctx context.Context, path string, logger *slog.Logger) (device.Backend, error) {
		b := smi.New(path, logger)
		if err := b.Probe(ctx); err != nil {
			return nil, err
		}
		return b, nil
	}
)

// Run takes one snapshot, or keeps refreshing when cfg.Interval is set,
// until ctx is canceled.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, out io.Writer) error {
	appLogger := baseLogger.With("component", "app")

	backend, err := openBackend(ctx, cfg, baseLogger)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			appLogger.Warn("backend close", "err", err)
		}
	}()
	appLogger.Info("backend ready", "backend", backend.Name())

	table, err := proctable.NewProcFS(cfg.ProcRoot)
	if err != nil {
		return fmt.Errorf("open process table: %w", err)
	}

	opts := []snapshot.Option{
		snapshot.WithUserNames(proctable.NewUserNames()),
		snapshot.WithCommandLines(table),
		snapshot.WithMaxHops(cfg.Attribution.MaxHops),
		snapshot.WithOwnerPolicy(cfg.Attribution.OwnerPolicy),
		snapshot.WithParallelDevices(cfg.ParallelDevices),
		snapshot.WithRefreshTimeout(cfg.RefreshTimeout),
		snapshot.WithLogger(baseLogger),
	}
	if cfg.Containers.Enable {
		lister := container.NewCLILister(cfg.Containers.CLI, nil, baseLogger).WithTimeout(cfg.Containers.Timeout)
		opts = append(opts, snapshot.WithContainers(lister))
	}
	assembler := snapshot.NewAssembler(backend, table, opts...)

	pub := newPublisher(cfg, out)

	if cfg.Interval == 0 {
		snap, err := assembler.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		return pub.publish(snap, false)
	}

	return watch(ctx, cfg, assembler, pub, baseLogger)
}

func watch(ctx context.Context, cfg config.Config, source snapshot.Refresher, pub *publisher, baseLogger *slog.Logger) error {
	appLogger := baseLogger.With("component", "app")

	manager, err := snapshot.NewManager(cfg.Interval, source, baseLogger)
	if err != nil {
		return fmt.Errorf("init refresh manager: %w", err)
	}
	updates, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- manager.Run(ctx)
	}()

	for snap := range updates {
		if err := pub.publish(snap, true); err != nil {
			appLogger.Warn("publish snapshot", "sequence", snap.Sequence, "err", err)
		}
	}

	if err := <-runErrCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if failures, lastErr := manager.Failures(); lastErr != nil && !manager.Ready() {
		return fmt.Errorf("no snapshot after %d attempts: %w", failures, lastErr)
	}
	appLogger.Info("shutdown complete")
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (device.Backend, error) {
	switch cfg.Backend {
	case config.BackendNVML:
		return openNVML(cfg.NVMLLibraryPaths, logger)
	case config.BackendSMI:
		return openSMI(ctx, cfg.SMIPath, logger)
	}

	b, nvmlErr := openNVML(cfg.NVMLLibraryPaths, logger)
	if nvmlErr == nil {
		return b, nil
	}
	logger.Info("NVML unavailable, trying nvidia-smi", "err", nvmlErr)

	b, smiErr := openSMI(ctx, cfg.SMIPath, logger)
	if smiErr == nil {
		return b, nil
	}
	return nil, errors.Join(nvmlErr, smiErr)
}

type publisher struct {
	out      io.Writer
	path     string
	textfile string
	json     bool
	options  render.Options
	terminal bool
}

func newPublisher(cfg config.Config, out io.Writer) *publisher {
	terminal := isTerminal(out)
	color := cfg.Output.Color == config.ColorAlways || (cfg.Output.Color == config.ColorAuto && terminal)
	return &publisher{
		out:      out,
		path:     cfg.Output.Path,
		textfile: cfg.TextfilePath,
		json:     cfg.Output.Format == config.FormatJSON,
		options:  render.Options{Color: color, ShowIssues: cfg.Output.ShowIssues},
		terminal: terminal,
	}
}

// publish writes snap to the snapshot file or stdout, then the textfile.
func (p *publisher) publish(snap snapshot.Snapshot, redraw bool) error {
	var errs []error

	switch {
	case p.path != "":
		if err := export.WriteSnapshotFile(p.path, snap); err != nil {
			errs = append(errs, err)
		}
	case p.json:
		if err := render.JSON(p.out, snap); err != nil {
			errs = append(errs, err)
		}
	default:
		if redraw && p.terminal {
			if err := render.ClearScreen(p.out); err != nil {
				errs = append(errs, fmt.Errorf("clear screen: %w", err))
			}
		}
		if err := render.Table(p.out, snap, p.options); err != nil {
			errs = append(errs, err)
		}
	}

	if p.textfile != "" {
		if err := export.WriteTextfile(p.textfile, export.Static(snap)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
