package snapshot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/gputop/internal/attribution"
	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/metric"
	"github.com/skobkin/gputop/internal/proctable"
)

// CommandLines supplies display command lines for processes.
type CommandLines interface {
	Cmdline(pid int) (string, error)
}

// Assembler turns backend readings into Snapshots. Refresh must not be
// called concurrently.
type Assembler struct {
	backend  device.Backend
	table    proctable.Table
	lister   container.Lister
	users    *proctable.UserNames
	commands CommandLines

	maxHops        int
	ownerPolicy    attribution.OwnerPolicy
	parallel       bool
	refreshTimeout time.Duration

	session  uuid.UUID
	sequence uint64
	now      func() time.Time
	logger   *slog.Logger
}

// Option customises an Assembler.
type Option func(*Assembler)

// WithContainers enables container attribution through lister.
func WithContainers(lister container.Lister) Option {
	return func(a *Assembler) { a.lister = lister }
}

// WithUserNames resolves owner uids to account names.
func WithUserNames(users *proctable.UserNames) Option {
	return func(a *Assembler) { a.users = users }
}

// WithCommandLines attaches command lines to processes.
func WithCommandLines(src CommandLines) Option {
	return func(a *Assembler) { a.commands = src }
}

// WithMaxHops caps each ancestry walk.
func WithMaxHops(n int) Option {
	return func(a *Assembler) { a.maxHops = n }
}

// WithOwnerPolicy selects how process owners are chosen.
func WithOwnerPolicy(p attribution.OwnerPolicy) Option {
	return func(a *Assembler) { a.ownerPolicy = p }
}

// WithParallelDevices reads devices concurrently.
func WithParallelDevices(enabled bool) Option {
	return func(a *Assembler) { a.parallel = enabled }
}

// WithRefreshTimeout bounds each refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.refreshTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAssembler returns an assembler reading from backend and table.
func NewAssembler(backend device.Backend, table proctable.Table, opts ...Option) *Assembler {
	a := &Assembler{
		backend: backend,
		table:   table,
		maxHops: attribution.DefaultMaxHops,
		session: uuid.New(),
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "assembler")
	return a
}

// Session identifies this assembler's snapshot stream.
func (a *Assembler) Session() uuid.UUID {
	return a.session
}

// Refresh takes one snapshot. Backend unreachability and malformed readings
// fail the refresh; everything else degrades into Issues.
func (a *Assembler) Refresh(ctx context.Context) (Snapshot, error) {
	if a.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.refreshTimeout)
		defer cancel()
	}

	if err := a.backend.Refresh(ctx); err != nil {
		return Snapshot{}, unavailable("refresh backend", err)
	}
	count, err := a.backend.DeviceCount()
	if err != nil {
		return Snapshot{}, unavailable("count devices", err)
	}

	snap := Snapshot{
		Session: a.session,
		Backend: a.backend.Name(),
		Devices: make([]device.Snapshot, 0, count),
	}

	if v, err := a.backend.DriverVersion(); err != nil {
		snap.Issues = append(snap.Issues, issue(GlobalDevice, "driver_version", err))
	} else {
		snap.DriverVersion = v
	}
	if v, err := a.backend.RuntimeVersion(); err != nil {
		snap.Issues = append(snap.Issues, issue(GlobalDevice, "cuda_version", err))
	} else {
		snap.RuntimeVersion = v
	}

	results := a.readDevices(count)
	for _, res := range results {
		if res.err != nil {
			return Snapshot{}, res.err
		}
		snap.Issues = append(snap.Issues, res.issues...)
		if res.ok {
			snap.Devices = append(snap.Devices, res.snap)
		}
	}

	if err := ctx.Err(); err != nil {
		return Snapshot{}, unavailable("read devices", err)
	}

	var index *container.Index
	if a.lister != nil {
		records, err := a.lister.ListContainers(ctx)
		if err != nil {
			a.logger.Debug("container listing failed", "err", err)
			snap.Issues = append(snap.Issues, issue(GlobalDevice, "containers", err))
		} else {
			index = container.NewIndex(records)
			snap.ContainerSupport = true
		}
	}

	var attributionIssues []Issue
	snap.Processes, attributionIssues = a.attribute(snap.Devices, index)
	snap.Issues = append(snap.Issues, attributionIssues...)

	a.sequence++
	snap.Sequence = a.sequence
	snap.Timestamp = a.now()

	if len(snap.Issues) > 0 {
		a.logger.Debug("refresh degraded", "issues", len(snap.Issues), "sequence", snap.Sequence)
	}
	return snap, nil
}

func unavailable(action string, err error) error {
	if errors.Is(err, device.ErrBackendUnavailable) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w: %w", action, device.ErrBackendUnavailable, err)
}

func issue(dev int, field string, err error) Issue {
	return Issue{Device: dev, Field: field, Err: err.Error()}
}

type deviceResult struct {
	snap   device.Snapshot
	issues []Issue
	ok     bool
	err    error
}

func (a *Assembler) readDevices(count int) []deviceResult {
	results := make([]deviceResult, count)
	if !a.parallel || count < 2 {
		for i := range results {
			results[i] = a.readDevice(i)
		}
		return results
	}

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.readDevice(i)
		}(i)
	}
	wg.Wait()
	return results
}

// deviceReader collects per-field degradations for one device.
type deviceReader struct {
	index  int
	issues []Issue
	fatal  error
}

// check records err as an issue and reports whether the value may be used.
// Malformed readings are kept aside to fail the whole refresh.
func (r *deviceReader) check(field string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, metric.ErrMalformed) {
		if r.fatal == nil {
			r.fatal = fmt.Errorf("read gpu %d %s: %w", r.index, field, err)
		}
		return false
	}
	r.issues = append(r.issues, issue(r.index, field, err))
	return false
}

func (a *Assembler) readDevice(i int) deviceResult {
	dev, err := a.backend.DeviceAt(i)
	if err != nil {
		if errors.Is(err, metric.ErrMalformed) {
			return deviceResult{err: fmt.Errorf("open gpu %d: %w", i, err)}
		}
		return deviceResult{issues: []Issue{issue(i, "device", err)}}
	}

	r := &deviceReader{index: i}
	snap := device.Snapshot{Index: i}

	if idx, err := dev.Index(); r.check("index", err) {
		snap.Index = idx
	}
	r.index = snap.Index
	if v, err := dev.Name(); r.check("name", err) {
		snap.Name = v
	}
	if v, err := dev.UUID(); r.check("uuid", err) {
		snap.UUID = v
	}
	if v, err := dev.PCIBusID(); r.check("pci_bus_id", err) {
		snap.PCIBusID = v
	}
	if v, err := dev.Temperature(); r.check("temperature", err) {
		snap.Temperature = v
	}
	if v, err := dev.Power(); r.check("power", err) {
		snap.Power = v
	}
	if v, err := dev.Utilization(); r.check("utilization", err) {
		snap.Utilization = v
	}
	if v, err := dev.Memory(); r.check("memory", err) {
		snap.Memory = v
	}
	if v, err := dev.Processes(); r.check("processes", err) {
		snap.Processes = make([]device.ProcessUsage, len(v))
		for j, p := range v {
			p.DeviceIndex = snap.Index
			snap.Processes[j] = p
		}
	}

	if r.fatal != nil {
		return deviceResult{err: r.fatal}
	}
	if !snap.MemoryConsistent() {
		a.logger.Debug("memory used exceeds total", "gpu", snap.Index, "used", snap.Memory.Used, "total", snap.Memory.Total)
	}
	return deviceResult{snap: snap, issues: r.issues, ok: true}
}

func (a *Assembler) attribute(devices []device.Snapshot, index *container.Index) ([]Process, []Issue) {
	memo := attribution.NewMemo(attribution.NewResolver(a.table,
		attribution.WithIndex(index),
		attribution.WithMaxHops(a.maxHops),
		attribution.WithOwnerPolicy(a.ownerPolicy),
		attribution.WithLogger(a.logger),
	))
	if a.users != nil {
		a.users.Reset()
	}

	var (
		out    []Process
		issues []Issue
	)
	commands := make(map[int]string)
	for _, dev := range devices {
		for _, usage := range dev.Processes {
			att := memo.Resolve(usage.PID)
			if att.Err != nil {
				issues = append(issues, issue(usage.DeviceIndex, "attribution", fmt.Errorf("pid %d: %w", usage.PID, att.Err)))
			}
			proc := Process{ProcessUsage: usage, UID: att.UID, GID: att.GID}
			if att.Container != nil {
				rec := *att.Container
				proc.Container = &rec
			}
			if a.users != nil {
				proc.User = a.users.Name(att.UID)
			}
			if a.commands != nil {
				cmd, seen := commands[usage.PID]
				if !seen {
					if c, err := a.commands.Cmdline(usage.PID); err == nil {
						cmd = c
					}
					commands[usage.PID] = cmd
				}
				proc.Command = cmd
			}
			out = append(out, proc)
		}
	}

	slices.SortStableFunc(out, compareProcesses)
	return out, issues
}

// compareProcesses orders by device, then memory descending with unknown
// usage last, then PID.
func compareProcesses(x, y Process) int {
	if c := cmp.Compare(x.DeviceIndex, y.DeviceIndex); c != 0 {
		return c
	}
	xm, xok := x.UsedMemory.Float64()
	ym, yok := y.UsedMemory.Float64()
	switch {
	case xok && !yok:
		return -1
	case !xok && yok:
		return 1
	case xok && yok:
		if c := cmp.Compare(ym, xm); c != 0 {
			return c
		}
	}
	return cmp.Compare(x.PID, y.PID)
}
