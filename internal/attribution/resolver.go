// Package attribution decides which user and which container a host process
// belongs to by walking its ancestry.
package attribution

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/proctable"
)

// DefaultMaxHops bounds a walk; real process trees are far shallower.
const DefaultMaxHops = 1024

// OwnerPolicy selects which non-root ancestor supplies the owner.
type OwnerPolicy int

const (
	// OwnerLastNonZero lets every non-root process met on the way overwrite
	// the owner, so the outermost non-root ancestor wins.
	OwnerLastNonZero OwnerPolicy = iota
	// OwnerFirstNonZero keeps the nearest non-root process as the owner.
	OwnerFirstNonZero
)

// ParseOwnerPolicy accepts "last" or "first".
func ParseOwnerPolicy(raw string) (OwnerPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "last":
		return OwnerLastNonZero, nil
	case "first":
		return OwnerFirstNonZero, nil
	default:
		return 0, fmt.Errorf("unknown owner policy %q", raw)
	}
}

func (p OwnerPolicy) String() string {
	if p == OwnerFirstNonZero {
		return "first"
	}
	return "last"
}

// Attribution is the outcome for one process. Container is nil when no
// ancestor is a container init process.
type Attribution struct {
	UID       int
	GID       int
	Container *container.Record
	// Err is set when the walk stopped on a lookup failure other than a
	// vanished process. The other fields hold what was found before it.
	Err error
}

// Resolver walks parent links through a process table. It holds no state
// between calls; callers memoise per refresh.
type Resolver struct {
	table   proctable.Table
	index   *container.Index
	maxHops int
	policy  OwnerPolicy
	logger  *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithIndex enables container attribution. A nil index disables it.
func WithIndex(index *container.Index) Option {
	return func(r *Resolver) { r.index = index }
}

// WithMaxHops caps the walk length. Non-positive values keep the default.
func WithMaxHops(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxHops = n
		}
	}
}

// WithOwnerPolicy selects the owner policy.
func WithOwnerPolicy(p OwnerPolicy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver returns a resolver over table.
func NewResolver(table proctable.Table, opts ...Option) *Resolver {
	r := &Resolver{
		table:   table,
		maxHops: DefaultMaxHops,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "attribution")
	return r
}

// Resolve attributes pid. A process that cannot be found yields the zero
// Attribution (root, no container); any other lookup failure is reported
// through Attribution.Err.
func (r *Resolver) Resolve(pid int) Attribution {
	var (
		out     Attribution
		ownerOK bool
	)

	cur := pid
	for hop := 0; hop < r.maxHops; hop++ {
		entry, err := r.table.Lookup(cur)
		if err != nil {
			if !errors.Is(err, proctable.ErrNotFound) {
				r.logger.Debug("process lookup failed", "pid", cur, "start", pid, "err", err)
				out.Err = fmt.Errorf("lookup pid %d: %w", cur, err)
			}
			return out
		}

		if entry.UID != 0 && !(ownerOK && r.policy == OwnerFirstNonZero) {
			out.UID = entry.UID
			out.GID = entry.GID
			ownerOK = true
		}

		if rec, ok := r.index.Lookup(cur); ok {
			out.Container = &rec
			return out
		}

		if entry.PPID <= 0 || entry.PPID == cur {
			return out
		}
		cur = entry.PPID
	}

	r.logger.Debug("ancestry walk hit hop limit", "pid", pid, "max_hops", r.maxHops)
	return out
}
