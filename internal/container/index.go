// Package container maps container init processes to the containers they run.
package container

import (
	"context"
	"errors"
)

// ErrRuntimeUnavailable means the container runtime could not be queried.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// Record describes one running container.
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	InitPID int    `json:"init_pid"`
}

// ShortID returns the 12-character prefix the runtimes print.
func (r Record) ShortID() string {
	if len(r.ID) <= 12 {
		return r.ID
	}
	return r.ID[:12]
}

// Lister enumerates running containers.
type Lister interface {
	ListContainers(ctx context.Context) ([]Record, error)
}

// Index answers whether a PID is some container's init process.
// A nil *Index is valid and never matches.
type Index struct {
	byPID map[int]Record
}

// NewIndex builds an index keyed by init PID. Records without a live init
// process are ignored; the first record wins on duplicate PIDs.
func NewIndex(records []Record) *Index {
	idx := &Index{byPID: make(map[int]Record, len(records))}
	for _, rec := range records {
		if rec.InitPID <= 0 {
			continue
		}
		if _, exists := idx.byPID[rec.InitPID]; exists {
			continue
		}
		idx.byPID[rec.InitPID] = rec
	}
	return idx
}

// Lookup returns the container whose init process is pid.
func (i *Index) Lookup(pid int) (Record, bool) {
	if i == nil {
		return Record{}, false
	}
	rec, ok := i.byPID[pid]
	return rec, ok
}

// Len reports the number of indexed containers.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.byPID)
}
