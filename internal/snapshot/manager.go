package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Refresher produces snapshots. *Assembler satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (Snapshot, error)
}

// Manager refreshes periodically, caches the latest snapshot and fans
// updates out to subscribers.
type Manager struct {
	interval time.Duration
	source   Refresher
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      *Snapshot
	lastErr     error
	failures    uint64
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager around source.
func NewManager(interval time.Duration, source Refresher, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if source == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		interval:    interval,
		source:      source,
		logger:      logger.With("component", "refresh_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run refreshes immediately and then on every tick until ctx is canceled.
// Refresh failures are logged and counted; the loop keeps going.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("refresh loop started", "interval", m.interval)
	m.refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("refresh loop stopping", "reason", ctx.Err())
			m.Close()
			return nil
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Manager) refresh(ctx context.Context) {
	snap, err := m.source.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.lastErr = err
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		m.logger.Warn("refresh failed", "err", err, "failures", failures)
		return
	}
	m.store(snap)
}

// Latest returns the most recent snapshot.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}

// Ready reports whether at least one refresh succeeded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

// Failures returns the failure count and the error of the latest refresh,
// nil once a refresh succeeds again.
func (m *Manager) Failures() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures, m.lastErr
}

// Subscribe registers a listener. The channel holds at most one pending
// snapshot; a slow reader only ever sees the newest one.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

func (m *Manager) store(snap Snapshot) {
	m.mu.Lock()
	m.latest = &snap
	m.lastErr = nil
	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snap)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

// Close closes every subscriber channel. Safe for repeated use.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		subs := m.subscribers
		m.subscribers = make(map[*subscriber]struct{})
		m.mu.Unlock()
		for sub := range subs {
			sub.close()
		}
	})
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Snapshot, 1)}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
		// Drop the stale snapshot to make room.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
