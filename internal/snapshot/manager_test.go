package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls uint64
	fail  bool
}

func (c *countingRefresher) Refresh(context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return Snapshot{}, errors.New("backend gone")
	}
	return Snapshot{Sequence: c.calls}, nil
}

func (c *countingRefresher) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func awaitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed")
		return snap
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestNewManagerValidates(t *testing.T) {
	t.Parallel()

	_, err := NewManager(0, &countingRefresher{}, nil)
	assert.Error(t, err)

	_, err = NewManager(time.Second, nil, nil)
	assert.Error(t, err)
}

func TestManagerSubscribeAndReady(t *testing.T) {
	t.Parallel()

	source := &countingRefresher{}
	m, err := NewManager(15*time.Millisecond, source, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	require.Eventually(t, m.Ready, time.Second, 5*time.Millisecond)

	ch, unsubscribe := m.Subscribe()
	first := awaitSnapshot(t, ch)
	second := awaitSnapshot(t, ch)
	assert.Greater(t, second.Sequence, first.Sequence)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.GreaterOrEqual(t, latest.Sequence, second.Sequence)

	// A slow reader only sees the newest snapshot.
	time.Sleep(60 * time.Millisecond)
	stale := awaitSnapshot(t, ch)
	next := awaitSnapshot(t, ch)
	assert.Greater(t, next.Sequence, stale.Sequence)

	unsubscribe()
	for range ch {
		// drain until closed
	}

	cancel()
	<-done
}

func TestManagerCountsFailuresAndRecovers(t *testing.T) {
	t.Parallel()

	source := &countingRefresher{fail: true}
	m, err := NewManager(10*time.Millisecond, source, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := m.Failures()
		return n >= 2 && err != nil
	}, time.Second, 5*time.Millisecond)
	assert.False(t, m.Ready())

	source.setFail(false)
	require.Eventually(t, m.Ready, time.Second, 5*time.Millisecond)
	_, lastErr := m.Failures()
	assert.NoError(t, lastErr)
}

func TestManagerCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	m, err := NewManager(time.Hour, &countingRefresher{}, nil)
	require.NoError(t, err)

	ch, _ := m.Subscribe()
	m.Close()
	m.Close()

	_, open := <-ch
	assert.False(t, open)
}
