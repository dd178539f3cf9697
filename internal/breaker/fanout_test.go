package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mt5-crs/executor/internal/config"
)

func setupTestFanout(t *testing.T) (*Fanout, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	f, err := NewFanout(config.FanoutConfig{
		Enabled: true,
		Addr:    mr.Addr(),
		Channel: "test:breaker:events",
		Key:     "test:breaker:engaged",
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return f, mr
}

func TestNewFanoutRejectsBadAddr(t *testing.T) {
	_, err := NewFanout(config.FanoutConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect breaker fan-out")
}

func TestFanoutAnnounceMirrorsKey(t *testing.T) {
	f, mr := setupTestFanout(t)

	f.Announce(Snapshot{
		State:     StateEngaged,
		EngagedAt: time.Now().UTC(),
		Reason:    "Drawdown 0.0271 exceeded 0.0200",
	})

	raw, err := mr.Get("test:breaker:engaged")
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, StateEngaged, snap.State)
	assert.Equal(t, "Drawdown 0.0271 exceeded 0.0200", snap.Reason)
}

func TestFanoutPeek(t *testing.T) {
	f, _ := setupTestFanout(t)
	ctx := context.Background()

	// Nothing mirrored yet.
	snap, err := f.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	f.Announce(Snapshot{State: StateEngaged, Reason: "PEER halt"})

	snap, err = f.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "PEER halt", snap.Reason)
}

func TestFanoutAnnounceClearRemovesKey(t *testing.T) {
	f, mr := setupTestFanout(t)

	f.Announce(Snapshot{State: StateEngaged, Reason: "halt"})
	f.AnnounceClear()

	assert.False(t, mr.Exists("test:breaker:engaged"))
}

func TestFanoutWatchDeliversEngagements(t *testing.T) {
	f, _ := setupTestFanout(t)

	received := make(chan Snapshot, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.Watch(ctx, func(snap Snapshot) {
			received <- snap
		})
	}()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	f.Announce(Snapshot{State: StateEngaged, Reason: "Leverage 6.4x exceeded 5.0x"})

	select {
	case snap := <-received:
		assert.Equal(t, StateEngaged, snap.State)
		assert.Equal(t, "Leverage 6.4x exceeded 5.0x", snap.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out delivery")
	}

	cancel()
	wg.Wait()
}

func TestFanoutWatchIgnoresSafeBroadcasts(t *testing.T) {
	f, _ := setupTestFanout(t)

	received := make(chan Snapshot, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = f.Watch(ctx, func(snap Snapshot) { received <- snap })
	}()

	time.Sleep(50 * time.Millisecond)
	f.AnnounceClear()
	f.Announce(Snapshot{State: StateEngaged, Reason: "real halt"})

	// The SAFE broadcast from the clear must not reach the handler; only
	// the engagement that followed it does.
	select {
	case snap := <-received:
		assert.Equal(t, "real halt", snap.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engagement")
	}
}

func TestFanoutWatchPicksUpMissedEngagement(t *testing.T) {
	f, _ := setupTestFanout(t)

	// Announce before any subscriber exists; the mirror key covers the gap.
	f.Announce(Snapshot{State: StateEngaged, Reason: "announced while down"})

	received := make(chan Snapshot, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = f.Watch(ctx, func(snap Snapshot) { received <- snap })
	}()

	select {
	case snap := <-received:
		assert.Equal(t, "announced while down", snap.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirrored engagement")
	}
}
