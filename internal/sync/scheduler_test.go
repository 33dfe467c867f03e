package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metaPuts(f *fakeRemote) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaPuts
}

func TestScheduler_DebouncedNotifyRunsOneCycle(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	s := NewScheduler(a.engine, time.Hour, 20*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	// A burst of edits collapses into a single debounced cycle.
	s.NotifyChange()
	s.NotifyChange()
	s.NotifyChange()

	require.Eventually(t, func() bool { return metaPuts(fake) == 1 },
		2*time.Second, 10*time.Millisecond)

	// Quiet afterwards: no extra cycles run.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, metaPuts(fake))
}

func TestScheduler_PeriodicTicker(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	s := NewScheduler(a.engine, 30*time.Millisecond, time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return metaPuts(fake) >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopTerminatesLoop(t *testing.T) {
	fake := newFakeRemote()
	a := newReplica(t, fake, "device-a")

	s := NewScheduler(a.engine, time.Hour, time.Millisecond)
	s.Start(context.Background())
	s.Stop()

	before := metaPuts(fake)
	s.NotifyChange()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, metaPuts(fake), "no cycles after Stop")
}
