package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stravu/crystal-sub005/internal/protocol"
)

func newTestTracker(t *testing.T, f *fakeFetcher, sink *recordingSink) (*Tracker, *Coordinator) {
	t.Helper()
	co := newTestCoordinator(t, f, sink)
	deb := NewDebouncer(func(id string) { co.RequestLoad(id, false) }, co.ChunkCount,
		testLadder(), 120*time.Millisecond)
	t.Cleanup(deb.Close)
	return NewTracker(co, deb), co
}

func TestFreshStartLoadsImmediately(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, id string, _ int) (protocol.OutputSnapshot, error) {
		return snapshotOf(id, "first output"), nil
	})
	sink := newRecordingSink()
	tr, _ := newTestTracker(t, f, sink)

	tr.SwitchTo("s1")
	tr.HandleTransition("s1", protocol.StatusInitializing, protocol.StatusRunning)

	// The fresh-start load bypasses the throttle entirely.
	require.Eventually(t, func() bool { return f.callCount("s1") >= 1 },
		40*time.Millisecond, 2*time.Millisecond, "fresh start must fetch before the throttle interval")
	require.Len(t, sink.writesOf(OpResetAndClear), 2, "both buffers clear ahead of the first paint")

	// The throttled reload scheduled alongside still runs afterwards.
	require.Eventually(t, func() bool { return f.callCount("s1") == 2 }, time.Second, 5*time.Millisecond)
}

func TestContinuingConversationSuppressesImmediateLoad(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, id string, _ int) (protocol.OutputSnapshot, error) {
		return snapshotOf(id, "reply"), nil
	})
	sink := newRecordingSink()
	tr, co := newTestTracker(t, f, sink)

	tr.SwitchTo("s1")
	tr.SetContinuingConversation("s1", true)
	tr.HandleTransition("s1", protocol.StatusInitializing, protocol.StatusRunning)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, f.callCount("s1"), "pending user input suppresses the immediate load")

	// Only the throttled reload runs, and its success closes the window.
	require.Eventually(t, func() bool { return f.callCount("s1") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !co.ContinuingConversation("s1") }, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, f.callCount("s1"))
}

func TestStartWithCachedOutputSkipsImmediateLoad(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, id string, _ int) (protocol.OutputSnapshot, error) {
		return snapshotOf(id, "fresh"), nil
	})
	sink := newRecordingSink()
	tr, co := newTestTracker(t, f, sink)

	co.Seed(snapshotOf("s1", "cached"))
	tr.SwitchTo("s1")
	tr.HandleTransition("s1", protocol.StatusInitializing, protocol.StatusRunning)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, f.callCount("s1"), "cached output means no fresh-start fetch")
	require.Empty(t, sink.writesOf(OpResetAndClear), "the cached paint must not be cleared")

	require.Eventually(t, func() bool { return f.callCount("s1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestRestartSchedulesThrottledReload(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, id string, _ int) (protocol.OutputSnapshot, error) {
		return snapshotOf(id, "restarted"), nil
	})
	sink := newRecordingSink()
	tr, _ := newTestTracker(t, f, sink)
	tr.SwitchTo("s1")

	for _, from := range []protocol.Status{protocol.StatusStopped, protocol.StatusWaiting} {
		tr.HandleTransition("s1", from, protocol.StatusInitializing)
		time.Sleep(10 * time.Millisecond)
	}
	require.Zero(t, f.callCount("s1"), "restarts reload through the throttle, never synchronously")

	// Both restart signals coalesce into a single reload.
	require.Eventually(t, func() bool { return f.callCount("s1") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, f.callCount("s1"))
}

func TestUnrelatedTransitionsDoNothing(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, id string, _ int) (protocol.OutputSnapshot, error) {
		return snapshotOf(id, "x"), nil
	})
	sink := newRecordingSink()
	tr, _ := newTestTracker(t, f, sink)
	tr.SwitchTo("s1")

	tr.HandleTransition("s1", protocol.StatusRunning, protocol.StatusWaiting)
	tr.HandleTransition("s1", protocol.StatusWaiting, protocol.StatusRunning)
	tr.HandleTransition("s1", protocol.StatusRunning, protocol.StatusStopped)

	time.Sleep(150 * time.Millisecond)
	require.Zero(t, f.callCount("s1"))
}
