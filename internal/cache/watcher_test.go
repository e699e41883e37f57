package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Short interval keeps the polling tests fast; the ignore window scales with it.
const testPollInterval = 50 * time.Millisecond

func TestNewWatcher(t *testing.T) {
	c := newTestCache(t)
	w, err := NewWatcher(c, testPollInterval)
	require.NoError(t, err)
	require.NotNil(t, w)
	defer w.Close()
}

func TestNewWatcher_NilCache(t *testing.T) {
	w, err := NewWatcher(nil, testPollInterval)
	require.NoError(t, err)
	require.Nil(t, w)
}

func TestWatcher_DetectsChanges(t *testing.T) {
	c := newTestCache(t)
	w, err := NewWatcher(c, testPollInterval)
	require.NoError(t, err)
	defer w.Close()

	w.Start()

	// Simulate an external change (another console instance touching the meta)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Touch())

	select {
	case <-w.ReloadChannel():
		// Success
	case <-time.After(2 * time.Second):
		t.Fatal("Expected reload signal but got timeout")
	}
}

func TestWatcher_NotifySaveIgnoresOwnChanges(t *testing.T) {
	c := newTestCache(t)
	w, err := NewWatcher(c, testPollInterval)
	require.NoError(t, err)
	defer w.Close()

	w.Start()

	// Announce our own save, then write.
	w.NotifySave()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Touch())

	select {
	case <-w.ReloadChannel():
		t.Fatal("Should not receive reload signal for our own save")
	case <-time.After(300 * time.Millisecond):
		// Success: no reload signal within the ignore window
	}
}

func TestWatcher_ExternalChangesStillDetected(t *testing.T) {
	c := newTestCache(t)
	w, err := NewWatcher(c, testPollInterval)
	require.NoError(t, err)
	defer w.Close()

	w.Start()

	w.NotifySave()

	// Wait for the ignore window (interval + 1s) to expire.
	time.Sleep(w.ignoreWindow() + 200*time.Millisecond)

	require.NoError(t, c.Touch())

	select {
	case <-w.ReloadChannel():
		// Success
	case <-time.After(2 * time.Second):
		t.Fatal("Expected reload signal for external change but got timeout")
	}
}

// Separate databases for separate profiles are naturally isolated: each has
// its own meta table.
func TestWatcher_CrossProfileIsolation(t *testing.T) {
	c1 := newTestCache(t)
	c2 := newTestCache(t)

	w1, err := NewWatcher(c1, testPollInterval)
	require.NoError(t, err)
	defer w1.Close()
	w1.Start()

	// Touch the other profile's database.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c2.Touch())

	select {
	case <-w1.ReloadChannel():
		t.Fatal("Watcher fired when a different database was modified")
	case <-time.After(300 * time.Millisecond):
		// Success: isolated correctly
	}

	// It should still fire for its own database.
	require.NoError(t, c1.Touch())

	select {
	case <-w1.ReloadChannel():
		// Success
	case <-time.After(2 * time.Second):
		t.Fatal("Watcher should have detected change to its own database")
	}
}

func TestWatcher_TriggerReload(t *testing.T) {
	c := newTestCache(t)
	w, err := NewWatcher(c, testPollInterval)
	require.NoError(t, err)
	defer w.Close()

	w.TriggerReload()

	select {
	case <-w.ReloadChannel():
		// Success
	case <-time.After(time.Second):
		t.Fatal("Expected manual reload signal")
	}
}

func TestWatcher_CloseIdempotent(t *testing.T) {
	c := newTestCache(t)
	w, err := NewWatcher(c, testPollInterval)
	require.NoError(t, err)

	w.Start()
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
