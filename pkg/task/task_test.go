package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreTest() *Store {
	s := NewStore()
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }
	return s
}

func TestCreateCollisionBump(t *testing.T) {
	s := newStoreTest()
	id1, _ := s.Create(context.Background(), "flash", true)
	id2, _ := s.Create(context.Background(), "flash", true)
	assert.Equal(t, "1700000000000", id1)
	assert.Equal(t, "1700000000001", id2, "same-millisecond ids bump instead of colliding")
}

func TestLogAndDeviceStatus(t *testing.T) {
	s := newStoreTest()
	id, _ := s.Create(context.Background(), "flash", false)

	s.AppendLog(id, "starting\n")
	s.Sink(id)("progress 50%")
	s.SetDeviceStatus(id, "mcu", "flashing")

	snap, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"starting", "progress 50%"}, snap.Log)
	assert.Equal(t, "flashing", snap.Devices["mcu"])
}

func TestCancelIsSticky(t *testing.T) {
	s := newStoreTest()
	id, ctx := s.Create(context.Background(), "batch", true)

	require.True(t, s.Cancel(id))
	assert.True(t, s.Cancelled(id))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("task context not cancelled")
	}

	snap, _ := s.Get(id)
	assert.Equal(t, StatusCancelled, snap.Status, "status flips before the task winds down")
	assert.Contains(t, snap.Log, "--- Task cancelled ---")
	assert.False(t, s.Cancel(id), "second cancel is a no-op")

	// The task can still log its wind-down work.
	s.AppendLog(id, "restarting services")
	_, done := s.LogsSince(id, 0)
	assert.False(t, done, "stream stays open until the task completes")

	// The runner finishes and reports success; cancellation wins.
	s.Complete(id, StatusCompleted)
	snap, _ = s.Get(id)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestCompleteIdempotent(t *testing.T) {
	s := newStoreTest()
	id, _ := s.Create(context.Background(), "flash", false)

	s.Complete(id, StatusFailed)
	s.Complete(id, StatusCompleted)
	snap, _ := s.Get(id)
	assert.Equal(t, StatusFailed, snap.Status)

	assert.False(t, s.Cancel(id), "ended tasks cannot be cancelled")
}

func TestBusTaskRunning(t *testing.T) {
	s := newStoreTest()
	assert.False(t, s.BusTaskRunning())

	id, _ := s.Create(context.Background(), "flash", true)
	assert.True(t, s.BusTaskRunning())

	s.Complete(id, StatusCompleted)
	assert.False(t, s.BusTaskRunning())
}

func TestLogsSince(t *testing.T) {
	s := newStoreTest()
	id, _ := s.Create(context.Background(), "flash", false)
	s.AppendLog(id, "one")
	s.AppendLog(id, "two")

	lines, done := s.LogsSince(id, 0)
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.False(t, done)

	lines, done = s.LogsSince(id, 2)
	assert.Empty(t, lines)
	assert.False(t, done)

	s.Complete(id, StatusCompleted)
	_, done = s.LogsSince(id, 2)
	assert.True(t, done)

	_, done = s.LogsSince("unknown", 0)
	assert.True(t, done)
}

func TestSnapshotIsolation(t *testing.T) {
	s := newStoreTest()
	id, _ := s.Create(context.Background(), "flash", false)
	s.AppendLog(id, "one")

	snap, _ := s.Get(id)
	snap.Log[0] = "mutated"
	snap.Devices["x"] = "y"

	fresh, _ := s.Get(id)
	assert.Equal(t, []string{"one"}, fresh.Log)
	assert.Empty(t, fresh.Devices)
}
