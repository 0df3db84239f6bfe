package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_StartsPending(t *testing.T) {
	job := NewJob(KindSendMessage, "main")

	assert.NotEmpty(t, job.ID())
	assert.Equal(t, KindSendMessage, job.Kind())
	assert.Equal(t, "main", job.Session())
	assert.Equal(t, StatePending, job.State())
	assert.False(t, job.Snapshot().Terminal())
}

func TestNewJob_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewJob(KindInvite, "").ID()
		require.False(t, seen[id], "duplicate job id %s", id)
		seen[id] = true
	}
}

func TestJob_CompleteLifecycle(t *testing.T) {
	job := NewJob(KindSendMessage, "main")

	require.True(t, job.Begin())
	assert.Equal(t, StateRunning, job.State())

	require.True(t, job.Complete("ok"))
	snap := job.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, "ok", snap.Result)
	assert.NoError(t, snap.Err)
	assert.False(t, snap.EndedAt.IsZero())

	select {
	case <-job.Done():
	default:
		t.Fatal("done channel not closed after completion")
	}
}

func TestJob_FailLifecycle(t *testing.T) {
	job := NewJob(KindVerifyPhone, "main")
	boom := errors.New("boom")

	require.True(t, job.Begin())
	require.True(t, job.Fail(boom))

	snap := job.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, boom, snap.Err)
	assert.Nil(t, snap.Result)
}

func TestJob_CannotCompleteBeforeRunning(t *testing.T) {
	job := NewJob(KindSendMessage, "main")

	assert.False(t, job.Complete("nope"))
	assert.Equal(t, StatePending, job.State())
}

func TestJob_NoTransitionOutOfTerminal(t *testing.T) {
	job := NewJob(KindSendMessage, "main")
	require.True(t, job.Begin())
	require.True(t, job.Complete("ok"))

	assert.False(t, job.Fail(errors.New("late")))
	assert.False(t, job.Begin())
	assert.False(t, job.FinalizeCancelled())
	job.Cancel()

	snap := job.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, "ok", snap.Result)
	assert.NoError(t, snap.Err)
}

func TestJob_CancelPending_ImmediatelyCancelled(t *testing.T) {
	job := NewJob(KindBulkSend, "main")

	terminal := job.Cancel()

	assert.True(t, terminal)
	snap := job.Snapshot()
	assert.Equal(t, StateCancelled, snap.State)
	assert.ErrorIs(t, snap.Err, ErrCancelled)
	assert.False(t, job.Begin(), "cancelled job must never enter Running")
}

func TestJob_CancelRunning_GoesThroughCancelling(t *testing.T) {
	job := NewJob(KindBulkSend, "main")
	require.True(t, job.Begin())

	terminal := job.Cancel()

	assert.False(t, terminal)
	assert.Equal(t, StateCancelling, job.State())
	assert.True(t, job.CancelRequested())

	// The runtime observes the flag at the next checkpoint.
	require.True(t, job.FinalizeCancelled())
	assert.Equal(t, StateCancelled, job.State())
}

func TestJob_DoubleCancel_NoOp(t *testing.T) {
	job := NewJob(KindBulkSend, "main")
	require.True(t, job.Begin())

	job.Cancel()
	job.Cancel() // must not panic or double-close channels
	require.True(t, job.FinalizeCancelled())
	job.Cancel()

	assert.Equal(t, StateCancelled, job.State())
}

func TestJob_ProgressMonotonic(t *testing.T) {
	job := NewJob(KindParseUsers, "main")

	job.SetProgress(3, 10)
	job.SetProgress(1, 10) // stale update, ignored
	job.SetProgress(5, 10)

	snap := job.Snapshot()
	assert.Equal(t, 5, snap.Progress)
	assert.Equal(t, 10, snap.Total)
}

func TestJob_SnapshotIsACopy(t *testing.T) {
	job := NewJob(KindSendMessage, "main")
	before := job.Snapshot()

	require.True(t, job.Begin())
	require.True(t, job.Complete("ok"))

	assert.Equal(t, StatePending, before.State, "earlier snapshot must not observe later mutations")
}

func TestJobState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StateCancelling.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}
