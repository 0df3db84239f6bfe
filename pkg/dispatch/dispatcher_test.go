package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxbigdig/bigdig/pkg/core"
	"github.com/maxbigdig/bigdig/pkg/ratelimit"
	"github.com/maxbigdig/bigdig/pkg/runtime"
	"github.com/maxbigdig/bigdig/pkg/schedule"
	"github.com/maxbigdig/bigdig/pkg/session"
	"github.com/maxbigdig/bigdig/pkg/store"
	"github.com/maxbigdig/bigdig/pkg/telegram"
	"github.com/maxbigdig/bigdig/pkg/telegram/telegramtest"
)

var testCreds = telegram.Credentials{APIID: 1, APIHash: "hash", Phone: "+15550001111"}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *sync.Map) {
	t.Helper()
	factory, clients := telegramtest.NewFactory()
	base := []Option{
		WithRateLimit(ratelimit.Config{MinDelay: 5 * time.Millisecond}),
		WithRetry(runtime.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}),
		WithDrainGrace(time.Second),
	}
	d := New(factory, append(base, opts...)...)
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d, clients
}

func await(t *testing.T, d *Dispatcher, id string) core.Snapshot {
	t.Helper()
	snap, err := d.Await(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	return snap
}

func readySession(t *testing.T, d *Dispatcher, clients *sync.Map, name string) *telegramtest.Fake {
	t.Helper()
	h, err := d.CreateSession(name, testCreds)
	require.NoError(t, err)
	snap := await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)

	v, ok := clients.Load(name)
	require.True(t, ok)
	return v.(*telegramtest.Fake)
}

func TestCreateSession_Lifecycle(t *testing.T) {
	d, clients := newTestDispatcher(t)

	fake := readySession(t, d, clients, "main")

	assert.True(t, fake.Connected())
	assert.Equal(t, []string{"+15550001111"}, fake.CodeRequests())

	status, err := d.SessionStatus("main")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingCode, status)
}

func TestCreateSession_ValidationIsSynchronous(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.CreateSession("", testCreds)
	assert.True(t, core.IsValidation(err))

	_, err = d.CreateSession("main", telegram.Credentials{Phone: "not-a-phone"})
	assert.True(t, core.IsValidation(err))

	assert.Empty(t, d.ListJobs(), "rejected requests must not create jobs")
}

func TestCreateSession_DuplicateName(t *testing.T) {
	d, clients := newTestDispatcher(t)
	readySession(t, d, clients, "main")

	_, err := d.CreateSession("main", testCreds)
	assert.True(t, core.IsValidation(err))
}

func TestAuthorizeSession_Success(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	h, err := d.AuthorizeSession("main", "12345", "")
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State)
	assert.Equal(t, AuthResult{Authorized: true}, snap.Result)
	assert.Equal(t, [][2]string{{"12345", ""}}, fake.SignIns())

	status, err := d.SessionStatus("main")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAuthenticated, status)
}

func TestAuthorizeSession_TwoFactorFlow(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.SignInErr = telegram.ErrPasswordNeeded

	h, err := d.AuthorizeSession("main", "12345", "")
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State, "needing a password is an outcome, not a failure")
	assert.Equal(t, AuthResult{NeedsPassword: true}, snap.Result)

	status, err := d.SessionStatus("main")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingPassword, status)

	fake.SignInErr = nil
	h, err = d.AuthorizeSession("main", "12345", "hunter2")
	require.NoError(t, err)
	snap = await(t, d, string(h))
	assert.Equal(t, AuthResult{Authorized: true}, snap.Result)
}

func TestSendMessage_Completes(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	h, err := d.SendMessage("main", "@friend", "hello")
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State)
	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "@friend", sent[0].Target)
	assert.Equal(t, "hello", sent[0].Text)
}

func TestSendMessage_Validation(t *testing.T) {
	d, clients := newTestDispatcher(t)
	readySession(t, d, clients, "main")
	jobsBefore := len(d.ListJobs())

	_, err := d.SendMessage("main", "@friend", "   ")
	assert.True(t, core.IsValidation(err))

	_, err = d.SendMessage("main", "", "hi")
	assert.True(t, core.IsValidation(err))

	_, err = d.SendMessage("ghost", "@friend", "hi")
	assert.True(t, core.IsValidation(err))

	assert.Len(t, d.ListJobs(), jobsBefore)
}

func TestSendMessage_TransientFailureRetriesThenFails(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.SendErrFor["@friend"] = &telegram.NetworkError{Err: errors.New("conn reset")}

	h, err := d.SendMessage("main", "@friend", "hello")
	require.NoError(t, err)
	snap := await(t, d, string(h))

	assert.Equal(t, core.StateFailed, snap.State)
	assert.True(t, core.IsTransient(snap.Err))
}

func TestBulkSend_PartialFailureCompletes(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.SendErrFor["@b"] = &telegram.NetworkError{Err: errors.New("timeout")}

	h, err := d.BulkSend("main", []string{"@a", "@b", "@c"}, "hi all")
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State)
	assert.Equal(t, 3, snap.Progress)
	assert.Equal(t, 3, snap.Total)

	summary, ok := snap.Result.(*BulkSummary)
	require.True(t, ok)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Items, 3)
	assert.Error(t, summary.Items[1].Err)
	assert.Equal(t, "@b", summary.Items[1].Target)
}

func TestBulkSend_RespectsMinDelay(t *testing.T) {
	const minDelay = 50 * time.Millisecond
	d, clients := newTestDispatcher(t, WithRateLimit(ratelimit.Config{MinDelay: minDelay}))
	fake := readySession(t, d, clients, "main")

	h, err := d.BulkSend("main", []string{"@a", "@b", "@c"}, "spaced")
	require.NoError(t, err)
	snap := await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)

	sent := fake.Sent()
	require.Len(t, sent, 3)
	for i := 1; i < len(sent); i++ {
		gap := sent[i].At.Sub(sent[i-1].At)
		assert.GreaterOrEqual(t, gap, minDelay-5*time.Millisecond,
			"consecutive sends must be spaced by at least the minimum delay")
	}
}

func TestBulkSend_FatalAbortsRemainder(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.SendErrFor["@b"] = &telegram.AuthError{Reason: "session revoked"}

	h, err := d.BulkSend("main", []string{"@a", "@b", "@c"}, "hi")
	require.NoError(t, err)
	snap := await(t, d, string(h))

	assert.Equal(t, core.StateFailed, snap.State)
	assert.True(t, core.IsFatal(snap.Err))
	sent := fake.Sent()
	require.Len(t, sent, 1, "nothing is sent after a fatal error")
	assert.Equal(t, "@a", sent[0].Target)
}

func TestBulkSend_CancelMidRun(t *testing.T) {
	d, clients := newTestDispatcher(t, WithRateLimit(ratelimit.Config{MinDelay: 20 * time.Millisecond}))
	fake := readySession(t, d, clients, "main")

	targets := make([]string, 50)
	for i := range targets {
		targets[i] = "@user" + string(rune('a'+i%26))
	}
	h, err := d.BulkSend("main", targets, "storm")
	require.NoError(t, err)

	// Let a couple of items go out, then pull the plug.
	assert.Eventually(t, func() bool { return len(fake.Sent()) >= 2 },
		2*time.Second, 5*time.Millisecond)
	_, err = d.CancelJob(string(h))
	require.NoError(t, err)

	snap := await(t, d, string(h))
	assert.Equal(t, core.StateCancelled, snap.State)
	assert.ErrorIs(t, snap.Err, core.ErrCancelled)
	assert.Less(t, snap.Progress, len(targets), "cancellation stops the batch early")
	assert.GreaterOrEqual(t, snap.Progress, 2)
}

func TestVerifyPhones(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.KnownPhones["+15550002222"] = true

	h, err := d.VerifyPhones("main", []string{"+15550002222", "+15550003333"})
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State)
	result, ok := snap.Result.(VerifyResult)
	require.True(t, ok)
	assert.True(t, result.Registered["+15550002222"])
	assert.False(t, result.Registered["+15550003333"])
	assert.Empty(t, result.Failed)
}

func TestVerifyPhones_RejectsBadNumbers(t *testing.T) {
	d, clients := newTestDispatcher(t)
	readySession(t, d, clients, "main")

	_, err := d.VerifyPhones("main", []string{"+15550002222", "abc"})
	assert.True(t, core.IsValidation(err))
}

func TestParseUsers_PersistsHarvest(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	d, clients := newTestDispatcher(t, WithStore(s))
	fake := readySession(t, d, clients, "main")
	fake.Users["@chat"] = []telegram.User{
		{ID: 1, Username: "alice", Phone: "+15550004444"},
		{ID: 2, Username: "bob"},
	}

	h, err := d.ParseUsers("main", "@chat", 100)
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State)
	result, ok := snap.Result.(ParseResult)
	require.True(t, ok)
	assert.Len(t, result.Users, 2)
	assert.Equal(t, 2, result.Saved)

	found, err := s.SearchByName(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestInviteUsers(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	h, err := d.InviteUsers("main", "@group", []telegram.User{{ID: 10}, {ID: 11}})
	require.NoError(t, err)
	snap := await(t, d, string(h))

	require.Equal(t, core.StateCompleted, snap.State)
	assert.Equal(t, []int64{10, 11}, fake.Invited("@group"))
}

func TestAutoResponder_RepliesToPrivateMessages(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	h, err := d.ToggleAutoResponder("main", "away right now", true)
	require.NoError(t, err)
	snap := await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)
	assert.Equal(t, AutoRespondState{Enabled: true}, snap.Result)
	require.Equal(t, 1, fake.HandlerCount())

	fake.Deliver(context.Background(), telegram.Message{SenderID: 42, Text: "hey", Private: true})
	fake.Deliver(context.Background(), telegram.Message{SenderID: 43, Text: "group chatter", Private: false})

	sent := fake.Sent()
	require.Len(t, sent, 1, "only private messages are answered")
	assert.Equal(t, "42", sent[0].Target)
	assert.Equal(t, "away right now", sent[0].Text)

	h, err = d.ToggleAutoResponder("main", "", false)
	require.NoError(t, err)
	snap = await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)
	assert.Equal(t, 0, fake.HandlerCount())
}

func TestAuditTrail_RecordsTerminalJobs(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	d, clients := newTestDispatcher(t, WithStore(s))
	readySession(t, d, clients, "main")

	h, err := d.SendMessage("main", "@friend", "hello")
	require.NoError(t, err)
	await(t, d, string(h))

	assert.Eventually(t, func() bool {
		records, err := s.RecentJobs(context.Background(), 10)
		return err == nil && len(records) >= 2 // session create + send
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduledOperation_Fires(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	require.NoError(t, d.AddSchedule("heartbeat", schedule.Every(50*time.Millisecond), func() {
		_, _ = d.SendMessage("main", "@self", "ping")
	}))
	defer d.RemoveSchedule("heartbeat")

	assert.Eventually(t, func() bool { return len(fake.Sent()) >= 2 },
		3*time.Second, 10*time.Millisecond)
}

func TestShutdown_DisconnectsAndStops(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	h, err := d.ToggleAutoResponder("main", "brb", true)
	require.NoError(t, err)
	await(t, d, string(h))
	require.Equal(t, 1, fake.HandlerCount())

	d.Shutdown(context.Background())

	assert.True(t, fake.Disconnected())
	assert.Equal(t, 0, fake.HandlerCount(), "auto-responders are removed on shutdown")

	_, err = d.SendMessage("main", "@friend", "too late")
	assert.Error(t, err)
}

func TestRemoveSession_RunsAsJob(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")

	h, err := d.RemoveSession("main")
	require.NoError(t, err)
	snap := await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)
	assert.Equal(t, core.KindSessionRemove, snap.Kind)

	assert.True(t, fake.Disconnected())
	assert.Empty(t, d.Sessions())

	_, err = d.SessionStatus("main")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = d.RemoveSession("main")
	assert.True(t, core.IsValidation(err))
}

func TestRemoveSession_NeverBlocksCaller(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.Latency = 150 * time.Millisecond

	// An authorization in flight holds the session's mutation lock; the
	// removal must queue behind it on a worker goroutine, not here.
	ah, err := d.AuthorizeSession("main", "12345", "")
	require.NoError(t, err)

	start := time.Now()
	h, err := d.RemoveSession("main")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"removal must return before the disconnect runs")

	await(t, d, string(ah))
	snap := await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)
	assert.True(t, fake.Disconnected())
	assert.Empty(t, d.Sessions())
}

func TestListDialogs(t *testing.T) {
	d, clients := newTestDispatcher(t)
	fake := readySession(t, d, clients, "main")
	fake.Dialogs = []telegram.Dialog{
		{ID: 1, Title: "Alice", Username: "alice"},
		{ID: 2, Title: "Work Chat", IsGroup: true},
		{ID: 3, Title: "News", IsChannel: true},
	}

	h, err := d.ListDialogs("main", 2)
	require.NoError(t, err)
	snap := await(t, d, string(h))
	require.Equal(t, core.StateCompleted, snap.State)

	dialogs, ok := snap.Result.([]telegram.Dialog)
	require.True(t, ok)
	require.Len(t, dialogs, 2)
	assert.Equal(t, "Alice", dialogs[0].Title)
	assert.True(t, dialogs[1].IsGroup)
}

func TestListDialogs_Validation(t *testing.T) {
	d, clients := newTestDispatcher(t)
	readySession(t, d, clients, "main")
	before := len(d.ListJobs())

	_, err := d.ListDialogs("main", 0)
	assert.True(t, core.IsValidation(err))

	_, err = d.ListDialogs("ghost", 10)
	assert.True(t, core.IsValidation(err))

	assert.Len(t, d.ListJobs(), before, "rejected requests must not create jobs")
}
