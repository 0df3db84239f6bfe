package dispatch

import (
	"context"
	"errors"
	"strconv"

	"github.com/maxbigdig/bigdig/pkg/bridge"
	"github.com/maxbigdig/bigdig/pkg/core"
	"github.com/maxbigdig/bigdig/pkg/security"
	"github.com/maxbigdig/bigdig/pkg/session"
	"github.com/maxbigdig/bigdig/pkg/store"
	"github.com/maxbigdig/bigdig/pkg/telegram"
)

// AuthResult is the outcome of a session authorization attempt.
type AuthResult struct {
	Authorized    bool
	NeedsPassword bool
}

// ItemOutcome records one item of a batch operation. Err is nil on
// success.
type ItemOutcome struct {
	Target string
	Err    error
}

// BulkSummary is the per-item breakdown of a batch operation. A batch
// with individual failures still completes; only fatal protocol errors
// abort it.
type BulkSummary struct {
	Succeeded int
	Failed    int
	Items     []ItemOutcome
}

// ParseResult is the outcome of a participant harvest.
type ParseResult struct {
	Users []telegram.User
	Saved int
}

// VerifyResult maps each phone to whether it belongs to a registered
// account. Phones that could not be checked appear in Failed instead.
type VerifyResult struct {
	Registered map[string]bool
	Failed     map[string]error
}

// AutoRespondState reports whether the session's auto-responder is on.
type AutoRespondState struct {
	Enabled bool
}

// checkpoint is the cancellation check work units run between externally
// visible steps.
func checkpoint(ctx context.Context, job *core.Job) error {
	select {
	case <-job.Cancelled():
		return core.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// pace blocks on the rate limiter, aborting early if the job is
// cancelled mid-wait.
func (d *Dispatcher) pace(ctx context.Context, job *core.Job, kind core.JobKind) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.Cancelled():
			cancel()
		case <-wctx.Done():
		}
	}()

	if err := d.limiter.Wait(wctx, job.Session(), kind); err != nil {
		if job.CancelRequested() {
			return core.ErrCancelled
		}
		return err
	}
	return nil
}

// session resolves a validated, known session name.
func (d *Dispatcher) session(name string) (*session.Session, error) {
	if err := security.ValidateSessionName(name); err != nil {
		return nil, err
	}
	sess := d.sessions.Get(name)
	if sess == nil {
		return nil, core.Invalid("session", "unknown session "+strconv.Quote(name))
	}
	return sess, nil
}

// CreateSession builds a client for a new named session, connects it, and
// requests a login code for the account phone. On completion the session
// awaits its confirmation code.
func (d *Dispatcher) CreateSession(name string, creds telegram.Credentials) (bridge.Handle, error) {
	if err := security.ValidateSessionName(name); err != nil {
		return "", err
	}
	if err := security.ValidatePhone(creds.Phone); err != nil {
		return "", err
	}
	if d.sessions.Get(name) != nil {
		return "", core.Invalid("session name", "already exists")
	}

	return d.bridge.Dispatch(core.KindSessionCreate, name, func(ctx context.Context, job *core.Job) (any, error) {
		// A retried attempt finds the session already registered.
		sess := d.sessions.Get(name)
		if sess == nil {
			var err error
			sess, err = d.sessions.Create(name, creds)
			if err != nil {
				return nil, core.Fatal(err)
			}
		}

		err := sess.Mutate(ctx, func(client telegram.Client) error {
			if err := client.Connect(ctx); err != nil {
				return telegram.Classify(err)
			}
			if err := checkpoint(ctx, job); err != nil {
				return err
			}
			if err := client.SendCodeRequest(ctx, creds.Phone); err != nil {
				return telegram.Classify(err)
			}
			return nil
		})
		if err != nil {
			if core.IsFatal(err) {
				sess.SetStatus(session.StatusError)
			}
			return nil, err
		}

		sess.SetStatus(session.StatusAwaitingCode)
		d.saveProfile(ctx, name, creds)
		return string(session.StatusAwaitingCode), nil
	})
}

func (d *Dispatcher) saveProfile(ctx context.Context, name string, creds telegram.Credentials) {
	if d.store == nil {
		return
	}
	err := d.store.SaveProfile(ctx, &store.Profile{
		Name:    name,
		Phone:   creds.Phone,
		APIID:   creds.APIID,
		APIHash: creds.APIHash,
	})
	if err != nil {
		d.logger.Warn("profile save failed", "session", name, "error", err)
	}
}

// AuthorizeSession submits the confirmation code (and two-factor password
// when required) for a session awaiting sign-in.
func (d *Dispatcher) AuthorizeSession(name, code, password string) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", core.Invalid("code", "must not be empty")
	}

	return d.bridge.Dispatch(core.KindSessionAuthorize, name, func(ctx context.Context, job *core.Job) (any, error) {
		err := sess.Mutate(ctx, func(client telegram.Client) error {
			return client.SignIn(ctx, code, password)
		})
		switch {
		case err == nil:
			sess.SetStatus(session.StatusAuthenticated)
			return AuthResult{Authorized: true}, nil
		case errors.Is(err, telegram.ErrPasswordNeeded):
			// Not a failure: the caller is told to come back with the
			// two-factor password.
			sess.SetStatus(session.StatusAwaitingPassword)
			return AuthResult{NeedsPassword: true}, nil
		case errors.Is(err, telegram.ErrCodeInvalid):
			return nil, telegram.Classify(err)
		default:
			cerr := telegram.Classify(err)
			if core.IsFatal(cerr) {
				sess.SetStatus(session.StatusError)
			}
			return nil, cerr
		}
	})
}

// RemoveSession disconnects and forgets a session as a tracked job, so
// the caller never blocks on protocol traffic or a mutation in flight.
// The session's auto-responder, if any, is disabled before the disconnect
// goes out.
func (d *Dispatcher) RemoveSession(name string) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}

	return d.bridge.Dispatch(core.KindSessionRemove, name, func(ctx context.Context, job *core.Job) (any, error) {
		d.mu.Lock()
		remove := d.responders[name]
		delete(d.responders, name)
		d.mu.Unlock()
		if remove != nil {
			remove()
		}

		err := sess.Mutate(ctx, func(client telegram.Client) error {
			return client.Disconnect(ctx)
		})
		if err != nil {
			// The session is forgotten either way; a failed disconnect
			// leaves at most a dangling server-side connection.
			d.logger.Warn("disconnect failed during removal", "session", name, "error", err)
		}
		sess.SetStatus(session.StatusDisconnected)
		d.sessions.Remove(name)
		return string(session.StatusDisconnected), nil
	})
}

// SendMessage sends one message from the session to a target.
func (d *Dispatcher) SendMessage(name, target, text string) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", core.Invalid("target", "must not be empty")
	}
	if err := security.ValidateMessage(text); err != nil {
		return "", err
	}

	return d.bridge.Dispatch(core.KindSendMessage, name, func(ctx context.Context, job *core.Job) (any, error) {
		if err := d.pace(ctx, job, core.KindSendMessage); err != nil {
			return nil, err
		}
		if err := sess.Client().SendMessage(ctx, target, text); err != nil {
			return nil, telegram.Classify(err)
		}
		return ItemOutcome{Target: target}, nil
	})
}

// BulkSend sends the same message to every target, pacing sends through
// the rate limiter and checking for cancellation between items. Item
// failures are recorded and the batch continues; a fatal protocol error
// aborts the remainder.
func (d *Dispatcher) BulkSend(name string, targets []string, text string) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if err := security.ValidateBatchSize("targets", len(targets), security.MaxBulkTargets); err != nil {
		return "", err
	}
	for _, target := range targets {
		if target == "" {
			return "", core.Invalid("targets", "must not contain empty entries")
		}
	}
	if err := security.ValidateMessage(text); err != nil {
		return "", err
	}

	return d.bridge.Dispatch(core.KindBulkSend, name, func(ctx context.Context, job *core.Job) (any, error) {
		summary := &BulkSummary{Items: make([]ItemOutcome, 0, len(targets))}
		total := len(targets)

		for i, target := range targets {
			if err := checkpoint(ctx, job); err != nil {
				return nil, err
			}
			if err := d.pace(ctx, job, core.KindSendMessage); err != nil {
				return nil, err
			}

			if err := sess.Client().SendMessage(ctx, target, text); err != nil {
				cerr := telegram.Classify(err)
				if core.IsFatal(cerr) {
					return nil, cerr
				}
				summary.Failed++
				summary.Items = append(summary.Items, ItemOutcome{Target: target, Err: cerr})
				d.logger.Warn("bulk item failed", "job_id", job.ID(), "target", target, "error", cerr)
			} else {
				summary.Succeeded++
				summary.Items = append(summary.Items, ItemOutcome{Target: target})
			}
			d.bridge.Progress(job, i+1, total)
		}
		return summary, nil
	})
}

// ListDialogs fetches up to limit of the account's open conversations.
func (d *Dispatcher) ListDialogs(name string, limit int) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	limit, err = security.ValidateLimit(limit, security.MaxDialogLimit)
	if err != nil {
		return "", err
	}

	return d.bridge.Dispatch(core.KindListDialogs, name, func(ctx context.Context, job *core.Job) (any, error) {
		if err := d.pace(ctx, job, core.KindListDialogs); err != nil {
			return nil, err
		}
		dialogs, err := sess.Client().GetDialogs(ctx, limit)
		if err != nil {
			return nil, telegram.Classify(err)
		}
		return dialogs, nil
	})
}

// ParseUsers harvests up to limit participants of a chat, persisting them
// when a store is configured.
func (d *Dispatcher) ParseUsers(name, chat string, limit int) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if chat == "" {
		return "", core.Invalid("chat", "must not be empty")
	}
	limit, err = security.ValidateLimit(limit, security.MaxParticipantLimit)
	if err != nil {
		return "", err
	}

	return d.bridge.Dispatch(core.KindParseUsers, name, func(ctx context.Context, job *core.Job) (any, error) {
		if err := d.pace(ctx, job, core.KindParseUsers); err != nil {
			return nil, err
		}
		users, err := sess.Client().GetParticipants(ctx, chat, limit)
		if err != nil {
			return nil, telegram.Classify(err)
		}

		saved := 0
		if d.store != nil {
			rows := make([]store.ParsedUser, 0, len(users))
			for _, u := range users {
				rows = append(rows, store.ParsedUser{
					UserID:    u.ID,
					Username:  u.Username,
					FirstName: u.FirstName,
					LastName:  u.LastName,
					Phone:     u.Phone,
					Source:    chat,
				})
			}
			saved, err = d.store.SaveParsedUsers(ctx, rows)
			if err != nil {
				d.logger.Warn("parsed user save failed", "job_id", job.ID(), "error", err)
			}
		}
		return ParseResult{Users: users, Saved: saved}, nil
	})
}

// VerifyPhones checks which of the given phones belong to registered
// accounts.
func (d *Dispatcher) VerifyPhones(name string, phones []string) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if err := security.ValidateBatchSize("phones", len(phones), security.MaxVerifyNumbers); err != nil {
		return "", err
	}
	for _, phone := range phones {
		if err := security.ValidatePhone(phone); err != nil {
			return "", err
		}
	}

	return d.bridge.Dispatch(core.KindVerifyPhone, name, func(ctx context.Context, job *core.Job) (any, error) {
		result := VerifyResult{
			Registered: make(map[string]bool, len(phones)),
			Failed:     make(map[string]error),
		}
		total := len(phones)

		for i, phone := range phones {
			if err := checkpoint(ctx, job); err != nil {
				return nil, err
			}
			if err := d.pace(ctx, job, core.KindVerifyPhone); err != nil {
				return nil, err
			}

			ok, err := sess.Client().CheckPhone(ctx, phone)
			if err != nil {
				cerr := telegram.Classify(err)
				if core.IsFatal(cerr) {
					return nil, cerr
				}
				result.Failed[phone] = cerr
			} else {
				result.Registered[phone] = ok
			}
			d.bridge.Progress(job, i+1, total)
		}
		return result, nil
	})
}

// InviteUsers invites a batch of users into a chat.
func (d *Dispatcher) InviteUsers(name, chat string, users []telegram.User) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if chat == "" {
		return "", core.Invalid("chat", "must not be empty")
	}
	if err := security.ValidateBatchSize("users", len(users), security.MaxInviteUsers); err != nil {
		return "", err
	}

	return d.bridge.Dispatch(core.KindInvite, name, func(ctx context.Context, job *core.Job) (any, error) {
		summary := &BulkSummary{Items: make([]ItemOutcome, 0, len(users))}
		total := len(users)

		for i, user := range users {
			if err := checkpoint(ctx, job); err != nil {
				return nil, err
			}
			if err := d.pace(ctx, job, core.KindInvite); err != nil {
				return nil, err
			}

			label := user.Username
			if label == "" {
				label = strconv.FormatInt(user.ID, 10)
			}
			if err := sess.Client().InviteToChat(ctx, chat, user); err != nil {
				cerr := telegram.Classify(err)
				if core.IsFatal(cerr) {
					return nil, cerr
				}
				summary.Failed++
				summary.Items = append(summary.Items, ItemOutcome{Target: label, Err: cerr})
			} else {
				summary.Succeeded++
				summary.Items = append(summary.Items, ItemOutcome{Target: label})
			}
			d.bridge.Progress(job, i+1, total)
		}
		return summary, nil
	})
}

// ToggleAutoResponder enables or disables automatic replies to private
// messages on the session. Replies are paced through the rate limiter.
func (d *Dispatcher) ToggleAutoResponder(name, reply string, enable bool) (bridge.Handle, error) {
	sess, err := d.session(name)
	if err != nil {
		return "", err
	}
	if enable {
		if err := security.ValidateMessage(reply); err != nil {
			return "", err
		}
	}

	return d.bridge.Dispatch(core.KindAutoRespond, name, func(ctx context.Context, job *core.Job) (any, error) {
		if !enable {
			d.mu.Lock()
			remove := d.responders[name]
			delete(d.responders, name)
			d.mu.Unlock()
			if remove != nil {
				remove()
			}
			return AutoRespondState{}, nil
		}

		d.mu.Lock()
		_, active := d.responders[name]
		d.mu.Unlock()
		if active {
			return AutoRespondState{Enabled: true}, nil
		}

		client := sess.Client()
		remove := client.OnNewMessage(func(mctx context.Context, msg telegram.Message) {
			if !msg.Private {
				return
			}
			if err := d.limiter.Wait(mctx, name, core.KindAutoRespond); err != nil {
				return
			}
			target := strconv.FormatInt(msg.SenderID, 10)
			if err := client.SendMessage(mctx, target, reply); err != nil {
				d.logger.Warn("auto-response failed", "session", name, "target", target, "error", err)
			}
		})

		d.mu.Lock()
		d.responders[name] = remove
		d.mu.Unlock()
		return AutoRespondState{Enabled: true}, nil
	})
}
