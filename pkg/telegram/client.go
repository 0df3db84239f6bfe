// Package telegram defines the capability interface consumed from the
// external protocol client. The core never inspects client internals; it
// only invokes these methods and classifies their failures.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxbigdig/bigdig/pkg/core"
)

// User describes a chat participant as returned by the protocol client.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
	IsBot     bool
}

// Message is an incoming message delivered to update handlers.
type Message struct {
	SenderID int64
	ChatID   int64
	Text     string
	Private  bool
}

// Dialog describes one open conversation visible to the account.
type Dialog struct {
	ID        int64
	Title     string
	Username  string
	IsGroup   bool
	IsChannel bool
}

// Credentials identify an API application plus the account phone number.
type Credentials struct {
	APIID   int
	APIHash string
	Phone   string
}

// RemoveHandler unregisters a previously installed update handler.
type RemoveHandler func()

// Client is the capability surface of one protocol connection. Every
// method may fail with a network or protocol error; callers classify
// failures via Classify and must never let them escape the work unit.
type Client interface {
	Connect(ctx context.Context) error
	SendCodeRequest(ctx context.Context, phone string) error
	SignIn(ctx context.Context, code, password string) error
	SendMessage(ctx context.Context, target, text string) error
	GetParticipants(ctx context.Context, chat string, limit int) ([]User, error)
	GetDialogs(ctx context.Context, limit int) ([]Dialog, error)
	CheckPhone(ctx context.Context, phone string) (bool, error)
	InviteToChat(ctx context.Context, chat string, user User) error
	OnNewMessage(fn func(ctx context.Context, msg Message)) RemoveHandler
	Disconnect(ctx context.Context) error
}

// Factory constructs a client for a named session. The session file
// layout behind it is the client implementation's concern.
type Factory func(sessionName string, creds Credentials) (Client, error)

// Protocol error kinds surfaced by client implementations.

// FloodWaitError reports a server-imposed cooldown.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %s", e.RetryAfter)
}

// AuthError reports a permanent authentication failure.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "telegram: auth failed: " + e.Reason }

// NetworkError reports a connectivity failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("telegram: network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ErrPasswordNeeded is returned by SignIn when the account has two-factor
// auth enabled and no password was supplied.
var ErrPasswordNeeded = errors.New("telegram: two-factor password required")

// ErrCodeInvalid is returned by SignIn for a wrong confirmation code.
var ErrCodeInvalid = errors.New("telegram: invalid confirmation code")

// Classify maps a client error onto the core taxonomy: flood waits and
// network failures are transient, auth failures are fatal, context
// cancellation passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var flood *FloodWaitError
	var network *NetworkError
	if errors.As(err, &flood) || errors.As(err, &network) {
		return core.Transient(err)
	}

	var auth *AuthError
	if errors.As(err, &auth) || errors.Is(err, ErrPasswordNeeded) || errors.Is(err, ErrCodeInvalid) {
		return core.Fatal(err)
	}

	// Unknown protocol errors default to fatal so they surface loudly
	// instead of burning the retry budget.
	return core.Fatal(err)
}
