// Package telegramtest provides a scripted in-memory Client for tests
// and examples. It records every capability call and lets tests inject
// failures, latency, and incoming messages.
package telegramtest

import (
	"context"
	"sync"
	"time"

	"github.com/maxbigdig/bigdig/pkg/telegram"
)

// SentMessage records one SendMessage call.
type SentMessage struct {
	Target string
	Text   string
	At     time.Time
}

// Fake is a scripted telegram.Client. The zero value is not usable; use
// NewFake or NewFactory.
type Fake struct {
	mu sync.Mutex

	SessionName string
	Creds       telegram.Credentials

	// Latency is applied to every capability call, honoring context
	// cancellation.
	Latency time.Duration

	// Scripted failures. Nil means success.
	ConnectErr  error
	SignInErr   error
	SendErrFor  map[string]error // target -> error returned once per call
	InviteErr   error
	CheckErr    error
	ListErr     error
	DialogsErr  error
	KnownPhones map[string]bool
	Users       map[string][]telegram.User // chat -> participants
	Dialogs     []telegram.Dialog

	connected    bool
	disconnected bool
	codeRequests []string
	signIns      [][2]string // code, password
	sent         []SentMessage
	invited      map[string][]int64

	handlers    map[int]func(context.Context, telegram.Message)
	nextHandler int
}

// NewFake returns an empty scripted client.
func NewFake() *Fake {
	return &Fake{
		SendErrFor:  make(map[string]error),
		KnownPhones: make(map[string]bool),
		Users:       make(map[string][]telegram.User),
		invited:     make(map[string][]int64),
		handlers:    make(map[int]func(context.Context, telegram.Message)),
	}
}

// NewFactory returns a factory producing fakes and a registry of the
// clients it created, keyed by session name.
func NewFactory() (telegram.Factory, *sync.Map) {
	clients := &sync.Map{}
	factory := func(sessionName string, creds telegram.Credentials) (telegram.Client, error) {
		f := NewFake()
		f.SessionName = sessionName
		f.Creds = creds
		clients.Store(sessionName, f)
		return f, nil
	}
	return factory, clients
}

func (f *Fake) sleep(ctx context.Context) error {
	if f.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.Latency):
		return nil
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	if err := f.sleep(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) SendCodeRequest(ctx context.Context, phone string) error {
	if err := f.sleep(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeRequests = append(f.codeRequests, phone)
	return nil
}

func (f *Fake) SignIn(ctx context.Context, code, password string) error {
	if err := f.sleep(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIns = append(f.signIns, [2]string{code, password})
	return f.SignInErr
}

func (f *Fake) SendMessage(ctx context.Context, target, text string) error {
	if err := f.sleep(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.SendErrFor[target]; ok && err != nil {
		return err
	}
	f.sent = append(f.sent, SentMessage{Target: target, Text: text, At: time.Now()})
	return nil
}

func (f *Fake) GetParticipants(ctx context.Context, chat string, limit int) ([]telegram.User, error) {
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	users := f.Users[chat]
	if limit > 0 && limit < len(users) {
		users = users[:limit]
	}
	out := make([]telegram.User, len(users))
	copy(out, users)
	return out, nil
}

func (f *Fake) GetDialogs(ctx context.Context, limit int) ([]telegram.Dialog, error) {
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DialogsErr != nil {
		return nil, f.DialogsErr
	}
	dialogs := f.Dialogs
	if limit > 0 && limit < len(dialogs) {
		dialogs = dialogs[:limit]
	}
	out := make([]telegram.Dialog, len(dialogs))
	copy(out, dialogs)
	return out, nil
}

func (f *Fake) CheckPhone(ctx context.Context, phone string) (bool, error) {
	if err := f.sleep(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckErr != nil {
		return false, f.CheckErr
	}
	return f.KnownPhones[phone], nil
}

func (f *Fake) InviteToChat(ctx context.Context, chat string, user telegram.User) error {
	if err := f.sleep(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InviteErr != nil {
		return f.InviteErr
	}
	f.invited[chat] = append(f.invited[chat], user.ID)
	return nil
}

func (f *Fake) OnNewMessage(fn func(ctx context.Context, msg telegram.Message)) telegram.RemoveHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.handlers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
	return nil
}

// Deliver simulates an incoming message, invoking every registered
// handler synchronously.
func (f *Fake) Deliver(ctx context.Context, msg telegram.Message) {
	f.mu.Lock()
	handlers := make([]func(context.Context, telegram.Message), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
}

// Sent returns a copy of all recorded outgoing messages.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// Invited returns the user ids invited to chat.
func (f *Fake) Invited(chat string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.invited[chat]))
	copy(out, f.invited[chat])
	return out
}

// CodeRequests returns the phones that received a code request.
func (f *Fake) CodeRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.codeRequests))
	copy(out, f.codeRequests)
	return out
}

// SignIns returns recorded (code, password) pairs.
func (f *Fake) SignIns() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.signIns))
	copy(out, f.signIns)
	return out
}

// Connected reports the current connection flag.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Disconnected reports whether Disconnect was ever called.
func (f *Fake) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// HandlerCount returns the number of registered update handlers.
func (f *Fake) HandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}
