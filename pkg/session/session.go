// Package session manages logical connections to the messaging service.
// A Session wraps the opaque protocol client handle and serializes
// connection-mutating operations so that at most one runs at a time per
// session, while read-only operations may overlap freely.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maxbigdig/bigdig/pkg/telegram"
)

// Status of a session's connection lifecycle.
type Status string

const (
	StatusUnauthenticated  Status = "unauthenticated"
	StatusAwaitingCode     Status = "awaiting-code"
	StatusAwaitingPassword Status = "awaiting-password"
	StatusAuthenticated    Status = "authenticated"
	StatusDisconnected     Status = "disconnected"
	StatusError            Status = "error"
)

// Session is a named handle to one protocol client. The client handle is
// only ever invoked from worker-runtime goroutines.
type Session struct {
	name string

	mu     sync.Mutex
	status Status
	client telegram.Client

	// mutationMu serializes connection-mutating operations (connect,
	// sign-in, disconnect). Read-class operations do not take it.
	mutationMu sync.Mutex
}

// Name returns the session's unique key.
func (s *Session) Name() string { return s.name }

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the connection status.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Client returns the opaque protocol client handle.
func (s *Session) Client() telegram.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Mutate runs fn while holding the session's mutation lock, honoring
// context cancellation while waiting for the lock. Connection-mutating
// work units go through here; concurrent mutations on the same session
// are impossible by construction.
func (s *Session) Mutate(ctx context.Context, fn func(client telegram.Client) error) error {
	acquired := make(chan struct{})
	go func() {
		s.mutationMu.Lock()
		close(acquired)
	}()

	select {
	case <-ctx.Done():
		// The lock goroutine will release it as soon as it wins.
		go func() {
			<-acquired
			s.mutationMu.Unlock()
		}()
		return ctx.Err()
	case <-acquired:
	}
	defer s.mutationMu.Unlock()

	return fn(s.Client())
}

// Manager owns all sessions by name and constructs clients through the
// injected factory.
type Manager struct {
	factory telegram.Factory
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager around a client factory.
func NewManager(factory telegram.Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create builds the client for a new named session and registers it in
// Unauthenticated state. Creating an existing name is an error.
func (m *Manager) Create(name string, creds telegram.Credentials) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[name]; exists {
		return nil, fmt.Errorf("session: %q already exists", name)
	}

	client, err := m.factory(name, creds)
	if err != nil {
		return nil, fmt.Errorf("session: create client for %q: %w", name, err)
	}

	s := &Session{name: name, status: StatusUnauthenticated, client: client}
	m.sessions[name] = s
	m.logger.Info("session created", "session", name)
	return s, nil
}

// Get returns the named session, or nil if unknown.
func (m *Manager) Get(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[name]
}

// List returns all session names.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// Remove drops the named session from the manager. The caller is
// responsible for disconnecting its client first.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	delete(m.sessions, name)
	m.mu.Unlock()
}

// DisconnectAll disconnects every session, logging and swallowing
// individual failures so shutdown always completes.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		err := s.Mutate(ctx, func(client telegram.Client) error {
			return client.Disconnect(ctx)
		})
		if err != nil {
			m.logger.Warn("disconnect failed", "session", s.Name(), "error", err)
			continue
		}
		s.SetStatus(StatusDisconnected)
		m.logger.Info("session disconnected", "session", s.Name())
	}
}
