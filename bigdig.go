// Package bigdig drives a messaging-service account from background
// goroutines: session sign-in, paced message sending, participant
// harvesting, phone verification, and invitations, all executed as
// trackable, cancellable jobs.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Wire a dispatcher around a protocol client factory
//	d := bigdig.New(factory,
//	    bigdig.WithRateLimit(bigdig.DefaultRateLimit()),
//	)
//	defer d.Shutdown(context.Background())
//
//	// Create and authorize a session
//	h, _ := d.CreateSession("main", bigdig.Credentials{APIID: id, APIHash: hash, Phone: phone})
//	d.Await(ctx, string(h), time.Minute)
//	h, _ = d.AuthorizeSession("main", code, "")
//
//	// Fire-and-track a bulk send
//	h, _ = d.BulkSend("main", targets, "hello")
//	snap, _ := d.Await(ctx, string(h), 10*time.Minute)
package bigdig

import (
	"context"
	"time"

	"github.com/maxbigdig/bigdig/pkg/bridge"
	"github.com/maxbigdig/bigdig/pkg/config"
	"github.com/maxbigdig/bigdig/pkg/core"
	"github.com/maxbigdig/bigdig/pkg/dispatch"
	"github.com/maxbigdig/bigdig/pkg/logging"
	"github.com/maxbigdig/bigdig/pkg/ratelimit"
	"github.com/maxbigdig/bigdig/pkg/registry"
	"github.com/maxbigdig/bigdig/pkg/runtime"
	"github.com/maxbigdig/bigdig/pkg/schedule"
	"github.com/maxbigdig/bigdig/pkg/security"
	"github.com/maxbigdig/bigdig/pkg/session"
	"github.com/maxbigdig/bigdig/pkg/store"
	"github.com/maxbigdig/bigdig/pkg/telegram"
)

// Type aliases re-exporting the public API.
type (
	// Dispatcher is the single entry point for application threads.
	Dispatcher = dispatch.Dispatcher

	// Option configures a Dispatcher.
	Option = dispatch.Option

	// Snapshot is a point-in-time copy of a job, safe to share.
	Snapshot = core.Snapshot

	// JobKind tags the operation a job performs.
	JobKind = core.JobKind

	// JobState represents the current state of a job.
	JobState = core.JobState

	// Event is the interface for all job lifecycle events.
	Event = core.Event

	// JobDispatched is emitted when a job is accepted.
	JobDispatched = core.JobDispatched

	// JobStarted is emitted when a job starts executing.
	JobStarted = core.JobStarted

	// JobProgressed is emitted when a batch job advances by one item.
	JobProgressed = core.JobProgressed

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// JobCancelled is emitted when cooperative cancellation completes.
	JobCancelled = core.JobCancelled

	// JobRetrying is emitted when a transient failure triggers a retry.
	JobRetrying = core.JobRetrying

	// Handle identifies a dispatched job.
	Handle = bridge.Handle

	// Client is the capability surface of one protocol connection.
	Client = telegram.Client

	// Factory constructs a client for a named session.
	Factory = telegram.Factory

	// Credentials identify an API application plus the account phone.
	Credentials = telegram.Credentials

	// User describes a chat participant.
	User = telegram.User

	// Message is an incoming message delivered to update handlers.
	Message = telegram.Message

	// Dialog describes one open conversation visible to the account.
	Dialog = telegram.Dialog

	// SessionStatus is a session's connection lifecycle state.
	SessionStatus = session.Status

	// RateLimit bounds the spacing between protocol operations.
	RateLimit = ratelimit.Config

	// RetryConfig holds transient-error retry settings.
	RetryConfig = runtime.RetryConfig

	// RetentionPolicy bounds how many terminal jobs are kept in memory.
	RetentionPolicy = registry.RetentionPolicy

	// Filter narrows job listings.
	Filter = registry.Filter

	// Schedule calculates when a recurring operation should next run.
	Schedule = schedule.Schedule

	// Store is the SQLite-backed persistence layer.
	Store = store.Store

	// Config represents the complete application configuration.
	Config = config.Config

	// BulkSummary is the per-item breakdown of a batch operation.
	BulkSummary = dispatch.BulkSummary

	// ItemOutcome records one item of a batch operation.
	ItemOutcome = dispatch.ItemOutcome

	// AuthResult is the outcome of a session authorization attempt.
	AuthResult = dispatch.AuthResult

	// ParseResult is the outcome of a participant harvest.
	ParseResult = dispatch.ParseResult

	// VerifyResult maps phones to registration status.
	VerifyResult = dispatch.VerifyResult
)

// Job state constants.
const (
	StatePending    = core.StatePending
	StateRunning    = core.StateRunning
	StateCancelling = core.StateCancelling
	StateCancelled  = core.StateCancelled
	StateCompleted  = core.StateCompleted
	StateFailed     = core.StateFailed
)

// Job kind constants.
const (
	KindSessionCreate    = core.KindSessionCreate
	KindSessionAuthorize = core.KindSessionAuthorize
	KindSessionRemove    = core.KindSessionRemove
	KindSendMessage      = core.KindSendMessage
	KindListDialogs      = core.KindListDialogs
	KindBulkSend         = core.KindBulkSend
	KindParseUsers       = core.KindParseUsers
	KindVerifyPhone      = core.KindVerifyPhone
	KindInvite           = core.KindInvite
	KindAutoRespond      = core.KindAutoRespond
)

// Input limits.
const (
	MaxMessageLength = security.MaxMessageLength
	MaxBulkTargets   = security.MaxBulkTargets
	MaxVerifyNumbers = security.MaxVerifyNumbers
	MaxInviteUsers   = security.MaxInviteUsers
	MaxDialogLimit   = security.MaxDialogLimit
)

// Error variables.
var (
	ErrCancelled    = core.ErrCancelled
	ErrNotFound     = core.ErrNotFound
	ErrAwaitTimeout = bridge.ErrAwaitTimeout
)

// Error classification helpers.
var (
	IsValidation = core.IsValidation
	IsTransient  = core.IsTransient
	IsFatal      = core.IsFatal
)

// New wires a dispatcher around the given client factory.
func New(factory Factory, opts ...Option) *Dispatcher {
	return dispatch.New(factory, opts...)
}

// NewFromConfig builds a dispatcher from a loaded configuration: logger,
// store, rate limiting, retry, and retention all come from cfg.
func NewFromConfig(cfg *Config, factory Factory) (*Dispatcher, error) {
	logger := logging.New(cfg.Logging)

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}

	opts := []Option{
		dispatch.WithLogger(logger),
		dispatch.WithStore(s),
		dispatch.WithDrainGrace(cfg.Runtime.DrainGrace),
		dispatch.WithRateLimit(ratelimit.Config{
			MinDelay:     cfg.RateLimit.MinDelay,
			MaxDelay:     cfg.RateLimit.MaxDelay,
			Jitter:       cfg.RateLimit.Jitter,
			OpsPerSecond: cfg.RateLimit.OpsPerSecond,
			Burst:        cfg.RateLimit.Burst,
		}),
		dispatch.WithRetry(runtime.RetryConfig{
			MaxAttempts:       cfg.Runtime.MaxAttempts,
			InitialBackoff:    cfg.Runtime.InitialBackoff,
			MaxBackoff:        cfg.Runtime.MaxBackoff,
			BackoffMultiplier: cfg.Runtime.BackoffMultiplier,
		}),
	}
	if cfg.Retention.Sweep > 0 {
		opts = append(opts, dispatch.WithRetention(registry.RetentionPolicy{
			MaxTerminal: cfg.Retention.MaxTerminal,
			MaxAge:      cfg.Retention.MaxAge,
		}, cfg.Retention.Sweep))
	}
	return dispatch.New(factory, opts...), nil
}

// Dispatcher option re-exports.
var (
	WithLogger     = dispatch.WithLogger
	WithRateLimit  = dispatch.WithRateLimit
	WithRetry      = dispatch.WithRetry
	WithStore      = dispatch.WithStore
	WithDrainGrace = dispatch.WithDrainGrace
	WithRetention  = dispatch.WithRetention
)

// DefaultRateLimit returns conservative production operation spacing.
func DefaultRateLimit() RateLimit {
	return ratelimit.DefaultConfig()
}

// DefaultRetry returns the default transient-error retry settings.
func DefaultRetry() RetryConfig {
	return runtime.DefaultRetryConfig()
}

// Job listing filters.
var (
	ByKind    = registry.ByKind
	ByState   = registry.ByState
	BySession = registry.BySession
)

// Schedule constructors.

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and UTC time each
// week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a five-field cron expression.
func Cron(expr string) (Schedule, error) {
	return schedule.Cron(expr)
}

// OpenStore opens (creating if needed) the SQLite store at path.
func OpenStore(path string) (*Store, error) {
	return store.Open(path)
}

// LoadConfig reads the configuration file at path, layering it over
// defaults and applying environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
