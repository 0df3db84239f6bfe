// Package schedule provides recurring-run calculations and a runner that
// re-dispatches named operations on a schedule.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule calculates when a recurring operation should next run.
type Schedule interface {
	// Next returns the next run time strictly after from.
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// dailySchedule runs at a specific time each day.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// weeklySchedule runs at a specific day and time each week.
type weeklySchedule struct {
	day    time.Weekday
	hour   int
	minute int
	loc    *time.Location
}

// Weekly creates a schedule that runs at a specific day and UTC time each
// week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)

	daysUntil := int(s.day - from.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next := time.Date(from.Year(), from.Month(), from.Day()+daysUntil, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// Cron creates a schedule from a standard five-field cron expression.
func Cron(expr string) (Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronSchedule{schedule: schedule}, nil
}

// MustCron is Cron for statically known expressions.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic("invalid cron expression: " + err.Error())
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Fire is invoked when a scheduled entry comes due.
type Fire func(name string)

type entry struct {
	schedule Schedule
	nextRun  time.Time
}

// Runner polls registered entries and fires them when due. Entries whose
// fire overlaps a still-running occurrence are the firer's problem; the
// runner only tracks timing.
type Runner struct {
	logger *slog.Logger
	fire   Fire

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRunner creates a stopped runner that calls fire for due entries.
func NewRunner(logger *slog.Logger, fire Fire) *Runner {
	return &Runner{
		logger:  logger,
		fire:    fire,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add registers or replaces a named entry. The first fire happens one full
// period after registration.
func (r *Runner) Add(name string, s Schedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{schedule: s, nextRun: s.Next(time.Now())}
}

// Remove drops a named entry.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Names lists registered entries.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Start launches the polling loop. ctx cancellation stops it as Stop does.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.fireDue(time.Now())
		}
	}
}

func (r *Runner) fireDue(now time.Time) {
	r.mu.Lock()
	var due []string
	for name, e := range r.entries {
		if !now.Before(e.nextRun) {
			due = append(due, name)
			e.nextRun = e.schedule.Next(now)
		}
	}
	r.mu.Unlock()

	for _, name := range due {
		r.logger.Debug("scheduled entry due", "name", name)
		r.fire(name)
	}
}

// Stop halts the polling loop and waits for it to exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
	case <-time.After(time.Second):
	}
}
