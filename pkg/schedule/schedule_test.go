package schedule

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery_CalculatesNextRun(t *testing.T) {
	s := Every(15 * time.Minute)
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Minute), s.Next(from))
}

func TestDaily_CalculatesNextRun(t *testing.T) {
	s := Daily(9, 30)

	before := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), s.Next(before))

	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), s.Next(after))

	exact := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), s.Next(exact),
		"next run is strictly after from")
}

func TestWeekly_CalculatesNextRun(t *testing.T) {
	s := Weekly(time.Monday, 9, 0)

	// 2026-03-01 is a Sunday.
	sunday := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), s.Next(sunday))

	mondayAfter := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), s.Next(mondayAfter))
}

func TestCron_ParsesStandardExpressions(t *testing.T) {
	s, err := Cron("0 12 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron_RejectsInvalidExpressions(t *testing.T) {
	_, err := Cron("not a cron line")
	assert.Error(t, err)

	assert.Panics(t, func() { MustCron("also bad") })
}

func TestRunner_FiresDueEntries(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]int{}
	r := NewRunner(slog.Default(), func(name string) {
		mu.Lock()
		fired[name]++
		mu.Unlock()
	})

	r.Add("sweep", Every(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["sweep"] >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_RemoveStopsFiring(t *testing.T) {
	var mu sync.Mutex
	count := 0
	r := NewRunner(slog.Default(), func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	r.Add("refresh", Every(time.Hour))
	require.Equal(t, []string{"refresh"}, r.Names())
	r.Remove("refresh")
	assert.Empty(t, r.Names())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
