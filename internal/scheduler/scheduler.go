// Package scheduler runs periodic background tasks: rendezvous room
// expiry, stale discovery candidate pruning and the daily room statistics.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/discovery"
	"github.com/netplay64/netplay64/internal/events"
)

// TaskFunc is one run of a scheduled task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	daily    string // "HH:MM", overrides interval
	fn       TaskFunc
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu    sync.Mutex
	tasks []task
	runs  map[string]int
}

// NewScheduler creates a new task scheduler.
func NewScheduler(eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		eventBus: eventBus,
		logger:   log.With().Str("component", "scheduler").Logger(),
		runs:     make(map[string]int),
	}
}

// Every registers fn to run every interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Daily registers fn to run once a day at clock ("HH:MM", local time).
func (s *Scheduler) Daily(name, clock string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, daily: clock, fn: fn})
}

// Runs returns how many times the named task has completed.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

// Start runs every registered task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	s.logger.Info().Int("tasks", len(tasks)).Msg("scheduler started")

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if t.daily != "" {
				s.runDailyLoop(ctx, t)
			} else {
				s.runLoop(ctx, t)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) runDailyLoop(ctx context.Context, t task) {
	for {
		nextRun := nextDailyRun(t.daily, time.Now())
		sleepDuration := time.Until(nextRun)

		s.logger.Debug().
			Str("task", t.name).
			Time("next_run", nextRun).
			Msg("daily task scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task) {
	if err := t.fn(ctx); err != nil {
		s.logger.Warn().Err(err).Str("task", t.name).Msg("scheduled task failed")
		return
	}
	s.mu.Lock()
	s.runs[t.name]++
	s.mu.Unlock()
}

// ExpireRooms returns a task that deletes expired rendezvous rooms.
func ExpireRooms(store *db.RoomStore) TaskFunc {
	return func(ctx context.Context) error {
		n, err := store.ExpireRooms()
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int("expired", n).Msg("expired rendezvous rooms")
		}
		return nil
	}
}

// PruneCandidates returns a task that drops discovered sessions not heard
// from within maxAge.
func PruneCandidates(browser *discovery.Browser, maxAge time.Duration) TaskFunc {
	return func(ctx context.Context) error {
		if n := browser.Expire(maxAge); n > 0 {
			log.Debug().Int("dropped", n).Msg("pruned stale discovery candidates")
		}
		return nil
	}
}

// RoomStats returns a task that logs the live room count and lookups and
// publishes them for telemetry.
func RoomStats(store *db.RoomStore, eventBus *events.EventBus) TaskFunc {
	return func(ctx context.Context) error {
		rooms, err := store.ListRooms()
		if err != nil {
			return err
		}
		lookups := 0
		for _, r := range rooms {
			lookups += r.Lookups
		}

		log.Info().
			Int("rooms", len(rooms)).
			Int("lookups", lookups).
			Msg("daily room stats collected")

		events.Publish(ctx, eventBus, "scheduler", events.EventNotifyMQTT, map[string]interface{}{
			"type":    "room_stats",
			"rooms":   len(rooms),
			"lookups": lookups,
		})
		return nil
	}
}

// nextDailyRun returns the next time after now that clock ("HH:MM")
// falls on. A malformed clock means 04:00.
func nextDailyRun(clock string, now time.Time) time.Time {
	parts := strings.Split(clock, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
