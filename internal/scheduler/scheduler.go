// Package scheduler drives periodic pipeline runs on a fixed interval.
//
// The loop is drift-free: each target start time is derived from the
// previous target plus the interval, never from when the previous run
// happened to finish. A run that overlaps the next tick is skipped, not
// queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"briefbot/internal/eventbus"
	"briefbot/internal/execution"
	logx "briefbot/pkg/logx"
)

// RunFunc starts one pipeline execution. It blocks until the run finishes
// and never returns an error; outcomes live in the history entry.
type RunFunc func(ctx context.Context, trigger execution.TriggerKind, identity string) execution.HistoryEntry

// RunningFunc reports whether an execution is currently in flight.
type RunningFunc func() bool

const (
	defaultStopTimeout = 10 * time.Second
	panicBackoff       = 60 * time.Second
)

type Config struct {
	Interval time.Duration
	// DailyAt is an optional additional "HH:MM" wall-clock trigger.
	DailyAt  string
	Location *time.Location
	// StopTimeout bounds Stop's wait for the loop goroutine.
	StopTimeout time.Duration
}

type Scheduler struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	run     RunFunc
	running RunningFunc

	// now is swappable in tests.
	now func() time.Time

	mu        sync.Mutex
	lastStart time.Time
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	cr      *cron.Cron
	cronID  cron.EntryID
	hasCron bool
}

func New(cfg Config, run RunFunc, running RunningFunc, log logx.Logger, bus eventbus.Bus) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		run:     run,
		running: running,
		now:     time.Now,
	}
	if cfg.DailyAt != "" {
		spec, err := dailySpec(cfg.DailyAt)
		if err != nil {
			return nil, err
		}
		s.cr = cron.New(cron.WithLocation(cfg.Location))
		id, err := s.cr.AddFunc(spec, s.cronTick)
		if err != nil {
			return nil, fmt.Errorf("scheduler: daily_at %q: %w", cfg.DailyAt, err)
		}
		s.cronID = id
		s.hasCron = true
	}
	return s, nil
}

// dailySpec turns "HH:MM" into a cron expression.
func dailySpec(at string) (string, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(at, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("scheduler: daily_at %q: want HH:MM", at)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("scheduler: daily_at %q out of range", at)
	}
	return fmt.Sprintf("%d %d * * *", mm, hh), nil
}

// Start launches the interval loop. The first scheduled run fires one full
// interval after Start; any boot-time run is the owner's call, made before
// Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true
	s.lastStart = s.now()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	if s.hasCron {
		s.cr.Start()
	}
	go s.loop(ctx)
	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.String("daily_at", s.cfg.DailyAt))
	return nil
}

// Stop cancels the loop and waits for the in-flight iteration, bounded by
// the configured stop timeout (or the caller's context, whichever is
// sooner).
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	if s.hasCron {
		s.cr.Stop()
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("scheduler: loop did not stop within %s", s.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextExecutionTime reports when the next automatic run is due: the earlier
// of the interval tick and the daily trigger, if one is configured. Zero
// when the loop is not running.
func (s *Scheduler) NextExecutionTime() time.Time {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return time.Time{}
	}
	next := s.lastStart.Add(s.cfg.Interval)
	s.mu.Unlock()
	if s.hasCron {
		if e := s.cr.Entry(s.cronID); !e.Next.IsZero() && e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		target := s.lastStart.Add(s.cfg.Interval)
		s.mu.Unlock()

		if !s.sleepUntil(ctx, target) {
			return
		}

		// A run that overran its interval leaves stale targets behind.
		// Fast-forward to the latest target at or before now so at most one
		// run fires per wake; missed ticks are skipped, never queued.
		now := s.now()
		skipped := 0
		for next := target.Add(s.cfg.Interval); !next.After(now); next = next.Add(s.cfg.Interval) {
			target = next
			skipped++
		}
		if skipped > 0 {
			s.log.Warn("cycles skipped: previous execution overran the interval",
				logx.Int("count", skipped),
				logx.Time("resumed_at", target))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: "cycle.skipped", Data: target})
			}
		}

		// The target becomes the new anchor before the run executes, so a
		// slow run cannot push later ticks.
		s.mu.Lock()
		s.lastStart = target
		s.mu.Unlock()

		s.tick(ctx, target)
	}
}

// tick fires one scheduled execution, skipping if a run is in flight.
// Panics inside the run path are absorbed with a cool-down so a wedged
// collaborator cannot crash-loop the scheduler.
func (s *Scheduler) tick(ctx context.Context, target time.Time) {
	if s.running != nil && s.running() {
		s.log.Warn("cycle skipped: previous execution still running",
			logx.Time("scheduled_for", target))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "cycle.skipped", Data: target})
		}
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("scheduled run panicked, backing off",
				logx.Any("panic", p),
				logx.Duration("backoff", panicBackoff))
			s.sleepUntil(ctx, s.now().Add(panicBackoff))
		}
	}()
	s.run(ctx, execution.TriggerScheduled, "scheduler")
}

// cronTick routes the daily trigger through the same admission path as the
// interval loop; an overlapping run wins and the tick is dropped.
func (s *Scheduler) cronTick() {
	if s.running != nil && s.running() {
		s.log.Warn("daily run skipped: execution in progress")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.run(ctx, execution.TriggerScheduled, "daily")
}

// sleepUntil blocks until the target instant or context cancellation.
// Returns false when the context ended first.
func (s *Scheduler) sleepUntil(ctx context.Context, target time.Time) bool {
	wait := target.Sub(s.now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
