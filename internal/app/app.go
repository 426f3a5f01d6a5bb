// Package app wires the configuration, logging, storage, pipeline, and
// scheduler into one supervised process with an explicit lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"briefbot/internal/analyzer"
	"briefbot/internal/config"
	"briefbot/internal/eventbus"
	"briefbot/internal/execution"
	"briefbot/internal/feed"
	"briefbot/internal/pipeline"
	"briefbot/internal/report"
	rtsup "briefbot/internal/runtime/supervisor"
	"briefbot/internal/scheduler"
	"briefbot/internal/storage"
	"briefbot/internal/telegram"
	logx "briefbot/pkg/logx"
)

// State is the coarse lifecycle phase. Transitions only move forward.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateValidated     State = "VALIDATED"
	StateRunning       State = "RUNNING"
	StateShuttingDown  State = "SHUTTING_DOWN"
	StateTerminated    State = "TERMINATED"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	cfg     *config.Config

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	tracker  *execution.Tracker
	store    *storage.Store
	backup   *storage.BackupWriter
	analyzer *analyzer.Gemini
	runner   *pipeline.Runner
	sched    *scheduler.Scheduler
	tg       *telegram.Adapter

	sup *rtsup.Supervisor

	mu    sync.Mutex
	state State
}

// New loads and validates configuration and prepares logging. Collaborators
// that touch the network are built later in Start/RunOnce so a config error
// fails fast and cheap.
func New(cfgPath string) (*App, error) {
	a := &App{cfgPath: cfgPath, state: StateUninitialized}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a.cfg = cfg

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()
	a.tracker = execution.NewTracker(cfg.EffectiveHistorySize())

	a.setState(StateValidated)
	a.log.Info("config validated",
		logx.String("path", cfgPath),
		logx.Int("rss_sources", len(cfg.RSSSources)),
		logx.Int("x_sources", len(cfg.XSources)),
		logx.Bool("telegram", cfg.Telegram != nil))
	return a, nil
}

func (a *App) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// buildPipeline constructs storage and the four stage collaborators and
// wires them into the runner.
func (a *App) buildPipeline(ctx context.Context) error {
	cfg := a.cfg

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.backup = storage.NewBackupWriter(cfg.Storage.Path)

	gem, err := analyzer.NewGemini(ctx, analyzer.Config{
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		BatchSize: cfg.EffectiveBatchSize(),
	}, a.log.With(logx.String("comp", "analyzer")))
	if err != nil {
		return err
	}
	a.analyzer = gem

	feedLog := a.log.With(logx.String("comp", "feed"))
	var fetchers []pipeline.Fetcher
	for _, url := range cfg.RSSSources {
		fetchers = append(fetchers, feed.NewRSSFetcher(url, feedLog))
	}
	for _, handle := range cfg.XSources {
		fetchers = append(fetchers, feed.NewXFetcher(handle, feedLog))
	}

	runner := pipeline.NewRunner(pipeline.Config{
		TimeWindow: cfg.TimeWindow(),
	}, a.tracker, a.log.With(logx.String("comp", "pipeline")), a.bus)
	runner.SetFetchers(fetchers)
	runner.SetAnalyzer(gem)
	runner.SetRenderer(report.NewRenderer())
	runner.SetStore(store)
	runner.SetBackupWriter(a.backup.Write)
	a.runner = runner

	if tc := cfg.Telegram; tc != nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		tg, err := telegram.New(telegram.Config{
			Token:        tc.Token,
			ChatID:       tc.ChatID,
			OwnerUserIDs: tc.OwnerUserIDs,
			RatePerSec:   tc.RatePerSec,
			PollTimeout:  pollTimeout,
		}, a, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		runner.SetDeliverer(tg)
	}
	return nil
}

// RunOnce executes a single pipeline run and tears down. Returns the
// process exit code.
func (a *App) RunOnce(ctx context.Context) int {
	if err := a.buildPipeline(ctx); err != nil {
		a.log.Error("startup failed", logx.Err(err))
		a.teardown()
		return 1
	}
	a.setState(StateRunning)

	entry := a.runner.RunOnce(ctx, execution.TriggerStartup, "")

	a.setState(StateShuttingDown)
	a.persistRun(entry)
	a.teardown()
	a.setState(StateTerminated)

	if entry.Success {
		fmt.Printf("run %s completed in %s: %d items, delivered=%t\n",
			entry.ID, entry.Duration.Round(time.Millisecond), entry.ItemsProcessed, entry.ReportDelivered)
		return 0
	}
	fmt.Printf("run failed: %s\n", strings.Join(entry.Errors, "; "))
	return 1
}

// RunScheduled starts the full service: startup run, interval scheduler,
// command channel, and config watch. Blocks until ctx is cancelled, then
// shuts down in order. Returns the process exit code.
func (a *App) RunScheduled(ctx context.Context) int {
	if err := a.start(ctx); err != nil {
		a.log.Error("startup failed", logx.Err(err))
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Stop(stopCtx)
		cancel()
		return 1
	}

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Stop(stopCtx)
	return 0
}

func (a *App) start(ctx context.Context) error {
	if err := a.buildPipeline(ctx); err != nil {
		return err
	}

	cfg := a.cfg
	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	sched, err := scheduler.New(scheduler.Config{
		Interval: cfg.Interval(),
		DailyAt:  cfg.Scheduler.DailyAt,
		Location: loc,
	}, a.runner.RunOnce, a.tracker.Running, a.log.With(logx.String("comp", "scheduler")), a.bus)
	if err != nil {
		return err
	}
	a.sched = sched

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// Run outcomes are persisted off the pipeline's critical path.
	events, unsub := a.bus.Subscribe(8)
	a.sup.Go0("run.persist", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != "run.finished" {
					continue
				}
				if entry, ok := ev.Data.(execution.HistoryEntry); ok {
					a.persistRun(entry)
				}
			}
		}
	})

	// Logging retunes on config edits without a restart; other sections
	// need one.
	updates := a.cfgm.Subscribe(2)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				if cfg == nil {
					continue
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; non-logging changes take effect on restart")
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
	}

	a.setState(StateRunning)
	a.log.Info("app started", logx.Duration("interval", cfg.Interval()))

	// Boot-time run before the interval loop starts ticking.
	a.runner.RunOnce(ctx, execution.TriggerStartup, "startup")

	return a.sched.Start(a.sup.Context())
}

// Stop tears the service down in dependency order, each step bounded so one
// stuck component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context) {
	a.setState(StateShuttingDown)
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	if a.sched != nil {
		step("scheduler", 10*time.Second, a.sched.Stop)
	}
	if a.tg != nil {
		step("telegram", 2*time.Second, a.tg.Stop)
	}
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	a.teardown()
	a.setState(StateTerminated)
	a.log.Info("stopped")
}

// teardown closes leaf resources. Safe to call on a partially built app.
func (a *App) teardown() {
	if a.analyzer != nil {
		if err := a.analyzer.Close(); err != nil {
			a.log.Warn("analyzer close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

func (a *App) persistRun(entry execution.HistoryEntry) {
	if a.store == nil || entry.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.SaveRun(ctx, entry); err != nil {
		a.log.Warn("run persist failed", logx.Err(err))
	}
}

// TriggerRun implements the command channel's Control surface.
func (a *App) TriggerRun(ctx context.Context, identity string) execution.HistoryEntry {
	return a.runner.RunOnce(ctx, execution.TriggerManual, identity)
}

func (a *App) Current() (execution.Record, bool) { return a.tracker.Current() }

func (a *App) History(limit int) []execution.HistoryEntry { return a.tracker.History(limit) }

func (a *App) NextExecutionTime() time.Time {
	if a.sched == nil {
		return time.Time{}
	}
	return a.sched.NextExecutionTime()
}
