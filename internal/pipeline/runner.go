package pipeline

import (
	"context"
	"fmt"
	"time"

	"briefbot/internal/eventbus"
	"briefbot/internal/execution"
	logx "briefbot/pkg/logx"
)

// Stage progress marks. Progress is set when a stage begins, so a status
// query during fetching reads 0.1, during analysis 0.4, and so on.
const (
	progressFetching   = 0.1
	progressAnalyzing  = 0.4
	progressRendering  = 0.7
	progressDelivering = 0.9
)

// BackupWriter persists a report locally when delivery fails. It returns the
// path of the written artifact.
type BackupWriter func(report string) (string, error)

// Config holds the runner's own knobs; collaborators carry their own config.
type Config struct {
	TimeWindow time.Duration
}

// Runner executes the four-stage pipeline for a single invocation. It is
// synchronous: stages run in order on the caller's goroutine because each
// depends on the previous stage's output.
type Runner struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	fetchers  []Fetcher
	analyzer  Analyzer
	renderer  Renderer
	deliverer Deliverer
	store     Store
	backup    BackupWriter

	tracker *execution.Tracker
}

func NewRunner(cfg Config, tracker *execution.Tracker, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, tracker: tracker, log: log, bus: bus}
}

func (r *Runner) SetFetchers(fs []Fetcher)       { r.fetchers = fs }
func (r *Runner) SetAnalyzer(a Analyzer)         { r.analyzer = a }
func (r *Runner) SetRenderer(re Renderer)        { r.renderer = re }
func (r *Runner) SetDeliverer(d Deliverer)       { r.deliverer = d }
func (r *Runner) SetStore(s Store)               { r.store = s }
func (r *Runner) SetBackupWriter(w BackupWriter) { r.backup = w }

// Tracker exposes the execution state tracker for status/history queries.
func (r *Runner) Tracker() *execution.Tracker { return r.tracker }

// RunOnce executes one full pipeline run. It never returns an error: every
// failure mode is captured into the returned history entry. If a run is
// already in flight the call is refused with a busy entry; admission is the
// tracker's atomic TryBegin, never a check-then-call.
func (r *Runner) RunOnce(ctx context.Context, trigger execution.TriggerKind, identity string) (entry execution.HistoryEntry) {
	rec, err := r.tracker.TryBegin(trigger, identity)
	if err != nil {
		now := time.Now()
		entry = execution.HistoryEntry{
			Success:   false,
			StartedAt: now,
			EndedAt:   now,
			Trigger:   trigger,
			Identity:  identity,
			Errors:    []string{err.Error()},
		}
		r.tracker.RecordRefusal(entry)
		r.log.Warn("run refused: execution already in progress", logx.String("trigger", string(trigger)))
		return entry
	}

	log := r.log.With(logx.String("run", rec.ID), logx.String("trigger", string(trigger)))
	log.Info("run started")
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "run.started", Data: rec})
	}

	st := &runState{rec: rec, success: true, reportDelivered: false}

	// The slot release is deferred immediately after admission: no matter
	// what a collaborator does, including panicking, the run ends with a
	// history entry appended and the current-execution slot cleared. The
	// panic is swallowed here so RunOnce never throws.
	defer func() {
		if p := recover(); p != nil {
			st.failf("panic: %v", p)
			r.tracker.Fail(st.errors[len(st.errors)-1])
			log.Error("run panicked", logx.Any("panic", p))
		}
		entry = r.finish(st, log)
	}()

	r.execute(ctx, st, log)
	return entry
}

type runState struct {
	rec      execution.Record
	success  bool
	finished bool

	errors          []string
	itemsProcessed  int
	categories      map[string]int
	reportDelivered bool

	cycle FetchCycleStatus
	entry execution.HistoryEntry
}

func (st *runState) failf(format string, args ...any) {
	st.success = false
	st.errors = append(st.errors, fmt.Sprintf(format, args...))
}

// execute runs validation plus the four stages, recording outcomes on st.
func (r *Runner) execute(ctx context.Context, st *runState, log logx.Logger) {
	st.categories = map[string]int{}

	// Preconditions. Stage stays "initializing" on validation failure so the
	// failure site is visible in status queries.
	if err := r.validate(); err != nil {
		st.failf("validation: %v", err)
		r.tracker.Fail(st.errors[len(st.errors)-1])
		log.Error("run precondition failed", logx.Err(err))
		return
	}

	// Fetching. A single source failing is recorded and skipped; only a
	// persistence failure aborts the stage.
	r.tracker.UpdateProgress(execution.StageFetching, progressFetching)
	items, cycle, err := r.fetchAll(ctx, log)
	st.cycle = cycle
	if err != nil {
		st.failf("fetch: %v", err)
		r.tracker.Fail(st.errors[len(st.errors)-1])
		log.Error("fetch stage failed", logx.Err(err))
		return
	}

	// Analyzing. Analyzer failure is fatal for the run: rendering and
	// delivery must not see partial classifications.
	r.tracker.UpdateProgress(execution.StageAnalyzing, progressAnalyzing)
	categorized, kept, err := r.analyze(ctx, items)
	if err != nil {
		st.failf("analyze: %v", err)
		r.tracker.Fail(st.errors[len(st.errors)-1])
		log.Error("analyze stage failed", logx.Err(err))
		return
	}
	st.itemsProcessed = len(items)
	for cat, list := range categorized {
		st.categories[cat] = len(list)
	}
	r.tracker.SetCounts(st.itemsProcessed, st.categories)
	log.Info("analysis done", logx.Int("items", len(items)), logx.Int("kept", kept), logx.Int("categories", len(categorized)))

	// Rendering.
	r.tracker.UpdateProgress(execution.StageRendering, progressRendering)
	report, err := r.renderer.Render(categorized, st.cycle)
	if err != nil {
		st.failf("render: %v", err)
		r.tracker.Fail(st.errors[len(st.errors)-1])
		log.Error("render stage failed", logx.Err(err))
		return
	}

	// Delivering. Delivery failure does not fail the run: the report falls
	// back to a local backup artifact and the entry carries
	// ReportDelivered=false so consumers can tell the two apart.
	r.tracker.UpdateProgress(execution.StageDelivering, progressDelivering)
	st.reportDelivered = r.deliver(ctx, report, st, log)

	r.tracker.UpdateProgress(execution.StageCompleted, 1.0)
}

func (r *Runner) validate() error {
	if len(r.fetchers) == 0 {
		return fmt.Errorf("no sources configured")
	}
	if r.analyzer == nil {
		return fmt.Errorf("analyzer not configured")
	}
	if r.renderer == nil {
		return fmt.Errorf("renderer not configured")
	}
	if r.store == nil {
		return fmt.Errorf("storage not configured")
	}
	if r.backup == nil {
		return fmt.Errorf("backup writer not configured")
	}
	return nil
}

// fetchAll calls every configured source, isolating per-source failures.
// The returned error is non-nil only when the fetch orchestration itself
// fails (persistence write), which aborts the run.
func (r *Runner) fetchAll(ctx context.Context, log logx.Logger) ([]ContentItem, FetchCycleStatus, error) {
	start := time.Now()
	cycle := FetchCycleStatus{StartedAt: start}

	var all []ContentItem
	for _, f := range r.fetchers {
		items, err := f.Fetch(ctx, r.cfg.TimeWindow)
		if err != nil {
			cycle.Sources = append(cycle.Sources, PerSourceResult{
				Source:       f.Name(),
				Status:       SourceError,
				ErrorMessage: err.Error(),
			})
			log.Warn("source fetch failed", logx.String("source", f.Name()), logx.Err(err))
			continue
		}
		cycle.Sources = append(cycle.Sources, PerSourceResult{
			Source:    f.Name(),
			Status:    SourceOK,
			ItemCount: len(items),
		})
		all = append(all, items...)
	}
	cycle.TotalItems = len(all)
	cycle.ExecutionTime = time.Since(start)

	added, err := r.store.AddItems(ctx, all)
	if err != nil {
		return nil, cycle, fmt.Errorf("persist items: %w", err)
	}
	pruned, err := r.store.Deduplicate(ctx)
	if err != nil {
		return nil, cycle, fmt.Errorf("deduplicate: %w", err)
	}
	log.Info("fetch done",
		logx.Int("sources", len(r.fetchers)),
		logx.Int("items", len(all)),
		logx.Int("added", added),
		logx.Int("pruned", pruned),
		logx.Duration("took", cycle.ExecutionTime))

	return all, cycle, nil
}

func (r *Runner) analyze(ctx context.Context, items []ContentItem) (map[string][]AnalyzedItem, int, error) {
	categorized := map[string][]AnalyzedItem{}
	if len(items) == 0 {
		return categorized, 0, nil
	}

	results, err := r.analyzer.BatchAnalyze(ctx, items)
	if err != nil {
		return nil, 0, err
	}
	if len(results) != len(items) {
		return nil, 0, fmt.Errorf("analyzer returned %d results for %d items", len(results), len(items))
	}

	kept := 0
	for i, res := range results {
		if res.ShouldIgnore {
			continue
		}
		cat := res.Category
		if cat == "" {
			cat = "uncategorized"
		}
		categorized[cat] = append(categorized[cat], AnalyzedItem{
			Item:     items[i],
			Category: cat,
			Summary:  res.Summary,
		})
		kept++
	}
	return categorized, kept, nil
}

// deliver returns whether the report reached its destination. A failed
// delivery followed by a successful backup write still counts the sending
// stage as done; a failed backup is appended to the error list but does not
// flip run success (that is governed by the pipeline stages).
func (r *Runner) deliver(ctx context.Context, report string, st *runState, log logx.Logger) bool {
	if r.deliverer != nil {
		res := r.deliverer.Deliver(ctx, report)
		if res.Success {
			log.Info("report delivered", logx.String("message_id", res.MessageID))
			return true
		}
		if res.ErrorMessage != "" {
			st.errors = append(st.errors, "delivery: "+res.ErrorMessage)
		}
		log.Warn("delivery failed, writing local backup", logx.String("err", res.ErrorMessage))
	} else {
		log.Info("no deliverer configured, writing local backup")
	}

	path, err := r.backup(report)
	if err != nil {
		st.errors = append(st.errors, fmt.Sprintf("backup: %v", err))
		log.Error("backup write failed", logx.Err(err))
		return false
	}
	log.Info("report saved to backup", logx.String("path", path))
	return false
}

// finish builds the terminal history entry, persists the cycle status, and
// releases the current-execution slot. Idempotent: the entry is built once.
func (r *Runner) finish(st *runState, log logx.Logger) execution.HistoryEntry {
	if st.finished {
		return st.entry
	}
	st.finished = true

	end := time.Now()
	entry := execution.HistoryEntry{
		ID:              st.rec.ID,
		Success:         st.success,
		StartedAt:       st.rec.StartedAt,
		EndedAt:         end,
		Duration:        end.Sub(st.rec.StartedAt),
		Trigger:         st.rec.Trigger,
		Identity:        st.rec.Identity,
		ItemsProcessed:  st.itemsProcessed,
		Categories:      st.categories,
		Errors:          st.errors,
		ReportDelivered: st.reportDelivered,
	}
	st.entry = entry

	r.tracker.Finish(entry)

	// Cycle status persistence is best-effort at this point; the run outcome
	// is already determined, so errors and panics from the store are logged
	// and contained here.
	if r.store != nil && len(st.cycle.Sources) > 0 {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error("cycle status persist panicked", logx.Any("panic", p))
				}
			}()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.SaveCycleStatus(sctx, st.cycle); err != nil {
				log.Warn("cycle status persist failed", logx.Err(err))
			}
		}()
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "run.finished", Data: entry})
	}
	if entry.Success {
		log.Info("run finished",
			logx.Duration("took", entry.Duration),
			logx.Int("items", entry.ItemsProcessed),
			logx.Bool("delivered", entry.ReportDelivered))
	} else {
		log.Error("run failed",
			logx.Duration("took", entry.Duration),
			logx.Any("errors", entry.Errors))
	}
	return entry
}
