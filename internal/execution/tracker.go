package execution

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by TryBegin when an execution is already in flight.
var ErrBusy = errors.New("execution already in progress")

// TriggerKind is the origin of a run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
	TriggerStartup   TriggerKind = "startup"
)

// Status is the lifecycle state of one execution. A record is created
// directly in StatusRunning; no pre-start state is observable.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Stage is the pipeline stage an execution is currently in.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageFetching     Stage = "fetching"
	StageAnalyzing    Stage = "analyzing"
	StageRendering    Stage = "rendering"
	StageDelivering   Stage = "delivering"
	StageCompleted    Stage = "completed"
)

// Record is the single in-flight execution. At most one instance is live at
// any time; it is mutated in place by the runner and snapshot-copied for
// readers.
type Record struct {
	ID             string         `json:"id"`
	Trigger        TriggerKind    `json:"trigger"`
	Identity       string         `json:"identity,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at,omitzero"`
	Status         Status         `json:"status"`
	Progress       float64        `json:"progress"`
	Stage          Stage          `json:"stage"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ItemsProcessed int            `json:"items_processed"`
	Categories     map[string]int `json:"categories,omitempty"`
}

// HistoryEntry is the immutable terminal snapshot of one run. Exactly one
// entry is appended per call to the run entry point, refusals included.
type HistoryEntry struct {
	ID              string         `json:"id"`
	Success         bool           `json:"success"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	Duration        time.Duration  `json:"duration"`
	Trigger         TriggerKind    `json:"trigger"`
	Identity        string         `json:"identity,omitempty"`
	ItemsProcessed  int            `json:"items_processed"`
	Categories      map[string]int `json:"categories,omitempty"`
	Errors          []string       `json:"errors,omitempty"`
	ReportDelivered bool           `json:"report_delivered"`
}

// Tracker owns the current-execution slot and the bounded run history.
// All mutations go through one mutex; readers get snapshot copies so they
// never observe a record mid-mutation.
type Tracker struct {
	mu         sync.Mutex
	cur        *Record
	history    []HistoryEntry
	historyCap int // 0 = unbounded
}

// NewTracker creates a tracker keeping at most historyCap entries
// (0 keeps everything).
func NewTracker(historyCap int) *Tracker {
	if historyCap < 0 {
		historyCap = 0
	}
	return &Tracker{historyCap: historyCap}
}

// TryBegin atomically installs a new running record if the slot is empty.
// Check and install happen inside one critical section; callers must never
// pre-check Running() and then call TryBegin as two separate steps.
func (t *Tracker) TryBegin(trigger TriggerKind, identity string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur != nil {
		return Record{}, ErrBusy
	}
	rec := &Record{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		Identity:   identity,
		StartedAt:  time.Now(),
		Status:     StatusRunning,
		Stage:      StageInitializing,
		Categories: map[string]int{},
	}
	t.cur = rec
	return snapshotRecord(rec), nil
}

// Running reports whether an execution is in flight. Informational only;
// admission control is TryBegin.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil
}

// UpdateProgress advances the current record's stage and progress.
// Progress is clamped to be monotonically non-decreasing within a run.
func (t *Tracker) UpdateProgress(stage Stage, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.Stage = stage
	if progress > 1.0 {
		progress = 1.0
	}
	if progress > t.cur.Progress {
		t.cur.Progress = progress
	}
}

// SetCounts updates the current record's item and category counters.
func (t *Tracker) SetCounts(itemsProcessed int, categories map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.ItemsProcessed = itemsProcessed
	t.cur.Categories = copyCategories(categories)
}

// Fail marks the current record failed without touching its stage, so status
// queries can see where the run died.
func (t *Tracker) Fail(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.Status = StatusFailed
	t.cur.ErrorMessage = msg
}

// Finish appends the terminal entry to history and clears the current slot.
// The runner calls this from a defer so the slot is released on every path.
func (t *Tracker) Finish(entry HistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(entry)
	t.cur = nil
}

// RecordRefusal appends a history entry for a run request that was refused
// (busy) without ever owning the slot. The invariant "one history entry per
// returned run call" holds for refusals too.
func (t *Tracker) RecordRefusal(entry HistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(entry)
}

func (t *Tracker) appendLocked(entry HistoryEntry) {
	t.history = append(t.history, entry)
	if t.historyCap > 0 && len(t.history) > t.historyCap {
		t.history = t.history[len(t.history)-t.historyCap:]
	}
}

// Current returns a snapshot of the in-flight record, or ok=false when idle.
func (t *Tracker) Current() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return Record{}, false
	}
	return snapshotRecord(t.cur), true
}

// History returns up to limit entries, most recent first.
// limit <= 0 returns all.
func (t *Tracker) History(limit int) []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.history[i])
	}
	return out
}

// Len returns the total number of history entries currently retained.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

func snapshotRecord(r *Record) Record {
	cp := *r
	cp.Categories = copyCategories(r.Categories)
	return cp
}

func copyCategories(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
