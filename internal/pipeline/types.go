package pipeline

import (
	"context"
	"time"
)

// ContentItem is one piece of fetched content, normalized across source kinds.
type ContentItem struct {
	ID        string    `json:"id"` // stable hash of the item link
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Published time.Time `json:"published"`
	Summary   string    `json:"summary,omitempty"`
}

// SourceStatus is the outcome of fetching a single configured source.
type SourceStatus string

const (
	SourceOK    SourceStatus = "ok"
	SourceError SourceStatus = "error"
)

// PerSourceResult records one source's contribution to a fetch cycle.
type PerSourceResult struct {
	Source       string       `json:"source"`
	Status       SourceStatus `json:"status"`
	ItemCount    int          `json:"item_count"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// FetchCycleStatus aggregates the fetch stage of one run. It is handed to the
// renderer (status footer) and to persistence.
type FetchCycleStatus struct {
	Sources       []PerSourceResult `json:"sources"`
	TotalItems    int               `json:"total_items"`
	ExecutionTime time.Duration     `json:"execution_time"`
	StartedAt     time.Time         `json:"started_at"`
}

// AnalysisResult is the analyzer's verdict for one content item.
type AnalysisResult struct {
	ShouldIgnore bool   `json:"should_ignore"`
	Category     string `json:"category"`
	Summary      string `json:"summary,omitempty"`
}

// AnalyzedItem pairs an item with its analysis, post-filtering.
type AnalyzedItem struct {
	Item     ContentItem
	Category string
	Summary  string
}

// DeliveryResult is the deliverer's outcome for one report.
type DeliveryResult struct {
	Success      bool
	MessageID    string
	ErrorMessage string
}

// Collaborator contracts consumed by the pipeline runner. The runner owns no
// I/O of its own; each stage delegates to one of these.

type Fetcher interface {
	// Name identifies the source in logs and PerSourceResults.
	Name() string
	// Fetch returns items published within the given window, newest last.
	Fetch(ctx context.Context, window time.Duration) ([]ContentItem, error)
}

type Analyzer interface {
	BatchAnalyze(ctx context.Context, items []ContentItem) ([]AnalysisResult, error)
}

type Renderer interface {
	Render(categorized map[string][]AnalyzedItem, status FetchCycleStatus) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, report string) DeliveryResult
}

type Store interface {
	AddItems(ctx context.Context, items []ContentItem) (int, error)
	Deduplicate(ctx context.Context) (int, error)
	SaveCycleStatus(ctx context.Context, status FetchCycleStatus) error
	Close() error
}
