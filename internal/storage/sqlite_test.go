package storage

import (
	"context"
	"testing"
	"time"

	"briefbot/internal/execution"
	"briefbot/internal/pipeline"
	logx "briefbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: t.TempDir(), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testItem(id string) pipeline.ContentItem {
	return pipeline.ContentItem{
		ID:        id,
		Source:    "https://example.com/feed",
		Title:     "title " + id,
		Link:      "https://example.com/" + id,
		Published: time.Now(),
		Summary:   "summary",
	}
}

func TestAddItemsIgnoresDuplicates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	added, err := st.AddItems(ctx, []pipeline.ContentItem{testItem("a"), testItem("b")})
	if err != nil {
		t.Fatalf("AddItems error: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	// Same ids again plus one new.
	added, err = st.AddItems(ctx, []pipeline.ContentItem{testItem("a"), testItem("b"), testItem("c")})
	if err != nil {
		t.Fatalf("AddItems error: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
}

func TestAddItemsEmpty(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	added, err := st.AddItems(context.Background(), nil)
	if err != nil || added != 0 {
		t.Fatalf("AddItems(nil) = %d, %v", added, err)
	}
}

func TestDeduplicateKeepsFreshItems(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.AddItems(ctx, []pipeline.ContentItem{testItem("a")}); err != nil {
		t.Fatalf("AddItems error: %v", err)
	}
	pruned, err := st.Deduplicate(ctx)
	if err != nil {
		t.Fatalf("Deduplicate error: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("pruned = %d, want 0 for fresh items", pruned)
	}
}

func TestSaveCycleStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.SaveCycleStatus(context.Background(), pipeline.FetchCycleStatus{
		StartedAt:     time.Now(),
		TotalItems:    3,
		ExecutionTime: 800 * time.Millisecond,
		Sources: []pipeline.PerSourceResult{
			{Source: "https://example.com/feed", Status: pipeline.SourceOK, ItemCount: 3},
		},
	})
	if err != nil {
		t.Fatalf("SaveCycleStatus error: %v", err)
	}
}

func TestSaveRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	entry := execution.HistoryEntry{
		ID:              "run-1",
		Success:         true,
		StartedAt:       time.Now().Add(-time.Minute),
		EndedAt:         time.Now(),
		Duration:        time.Minute,
		Trigger:         execution.TriggerScheduled,
		Identity:        "scheduler",
		ItemsProcessed:  7,
		Categories:      map[string]int{"ai": 4, "infra": 3},
		ReportDelivered: true,
	}
	if err := st.SaveRun(context.Background(), entry); err != nil {
		t.Fatalf("SaveRun error: %v", err)
	}
	// Primary key collision surfaces as an error, not a silent overwrite.
	if err := st.SaveRun(context.Background(), entry); err == nil {
		t.Fatal("expected error on duplicate run id")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestBackupWriter(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := NewBackupWriter(dir)
	w.now = func() time.Time { return time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC) }

	path, err := w.Write("<b>report</b>")
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if path == "" {
		t.Fatal("expected backup path")
	}

	// A later report must not clobber the first.
	w.now = func() time.Time { return time.Date(2025, 6, 2, 8, 31, 0, 0, time.UTC) }
	path2, err := w.Write("second")
	if err != nil {
		t.Fatalf("second Write error: %v", err)
	}
	if path2 == path {
		t.Fatal("expected distinct backup file names")
	}
}
