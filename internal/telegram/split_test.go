package telegram

import (
	"strings"
	"testing"
	"time"

	"briefbot/internal/execution"
)

func TestSplitTextShortMessage(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 4096)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
	if splitText("", 4096) != nil {
		t.Fatal("empty input should produce no chunks")
	}
}

func TestSplitTextPrefersLineBoundaries(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("0123456789\n", 10)
	chunks := splitText(text, 25)
	if len(chunks) < 4 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 25 {
			t.Fatalf("chunk %d exceeds limit: %q", i, c)
		}
		// Boundary splits keep whole lines.
		for _, line := range strings.Split(c, "\n") {
			if line != "0123456789" {
				t.Fatalf("chunk %d has broken line %q", i, line)
			}
		}
	}
}

func TestSplitTextHardSplitsLongLine(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 100)
	chunks := splitText(text, 30)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total != 100 {
		t.Fatalf("reassembled length = %d, want 100", total)
	}
}

func TestFormatEntry(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	ok := execution.HistoryEntry{
		Success:         true,
		StartedAt:       start,
		Trigger:         execution.TriggerScheduled,
		ItemsProcessed:  5,
		Duration:        90 * time.Second,
		ReportDelivered: true,
	}
	s := formatEntry(ok)
	if !strings.Contains(s, "✅") || !strings.Contains(s, "5 items") {
		t.Fatalf("formatEntry = %q", s)
	}
	if strings.Contains(s, "not delivered") {
		t.Fatalf("delivered entry flagged as not delivered: %q", s)
	}

	fallback := ok
	fallback.ReportDelivered = false
	if s := formatEntry(fallback); !strings.Contains(s, "not delivered") {
		t.Fatalf("fallback entry missing marker: %q", s)
	}

	failed := execution.HistoryEntry{
		Success:   false,
		StartedAt: start,
		Trigger:   execution.TriggerManual,
		Errors:    []string{"analyze: quota <exceeded>"},
	}
	s = formatEntry(failed)
	if !strings.Contains(s, "❌") {
		t.Fatalf("failed entry missing marker: %q", s)
	}
	if strings.Contains(s, "<exceeded>") {
		t.Fatalf("unescaped error text: %q", s)
	}
}

func TestIsOwner(t *testing.T) {
	t.Parallel()
	a := &Adapter{cfg: Config{OwnerUserIDs: []int64{10, 20}}}
	if !a.isOwner(10) || !a.isOwner(20) {
		t.Fatal("configured owners rejected")
	}
	if a.isOwner(30) {
		t.Fatal("stranger accepted")
	}
	empty := &Adapter{}
	if empty.isOwner(10) {
		t.Fatal("empty owner list must trust nobody")
	}
}
