package analyzer

import (
	"context"
	"strings"
	"testing"

	"briefbot/internal/pipeline"
	logx "briefbot/pkg/logx"
)

func TestParseBatchAlignsByIndex(t *testing.T) {
	t.Parallel()
	raw := `[
		{"index": 1, "category": "AI", "summary": "second item", "should_ignore": false},
		{"index": 0, "category": "Security", "summary": "first item", "should_ignore": false}
	]`
	results, err := parseBatch(raw, 2)
	if err != nil {
		t.Fatalf("parseBatch error: %v", err)
	}
	if results[0].Category != "Security" || results[1].Category != "AI" {
		t.Fatalf("misaligned results: %+v", results)
	}
}

func TestParseBatchMissingIndexIgnored(t *testing.T) {
	t.Parallel()
	raw := `[{"index": 0, "category": "AI", "summary": "ok"}]`
	results, err := parseBatch(raw, 3)
	if err != nil {
		t.Fatalf("parseBatch error: %v", err)
	}
	if results[0].ShouldIgnore {
		t.Fatal("answered slot marked ignored")
	}
	// Slots the model skipped default to ignored rather than empty noise.
	if !results[1].ShouldIgnore || !results[2].ShouldIgnore {
		t.Fatalf("missing slots not ignored: %+v", results)
	}
}

func TestParseBatchOutOfRangeAndDuplicateIndexes(t *testing.T) {
	t.Parallel()
	raw := `[
		{"index": 5, "category": "Junk"},
		{"index": -1, "category": "Junk"},
		{"index": 0, "category": "AI", "summary": "kept"},
		{"index": 0, "category": "Override", "summary": "dropped"}
	]`
	results, err := parseBatch(raw, 1)
	if err != nil {
		t.Fatalf("parseBatch error: %v", err)
	}
	if results[0].Category != "AI" {
		t.Fatalf("first answer should win: %+v", results[0])
	}
}

func TestParseBatchMalformed(t *testing.T) {
	t.Parallel()
	if _, err := parseBatch("the items look fine to me", 1); err == nil {
		t.Fatal("expected error for non-JSON output")
	}
}

func TestParseBatchStripsCodeFence(t *testing.T) {
	t.Parallel()
	raw := "```json\n[{\"index\": 0, \"category\": \"AI\", \"summary\": \"s\"}]\n```"
	results, err := parseBatch(raw, 1)
	if err != nil {
		t.Fatalf("parseBatch error: %v", err)
	}
	if results[0].Category != "AI" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	items := []pipeline.ContentItem{
		{Source: "https://a.test/feed", Title: "Go 1.25 released", Summary: "runtime notes"},
		{Source: "x:@golang", Title: "gopher things"},
	}
	p := buildPrompt(items)
	if !strings.Contains(p, "0. [https://a.test/feed] Go 1.25 released") {
		t.Fatalf("prompt missing first item:\n%s", p)
	}
	if !strings.Contains(p, "1. [x:@golang] gopher things") {
		t.Fatalf("prompt missing second item:\n%s", p)
	}
	if !strings.Contains(p, "runtime notes") {
		t.Fatalf("prompt missing summary:\n%s", p)
	}
}

func TestNewGeminiRejectsMissingConfig(t *testing.T) {
	t.Parallel()
	// Constructed without a key or model; both must fail before any network.
	if _, err := NewGemini(context.Background(), Config{Model: "m"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := NewGemini(context.Background(), Config{APIKey: "k"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing model")
	}
}
