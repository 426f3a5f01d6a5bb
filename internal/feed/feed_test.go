package feed

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	logx "briefbot/pkg/logx"
)

func TestLinkIDStable(t *testing.T) {
	t.Parallel()
	a := linkID("https://example.com/post/1")
	b := linkID("https://example.com/post/1")
	c := linkID("https://example.com/post/2")
	if a != b {
		t.Fatalf("same link hashed differently: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("distinct links collided")
	}
	// Whitespace around a link is an artifact, not identity.
	if linkID(" https://example.com/post/1 ") != a {
		t.Fatal("surrounding whitespace changed identity")
	}
	if len(a) != 16 {
		t.Fatalf("id length = %d, want 16 hex chars", len(a))
	}
}

func TestItemTimePreference(t *testing.T) {
	t.Parallel()
	pub := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	upd := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if got := itemTime(&gofeed.Item{PublishedParsed: &pub, UpdatedParsed: &upd}); !got.Equal(pub) {
		t.Fatalf("itemTime = %v, want published", got)
	}
	if got := itemTime(&gofeed.Item{UpdatedParsed: &upd}); !got.Equal(upd) {
		t.Fatalf("itemTime = %v, want updated fallback", got)
	}
	if got := itemTime(&gofeed.Item{}); !got.IsZero() {
		t.Fatalf("itemTime = %v, want zero", got)
	}
}

func TestSummaryOf(t *testing.T) {
	t.Parallel()
	if got := summaryOf(&gofeed.Item{Description: "  desc  "}); got != "desc" {
		t.Fatalf("summaryOf = %q", got)
	}
	if got := summaryOf(&gofeed.Item{Content: "content body"}); got != "content body" {
		t.Fatalf("content fallback = %q", got)
	}
	long := strings.Repeat("a", 1000)
	if got := summaryOf(&gofeed.Item{Description: long}); len(got) != 500 {
		t.Fatalf("truncated length = %d, want 500", len(got))
	}
}

func TestSummaryOfTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	// 1 + 300*2 bytes: the 500-byte mark lands mid-rune, so a byte-offset
	// cut would leave a dangling UTF-8 continuation byte.
	got := summaryOf(&gofeed.Item{Description: "a" + strings.Repeat("é", 300)})
	if !utf8.ValidString(got) {
		t.Fatalf("summaryOf produced invalid UTF-8: %q", got)
	}
	if len(got) == 0 || len(got) > 500 {
		t.Fatalf("truncated length = %d, want 1..500", len(got))
	}
}

func TestXFetcherName(t *testing.T) {
	t.Parallel()
	f := NewXFetcher("@golang", logx.Nop())
	if f.Name() != "x:@golang" {
		t.Fatalf("Name = %q", f.Name())
	}
	// The handle normalizes whether or not the @ was supplied.
	if NewXFetcher("golang", logx.Nop()).Name() != "x:@golang" {
		t.Fatal("bare handle not normalized")
	}
}

func TestXFetcherBaseURL(t *testing.T) {
	t.Parallel()
	f := NewXFetcher("golang", logx.Nop())
	f.SetBaseURL("https://nitter.example.org/")
	if f.base != "https://nitter.example.org" {
		t.Fatalf("base = %q, want trailing slash stripped", f.base)
	}
}

func TestRSSFetcherName(t *testing.T) {
	t.Parallel()
	f := NewRSSFetcher("https://example.com/feed.xml", logx.Nop())
	if f.Name() != "https://example.com/feed.xml" {
		t.Fatalf("Name = %q", f.Name())
	}
}
