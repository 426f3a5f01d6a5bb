// Package feed implements the content sources: RSS feeds and X accounts
// (read through a Nitter RSS bridge). Each source produces ContentItems
// within a time window; failures stay local to the source.
package feed

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	"briefbot/internal/pipeline"
	logx "briefbot/pkg/logx"
)

const fetchTimeout = 30 * time.Second

// RSSFetcher reads a single RSS/Atom feed.
type RSSFetcher struct {
	url    string
	parser *gofeed.Parser
	log    logx.Logger
}

func NewRSSFetcher(url string, log logx.Logger) *RSSFetcher {
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: fetchTimeout}
	p.UserAgent = "briefbot/1.0"
	return &RSSFetcher{url: url, parser: p, log: log}
}

func (f *RSSFetcher) Name() string { return f.url }

func (f *RSSFetcher) Fetch(ctx context.Context, window time.Duration) ([]pipeline.ContentItem, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	feed, err := f.parser.ParseURLWithContext(f.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.url, err)
	}

	cutoff := time.Now().Add(-window)
	var items []pipeline.ContentItem
	for _, it := range feed.Items {
		pub := itemTime(it)
		if pub.IsZero() || pub.Before(cutoff) {
			continue
		}
		items = append(items, pipeline.ContentItem{
			ID:        linkID(it.Link),
			Source:    f.url,
			Title:     strings.TrimSpace(it.Title),
			Link:      it.Link,
			Published: pub,
			Summary:   summaryOf(it),
		})
	}
	f.log.Debug("rss fetched",
		logx.String("feed", f.url),
		logx.Int("total", len(feed.Items)),
		logx.Int("in_window", len(items)))
	return items, nil
}

func itemTime(it *gofeed.Item) time.Time {
	if it.PublishedParsed != nil {
		return *it.PublishedParsed
	}
	if it.UpdatedParsed != nil {
		return *it.UpdatedParsed
	}
	return time.Time{}
}

func summaryOf(it *gofeed.Item) string {
	s := strings.TrimSpace(it.Description)
	if s == "" {
		s = strings.TrimSpace(it.Content)
	}
	// Keep prompts small; the analyzer only needs a gist. The cut must land
	// on a rune boundary so truncation never produces invalid UTF-8.
	const max = 500
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// linkID derives a stable item identity from the canonical link, so the same
// story seen in two fetch cycles dedupes in storage.
func linkID(link string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(link)))
	return fmt.Sprintf("%016x", h.Sum64())
}
