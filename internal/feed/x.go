package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"briefbot/internal/pipeline"
	logx "briefbot/pkg/logx"
)

// defaultNitterBase is the RSS bridge used to read X timelines without the
// official API. Overridable for self-hosted instances.
const defaultNitterBase = "https://nitter.net"

// XFetcher reads one X account's timeline through a Nitter RSS bridge.
type XFetcher struct {
	handle string
	base   string
	parser *gofeed.Parser
	log    logx.Logger
}

func NewXFetcher(handle string, log logx.Logger) *XFetcher {
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: fetchTimeout}
	p.UserAgent = "briefbot/1.0"
	return &XFetcher{
		handle: strings.TrimPrefix(strings.TrimSpace(handle), "@"),
		base:   defaultNitterBase,
		parser: p,
		log:    log,
	}
}

// SetBaseURL points the fetcher at a different Nitter instance.
func (f *XFetcher) SetBaseURL(base string) { f.base = strings.TrimRight(base, "/") }

func (f *XFetcher) Name() string { return "x:@" + f.handle }

func (f *XFetcher) Fetch(ctx context.Context, window time.Duration) ([]pipeline.ContentItem, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/rss", f.base, f.handle)
	feed, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("timeline @%s: %w", f.handle, err)
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
			Source:    f.Name(),
			Title:     strings.TrimSpace(it.Title),
			Link:      it.Link,
			Published: pub,
			Summary:   summaryOf(it),
		})
	}
	f.log.Debug("x timeline fetched",
		logx.String("handle", f.handle),
		logx.Int("in_window", len(items)))
	return items, nil
}
