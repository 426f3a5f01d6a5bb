// Package report renders the analyzed digest as Telegram-flavored HTML.
package report

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"briefbot/internal/pipeline"
)

// Renderer produces the digest text. Output uses the HTML subset Telegram
// accepts (b, i, a, code); everything user-controlled is escaped.
type Renderer struct {
	// Now is swappable in tests.
	Now func() time.Time
}

func NewRenderer() *Renderer {
	return &Renderer{Now: time.Now}
}

func (r *Renderer) Render(categorized map[string][]pipeline.AnalyzedItem, status pipeline.FetchCycleStatus) (string, error) {
	var b strings.Builder

	now := r.Now()
	fmt.Fprintf(&b, "<b>Daily Brief - %s</b>\n", now.Format("Mon, 02 Jan 2006 15:04"))

	total := 0
	for _, items := range categorized {
		total += len(items)
	}
	if total == 0 {
		b.WriteString("\nNothing newsworthy in this window.\n")
	} else {
		// Categories sort by size, largest first; ties break alphabetically
		// so consecutive digests are comparable.
		for _, cat := range orderedCategories(categorized) {
			items := categorized[cat]
			fmt.Fprintf(&b, "\n<b>%s</b> (%d)\n", html.EscapeString(cat), len(items))
			for _, ai := range items {
				fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>\n", html.EscapeString(ai.Item.Link), html.EscapeString(ai.Item.Title))
				if ai.Summary != "" {
					fmt.Fprintf(&b, "  <i>%s</i>\n", html.EscapeString(ai.Summary))
				}
			}
		}
	}

	b.WriteString(renderFooter(status))
	return b.String(), nil
}

func orderedCategories(categorized map[string][]pipeline.AnalyzedItem) []string {
	cats := make([]string, 0, len(categorized))
	for cat := range categorized {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		li, lj := len(categorized[cats[i]]), len(categorized[cats[j]])
		if li != lj {
			return li > lj
		}
		return cats[i] < cats[j]
	})
	return cats
}

// renderFooter summarizes the fetch cycle: per-source health and timing.
func renderFooter(status pipeline.FetchCycleStatus) string {
	var b strings.Builder
	failed := 0
	for _, s := range status.Sources {
		if s.Status == pipeline.SourceError {
			failed++
		}
	}
	fmt.Fprintf(&b, "\n<i>%d items from %d sources in %s</i>\n",
		status.TotalItems, len(status.Sources), status.ExecutionTime.Round(time.Millisecond))
	if failed > 0 {
		fmt.Fprintf(&b, "<i>%d source(s) failed:</i>\n", failed)
		for _, s := range status.Sources {
			if s.Status == pipeline.SourceError {
				fmt.Fprintf(&b, "<i>  %s: %s</i>\n", html.EscapeString(s.Source), html.EscapeString(s.ErrorMessage))
			}
		}
	}
	return b.String()
}
