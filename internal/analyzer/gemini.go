// Package analyzer classifies fetched content with Gemini. Items go out in
// batches; each comes back with a category, a one-line summary, and an
// ignore flag for noise.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"briefbot/internal/pipeline"
	logx "briefbot/pkg/logx"
)

type Config struct {
	APIKey    string
	Model     string
	BatchSize int
}

type Gemini struct {
	cfg    Config
	client *genai.Client
	log    logx.Logger
}

func NewGemini(ctx context.Context, cfg Config, log logx.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("analyzer: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("analyzer: model is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("analyzer: create client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client, log: log}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// BatchAnalyze classifies all items, issuing one model call per batch.
// The result slice is positionally aligned with the input; any batch error
// fails the whole call because partial classifications are worse than none.
func (g *Gemini) BatchAnalyze(ctx context.Context, items []pipeline.ContentItem) ([]pipeline.AnalysisResult, error) {
	results := make([]pipeline.AnalysisResult, 0, len(items))
	for start := 0; start < len(items); start += g.cfg.BatchSize {
		end := start + g.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch, err := g.analyzeBatch(ctx, items[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		results = append(results, batch...)
	}
	return results, nil
}

// batchResult mirrors the JSON shape the prompt asks the model for.
type batchResult struct {
	Index        int    `json:"index"`
	Category     string `json:"category"`
	Summary      string `json:"summary"`
	ShouldIgnore bool   `json:"should_ignore"`
}

func (g *Gemini) analyzeBatch(ctx context.Context, items []pipeline.ContentItem) ([]pipeline.AnalysisResult, error) {
	model := g.client.GenerativeModel(g.cfg.Model)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(buildPrompt(items)))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return nil, err
	}
	return parseBatch(text, len(items))
}

func buildPrompt(items []pipeline.ContentItem) string {
	var b strings.Builder
	b.WriteString(`You are a news analyst. For each numbered item below, produce a JSON array
with one object per item: {"index": <item number>, "category": "<short topic
label like Security, AI, Infrastructure>", "summary": "<one sentence>",
"should_ignore": <true if the item is spam, an ad, or has no news value>}.
Return ONLY the JSON array, indexes matching the input.

Items:
`)
	for i, it := range items {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i, it.Source, it.Title)
		if it.Summary != "" {
			fmt.Fprintf(&b, "   %s\n", it.Summary)
		}
	}
	return b.String()
}

// parseBatch decodes the model output and re-aligns it by index. A missing
// index yields an ignored slot rather than an error; a malformed payload
// fails the batch.
func parseBatch(text string, n int) ([]pipeline.AnalysisResult, error) {
	var raw []batchResult
	if err := json.Unmarshal([]byte(cleanJSONBlock(text)), &raw); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	results := make([]pipeline.AnalysisResult, n)
	seen := make([]bool, n)
	for _, r := range raw {
		if r.Index < 0 || r.Index >= n || seen[r.Index] {
			continue
		}
		seen[r.Index] = true
		results[r.Index] = pipeline.AnalysisResult{
			ShouldIgnore: r.ShouldIgnore,
			Category:     strings.TrimSpace(r.Category),
			Summary:      strings.TrimSpace(r.Summary),
		}
	}
	for i := range seen {
		if !seen[i] {
			results[i] = pipeline.AnalysisResult{ShouldIgnore: true}
		}
	}
	return results, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// cleanJSONBlock strips markdown code fences some models wrap JSON in.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
