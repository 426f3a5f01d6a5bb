package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validJSON = `{
  "time_window_hours": 24,
  "execution_interval": "1h",
  "rss_sources": ["https://example.com/feed.xml"],
  "llm_config": {"api_key": "k", "model": "gemini-2.0-flash"},
  "storage": {"path": "./store"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}
}`

func TestLoadValidJSON(t *testing.T) {
	path := writeConfig(t, "config.json", validJSON)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.0-flash" {
		t.Fatalf("Model = %q", cfg.LLM.Model)
	}
	if got := cfg.Interval(); got != time.Hour {
		t.Fatalf("Interval = %v, want 1h", got)
	}
	if got := cfg.TimeWindow(); got != 24*time.Hour {
		t.Fatalf("TimeWindow = %v", got)
	}
	if got := cfg.EffectiveHistorySize(); got != DefaultHistorySize {
		t.Fatalf("EffectiveHistorySize = %d", got)
	}
}

func TestLoadYAML(t *testing.T) {
	body := `
rss_sources:
  - https://example.com/feed.xml
execution_interval: 30m
time_window_hours: 6
llm_config:
  api_key: k
  model: gemini-2.0-flash
storage:
  path: ./store
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
`
	path := writeConfig(t, "config.yaml", body)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Interval() != 30*time.Minute {
		t.Fatalf("Interval = %v", cfg.Interval())
	}
	if cfg.TimeWindow() != 6*time.Hour {
		t.Fatalf("TimeWindow = %v", cfg.TimeWindow())
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	body := strings.Replace(validJSON, `"rss_sources"`, `"rss_surces"`, 1)
	path := writeConfig(t, "config.json", body)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", validJSON+"{}")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvExecutionInterval, "90")
	t.Setenv(EnvTimeWindowHours, "3")

	path := writeConfig(t, "config.json", validJSON)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Interval() != 90*time.Second {
		t.Fatalf("Interval = %v, want 90s", cfg.Interval())
	}
	if cfg.TimeWindowHours != 3 {
		t.Fatalf("TimeWindowHours = %d, want 3", cfg.TimeWindowHours)
	}
}

func TestEnvOverrideMalformed(t *testing.T) {
	t.Setenv(EnvExecutionInterval, "soon")
	path := writeConfig(t, "config.json", validJSON)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for malformed env override")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			TimeWindowHours:   24,
			ExecutionInterval: "1h",
			RSSSources:        []string{"https://example.com/feed.xml"},
			LLM:               LLMConfig{APIKey: "k", Model: "m"},
			Storage:           StorageConfig{Path: "./store"},
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil sources", func(c *Config) { c.RSSSources = nil }},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }},
		{"missing model", func(c *Config) { c.LLM.Model = "" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"bad interval", func(c *Config) { c.ExecutionInterval = "yesterday" }},
		{"missing interval", func(c *Config) { c.ExecutionInterval = "" }},
		{"negative window", func(c *Config) { c.TimeWindowHours = -1 }},
		{"missing window", func(c *Config) { c.TimeWindowHours = 0 }},
		{"telegram without token", func(c *Config) { c.Telegram = &TelegramConfig{ChatID: 1} }},
		{"telegram without chat", func(c *Config) { c.Telegram = &TelegramConfig{Token: "t"} }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"bad daily_at", func(c *Config) { c.Scheduler.DailyAt = "noonish" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestXSourcesOnlyIsValid(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		TimeWindowHours:   24,
		ExecutionInterval: "1h",
		XSources:          []string{"@golang"},
		LLM:               LLMConfig{APIKey: "k", Model: "m"},
		Storage:           StorageConfig{Path: "./store"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("x-only config rejected: %v", err)
	}
}

func TestEffectiveHistorySize(t *testing.T) {
	t.Parallel()
	if got := (&Config{HistorySize: 0}).EffectiveHistorySize(); got != DefaultHistorySize {
		t.Fatalf("zero = %d", got)
	}
	if got := (&Config{HistorySize: -1}).EffectiveHistorySize(); got != 0 {
		t.Fatalf("negative = %d, want 0 (unbounded)", got)
	}
	if got := (&Config{HistorySize: 50}).EffectiveHistorySize(); got != 50 {
		t.Fatalf("explicit = %d", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 10s "); err != nil || d != 10*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "fast"); err == nil {
		t.Fatal("expected error for junk")
	}
}
