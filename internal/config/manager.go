package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "briefbot/pkg/logx"
)

// Environment keys that override config file values at load time.
const (
	EnvExecutionInterval = "EXECUTION_INTERVAL" // seconds
	EnvTimeWindowHours   = "TIME_WINDOW_HOURS"
)

const (
	DefaultTimeWindowHours   = 24
	DefaultExecutionInterval = time.Hour
	DefaultHistorySize       = 200
	DefaultBatchSize         = 10
)

type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so a publish never races a close.
	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger

	// lastHash is the hash of the last committed config content, used to
	// suppress publishes when an editor fires multiple write events for
	// the same bytes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads and strictly decodes the config file. YAML files are coerced
// to JSON first so both formats share the unknown-field check.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses the file, applies environment overrides, validates, and
// commits the result as the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// applyEnvOverrides lets operators retune the two highest-churn knobs
// without editing the file. Malformed values are an error, not a silent
// fallback.
func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvExecutionInterval)); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("%s: want positive seconds, got %q", EnvExecutionInterval, v)
		}
		cfg.ExecutionInterval = (time.Duration(secs) * time.Second).String()
	}
	if v := strings.TrimSpace(os.Getenv(EnvTimeWindowHours)); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return fmt.Errorf("%s: want positive hours, got %q", EnvTimeWindowHours, v)
		}
		cfg.TimeWindowHours = hours
	}
	return nil
}

// Validate checks required keys and cross-field requirements. Zero values
// that have documented defaults are fine; contradictory values are not.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.TimeWindowHours <= 0 {
		return fmt.Errorf("time_window_hours is required and must be > 0")
	}
	d, err := ParseDurationField("execution_interval", cfg.ExecutionInterval)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("execution_interval is required and must be a positive duration")
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm_config.api_key is required")
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm_config.model is required")
	}
	if cfg.LLM.BatchSize < 0 {
		return fmt.Errorf("llm_config.batch_size must be >= 0")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if len(cfg.RSSSources) == 0 && len(cfg.XSources) == 0 {
		return fmt.Errorf("at least one of rss_sources or x_sources is required")
	}
	if t := cfg.Telegram; t != nil {
		if t.Token == "" {
			return fmt.Errorf("telegram.token is required when telegram is configured")
		}
		if t.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
		if t.RatePerSec < 0 {
			return fmt.Errorf("telegram.rate_per_sec must be >= 0")
		}
		if _, err := ParseDurationField("telegram.poll_timeout", t.PollTimeout); err != nil {
			return err
		}
	}
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if cfg.Scheduler.DailyAt != "" {
		var hh, mm int
		if _, err := fmt.Sscanf(cfg.Scheduler.DailyAt, "%d:%d", &hh, &mm); err != nil {
			return fmt.Errorf("scheduler.daily_at: want HH:MM, got %q", cfg.Scheduler.DailyAt)
		}
	}
	return nil
}

// ParseDurationField parses a duration-string config value, tagging errors
// with the field's config path. Empty means unset and parses to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = def
	}
	return d, nil
}

// Interval returns the execution interval. Validate guarantees loaded
// configs carry one; the default only guards hand-built Config values.
func (cfg *Config) Interval() time.Duration {
	d, err := ParseDurationField("execution_interval", cfg.ExecutionInterval)
	if err != nil || d <= 0 {
		return DefaultExecutionInterval
	}
	return d
}

// TimeWindow returns the effective fetch look-back window.
func (cfg *Config) TimeWindow() time.Duration {
	h := cfg.TimeWindowHours
	if h <= 0 {
		h = DefaultTimeWindowHours
	}
	return time.Duration(h) * time.Hour
}

// EffectiveHistorySize maps the config value onto the tracker cap:
// 0 → default, negative → unbounded.
func (cfg *Config) EffectiveHistorySize() int {
	switch {
	case cfg.HistorySize == 0:
		return DefaultHistorySize
	case cfg.HistorySize < 0:
		return 0
	default:
		return cfg.HistorySize
	}
}

func (cfg *Config) EffectiveBatchSize() int {
	if cfg.LLM.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return cfg.LLM.BatchSize
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives validated config updates from
// Watch. The channel is closed by Unsubscribe.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest; if the subscriber is behind, drop one stale
		// update to make room.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch follows the config file and publishes validated updates to
// subscribers. Invalid edits are logged and ignored; the committed config
// never regresses to a broken state. Blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	// Editors save in bursts; debounce so we parse a settled file.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := m.Parse()
		if err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
		if err := applyEnvOverrides(cfg); err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
		if err := Validate(cfg); err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
		h := hashConfig(cfg)
		m.mu.RLock()
		unchanged := h != 0 && h == m.lastHash
		m.mu.RUnlock()
		if unchanged {
			return
		}
		m.Commit(cfg)
		m.publish(cfg)
		m.log.Info("config reloaded", logx.String("path", m.path))
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("config watch: event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("config watch: error channel closed")
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}
