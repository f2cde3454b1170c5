// Package config loads ragmesh configuration from YAML.
//
// Environment references of the form ${NAME} are expanded before parsing, so
// secrets such as API keys can stay out of the file:
//
//	llm:
//	  provider: openai
//	  api_key: ${OPENAI_API_KEY}
//
// Missing sections keep the values from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Compaction CompactionConfig `yaml:"compaction"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Quality    QualityConfig    `yaml:"quality"`
	LLM        LLMConfig        `yaml:"llm"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EngineConfig bounds a single run.
type EngineConfig struct {
	MaxRetry          int           `yaml:"max_retry"`
	QualityMaxRetry   int           `yaml:"quality_max_retry"`
	MaxHops           int           `yaml:"max_hops"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	EventBuffer       int           `yaml:"event_buffer"`
	TopK              int           `yaml:"top_k"`
	MaxSubtasks       int           `yaml:"max_subtasks"`
	// HyDE expands vector queries with a model-written hypothetical answer.
	HyDE bool `yaml:"hyde"`
	// Sensitive lists capability names that require approval in addition
	// to those that declare it themselves.
	Sensitive []string `yaml:"sensitive"`
}

// CompactionConfig mirrors compaction.Options.
type CompactionConfig struct {
	Disabled           bool `yaml:"disabled"`
	DisableSummary     bool `yaml:"disable_summary"`
	SummarizeThreshold int  `yaml:"summarize_threshold"`
	Keep               int  `yaml:"keep"`
	SummaryMaxRunes    int  `yaml:"summary_max_runes"`
	CharThreshold      int  `yaml:"char_threshold"`
	CleanupThreshold   int  `yaml:"cleanup_threshold"`
	CleanupKeep        int  `yaml:"cleanup_keep"`
}

type ReflectionConfig struct {
	MinEvidenceScore float64 `yaml:"min_evidence_score"`
	ContextLimit     int     `yaml:"context_limit"`
}

type QualityConfig struct {
	Disabled     bool `yaml:"disabled"`
	PassTotal    int  `yaml:"pass_total"`
	FloorScore   int  `yaml:"floor_score"`
	ContextLimit int  `yaml:"context_limit"`
}

// LLMConfig selects the language model backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai | anthropic | compat | mock
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	MaxRetries  int     `yaml:"max_retries"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver"` // memory | sqlite
	DSN         string        `yaml:"dsn"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetry:          2,
			QualityMaxRetry:   2,
			MaxHops:           100,
			RunTimeout:        2 * time.Minute,
			MaxConcurrentRuns: 16,
			EventBuffer:       64,
			TopK:              5,
			MaxSubtasks:       5,
		},
		Compaction: CompactionConfig{
			SummarizeThreshold: 20,
			Keep:               4,
			SummaryMaxRunes:    200,
			CharThreshold:      3000,
			CleanupThreshold:   30,
			CleanupKeep:        20,
		},
		Reflection: ReflectionConfig{
			ContextLimit: 2000,
		},
		Quality: QualityConfig{
			PassTotal:    18,
			FloorScore:   2,
			ContextLimit: 3000,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		Store: StoreConfig{
			Driver:      "memory",
			LockTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, expands and validates the YAML file at path on top of
// Default.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a single YAML document over Default and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse: expected a single document")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	e := c.Engine
	if e.MaxRetry < 0 {
		add("engine.max_retry must be >= 0, got %d", e.MaxRetry)
	}
	if e.QualityMaxRetry < 0 {
		add("engine.quality_max_retry must be >= 0, got %d", e.QualityMaxRetry)
	}
	if e.MaxHops <= 0 {
		add("engine.max_hops must be > 0, got %d", e.MaxHops)
	}
	if e.RunTimeout < 0 {
		add("engine.run_timeout must not be negative")
	}
	if e.MaxConcurrentRuns < 0 {
		add("engine.max_concurrent_runs must be >= 0, got %d", e.MaxConcurrentRuns)
	}
	if e.EventBuffer < 0 {
		add("engine.event_buffer must be >= 0, got %d", e.EventBuffer)
	}
	if e.TopK <= 0 {
		add("engine.top_k must be > 0, got %d", e.TopK)
	}
	if e.MaxSubtasks <= 0 {
		add("engine.max_subtasks must be > 0, got %d", e.MaxSubtasks)
	}

	cp := c.Compaction
	if cp.Keep <= 0 {
		add("compaction.keep must be > 0, got %d", cp.Keep)
	}
	if cp.SummarizeThreshold <= cp.Keep {
		add("compaction.summarize_threshold (%d) must exceed compaction.keep (%d)", cp.SummarizeThreshold, cp.Keep)
	}
	if cp.CleanupThreshold > 0 && cp.CleanupKeep >= cp.CleanupThreshold {
		add("compaction.cleanup_keep (%d) must be below compaction.cleanup_threshold (%d)", cp.CleanupKeep, cp.CleanupThreshold)
	}

	if c.Reflection.MinEvidenceScore < 0 || c.Reflection.MinEvidenceScore > 1 {
		add("reflection.min_evidence_score must be within [0,1], got %g", c.Reflection.MinEvidenceScore)
	}
	if q := c.Quality; q.PassTotal < 5 || q.PassTotal > 25 {
		add("quality.pass_total must be within [5,25], got %d", q.PassTotal)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic", "compat", "mock":
	default:
		add("llm.provider must be one of openai, anthropic, compat, mock; got %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "compat" && c.LLM.BaseURL == "" {
		add("llm.base_url is required for the compat provider")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			add("store.dsn is required for the sqlite driver")
		}
	default:
		add("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ValidationError lists every invalid field found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}
