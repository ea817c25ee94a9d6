package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/ocx/agentloop/internal/circuitbreaker"
	"github.com/ocx/agentloop/internal/conversation"
	"github.com/ocx/agentloop/internal/inference"
	"github.com/ocx/agentloop/internal/loop"
	"github.com/ocx/agentloop/internal/policy"
	"github.com/ocx/agentloop/internal/trust"
)

// ErrInvalidConfig is returned for configurations that must not be used to
// start the runtime.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Loop        LoopConfig        `yaml:"loop"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Journal     JournalConfig     `yaml:"journal"`
	Trust       TrustConfig       `yaml:"trust"`
	Server      ServerConfig      `yaml:"server"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type AgentConfig struct {
	ID           string `yaml:"id"`
	SystemPrompt string `yaml:"system_prompt"`
}

type EnforcementConfig struct {
	Policy                      string `yaml:"enforcement_policy"`
	BlockFailedVerification     bool   `yaml:"block_failed_verification"`
	BlockPendingVerification    bool   `yaml:"block_pending_verification"`
	AllowSkippedInDev           bool   `yaml:"allow_skipped_in_dev"`
	MaxWarningsBeforeEscalation int    `yaml:"max_warnings_before_escalation"`
}

type LoopConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ContextBudget  int           `yaml:"context_budget"`
	TokenCounter   string        `yaml:"token_counter"`
	ResponseFormat string        `yaml:"response_format"`
	Retry          RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type BreakerConfig struct {
	FailureThreshold  uint32        `yaml:"failure_threshold"`
	Window            time.Duration `yaml:"window"`
	CoolDown          time.Duration `yaml:"cool_down"`
	MaxCoolDown       time.Duration `yaml:"max_cool_down"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type JournalConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver     string      `yaml:"driver"`
	DSN        string      `yaml:"dsn"`
	SinkBuffer int         `yaml:"sink_buffer"`
	Sinks      SinksConfig `yaml:"sinks"`
}

type SinksConfig struct {
	Redis     RedisSinkConfig  `yaml:"redis"`
	PubSub    PubSubSinkConfig `yaml:"pubsub"`
	// WebSocket enables the /ws/journal stream of the serve command.
	WebSocket bool             `yaml:"websocket"`
}

type RedisSinkConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	PerRun   bool   `yaml:"per_run"`
}

type PubSubSinkConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type TrustConfig struct {
	// Mode is static or http.
	Mode     string                        `yaml:"mode"`
	URL      string                        `yaml:"url"`
	Timeout  time.Duration                 `yaml:"timeout"`
	Statuses map[string]trust.StatusRecord `yaml:"statuses"`
	Fallback *trust.StatusRecord           `yaml:"fallback"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given: strict
// enforcement, an in-memory journal and a static trust anchor with no tools.
func Default() *Config {
	retry := inference.DefaultRetryPolicy()
	breaker := circuitbreaker.DefaultConfig()
	return &Config{
		Agent: AgentConfig{ID: "agent"},
		Enforcement: EnforcementConfig{
			Policy:                      "strict",
			BlockFailedVerification:     true,
			MaxWarningsBeforeEscalation: 3,
		},
		Loop: LoopConfig{
			MaxIterations: 10,
			CallTimeout:   30 * time.Second,
			TokenCounter:  "heuristic",
			Retry: RetryConfig{
				MaxAttempts:     retry.MaxAttempts,
				InitialInterval: retry.InitialInterval,
				MaxInterval:     retry.MaxInterval,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  breaker.FailureThreshold,
			Window:            breaker.Window,
			CoolDown:          breaker.CoolDown,
			MaxCoolDown:       breaker.MaxCoolDown,
			BackoffMultiplier: breaker.BackoffMultiplier,
		},
		Journal: JournalConfig{Driver: "memory", SinkBuffer: 100},
		Trust:   TrustConfig{Mode: "static", Timeout: 5 * time.Second},
		Server:  ServerConfig{Addr: ":8090"},
		Tracing: TracingConfig{Protocol: "grpc", ServiceName: "agentloop", SampleRate: 1},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path over the defaults, applies AGENTLOOP_* environment
// overrides and validates the result. An empty path uses the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	err := yaml.NewDecoder(r).Decode(c)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks every section and the settings derived from them.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.ID) == "" {
		return fmt.Errorf("%w: agent.id is required", ErrInvalidConfig)
	}
	if _, err := c.EnforcementSettings(); err != nil {
		return fmt.Errorf("%w: enforcement: %w", ErrInvalidConfig, err)
	}
	switch c.Loop.TokenCounter {
	case "", "heuristic", "tiktoken":
	default:
		return fmt.Errorf("%w: loop: unknown token counter %q", ErrInvalidConfig, c.Loop.TokenCounter)
	}
	if err := c.loopBase().Validate(); err != nil {
		return fmt.Errorf("%w: loop: %w", ErrInvalidConfig, err)
	}
	if err := c.BreakerSettings().Validate(); err != nil {
		return fmt.Errorf("%w: breaker: %w", ErrInvalidConfig, err)
	}

	switch c.Journal.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Journal.DSN == "" {
			return fmt.Errorf("%w: journal.dsn is required for the %s driver", ErrInvalidConfig, c.Journal.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown journal driver %q", ErrInvalidConfig, c.Journal.Driver)
	}
	if c.Journal.SinkBuffer < 0 {
		return fmt.Errorf("%w: journal.sink_buffer must not be negative", ErrInvalidConfig)
	}
	if p := c.Journal.Sinks.PubSub; (p.ProjectID == "") != (p.TopicID == "") {
		return fmt.Errorf("%w: journal.sinks.pubsub needs both project_id and topic_id", ErrInvalidConfig)
	}

	switch c.Trust.Mode {
	case "static":
		if _, err := c.StaticStatuses(); err != nil {
			return fmt.Errorf("%w: trust: %w", ErrInvalidConfig, err)
		}
	case "http":
		if c.Trust.URL == "" {
			return fmt.Errorf("%w: trust.url is required in http mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown trust mode %q", ErrInvalidConfig, c.Trust.Mode)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("%w: tracing.protocol must be grpc or http", ErrInvalidConfig)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("%w: tracing.sample_rate must be within [0, 1]", ErrInvalidConfig)
		}
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format must be json or text", ErrInvalidConfig)
	}
	return nil
}

// EnforcementSettings converts the enforcement section for the policy gate.
func (c *Config) EnforcementSettings() (policy.Config, error) {
	p, err := policy.ParsePolicy(c.Enforcement.Policy)
	if err != nil {
		return policy.Config{}, err
	}
	pc := policy.Config{
		Policy:                      p,
		BlockFailedVerification:     c.Enforcement.BlockFailedVerification,
		BlockPendingVerification:    c.Enforcement.BlockPendingVerification,
		AllowSkippedInDev:           c.Enforcement.AllowSkippedInDev,
		MaxWarningsBeforeEscalation: c.Enforcement.MaxWarningsBeforeEscalation,
	}
	return pc, pc.Validate()
}

// LoopSettings converts the loop section for the runner. The tiktoken
// counter loads its encoding here.
func (c *Config) LoopSettings() (loop.Config, error) {
	lc := c.loopBase()
	counter, err := conversation.NewCounter(c.Loop.TokenCounter)
	if err != nil {
		return loop.Config{}, err
	}
	lc.Counter = counter
	return lc, lc.Validate()
}

func (c *Config) loopBase() loop.Config {
	return loop.Config{
		MaxIterations:  c.Loop.MaxIterations,
		CallTimeout:    c.Loop.CallTimeout,
		ContextBudget:  c.Loop.ContextBudget,
		ResponseFormat: c.Loop.ResponseFormat,
		Retry: inference.RetryPolicy{
			MaxAttempts:     c.Loop.Retry.MaxAttempts,
			InitialInterval: c.Loop.Retry.InitialInterval,
			MaxInterval:     c.Loop.Retry.MaxInterval,
		},
	}
}

// BreakerSettings converts the breaker section.
func (c *Config) BreakerSettings() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:  c.Breaker.FailureThreshold,
		Window:            c.Breaker.Window,
		CoolDown:          c.Breaker.CoolDown,
		MaxCoolDown:       c.Breaker.MaxCoolDown,
		BackoffMultiplier: c.Breaker.BackoffMultiplier,
	}
}

// StaticStatuses converts the configured verification records.
func (c *Config) StaticStatuses() (map[string]trust.VerificationStatus, error) {
	out := make(map[string]trust.VerificationStatus, len(c.Trust.Statuses))
	for tool, rec := range c.Trust.Statuses {
		s, err := rec.ToStatus()
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool, err)
		}
		out[tool] = s
	}
	if c.Trust.Fallback != nil {
		if _, err := c.Trust.Fallback.ToStatus(); err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
	}
	return out, nil
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
