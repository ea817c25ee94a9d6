package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTLOOP_"

// ApplyEnv overrides fields from AGENTLOOP_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = b
		}
		return nil
	}
	integer := func(name string, dst *int) error {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}

	str("AGENT_ID", &c.Agent.ID)
	str("ENFORCEMENT_POLICY", &c.Enforcement.Policy)
	str("JOURNAL_DRIVER", &c.Journal.Driver)
	str("JOURNAL_DSN", &c.Journal.DSN)
	str("TRUST_MODE", &c.Trust.Mode)
	str("TRUST_URL", &c.Trust.URL)
	str("REDIS_ADDR", &c.Journal.Sinks.Redis.Addr)
	str("REDIS_PASSWORD", &c.Journal.Sinks.Redis.Password)
	str("PUBSUB_PROJECT", &c.Journal.Sinks.PubSub.ProjectID)
	str("PUBSUB_TOPIC", &c.Journal.Sinks.PubSub.TopicID)
	str("SERVER_ADDR", &c.Server.Addr)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	for _, err := range []error{
		boolean("BLOCK_FAILED_VERIFICATION", &c.Enforcement.BlockFailedVerification),
		boolean("BLOCK_PENDING_VERIFICATION", &c.Enforcement.BlockPendingVerification),
		boolean("ALLOW_SKIPPED_IN_DEV", &c.Enforcement.AllowSkippedInDev),
		boolean("TRACING_ENABLED", &c.Tracing.Enabled),
		integer("MAX_WARNINGS_BEFORE_ESCALATION", &c.Enforcement.MaxWarningsBeforeEscalation),
		integer("MAX_ITERATIONS", &c.Loop.MaxIterations),
		integer("CONTEXT_BUDGET", &c.Loop.ContextBudget),
		duration("CALL_TIMEOUT", &c.Loop.CallTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
