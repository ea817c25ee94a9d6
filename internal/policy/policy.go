// Package policy decides whether a proposed tool invocation may run, based
// on the configured enforcement policy and the tool's verification status.
// Every path that cannot positively establish permission ends in Block.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned for enforcement configurations that must not
// be used to start a run.
var ErrInvalidConfig = errors.New("invalid enforcement config")

// EnforcementPolicy selects how strictly verification status is enforced.
// The zero value is invalid.
type EnforcementPolicy int

const (
	policyUnset EnforcementPolicy = iota
	// Strict blocks anything that is not Verified.
	Strict
	// Permissive turns unverified tools into warnings unless a flag blocks them.
	Permissive
	// Development is Permissive plus optional allowance for Skipped tools.
	Development
	// Disabled never blocks and never consults the trust anchor.
	Disabled
)

func (p EnforcementPolicy) String() string {
	switch p {
	case Strict:
		return "strict"
	case Permissive:
		return "permissive"
	case Development:
		return "development"
	case Disabled:
		return "disabled"
	default:
		return "invalid"
	}
}

// Valid reports whether p is one of the defined policies.
func (p EnforcementPolicy) Valid() bool {
	return p >= Strict && p <= Disabled
}

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (EnforcementPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return Strict, nil
	case "permissive":
		return Permissive, nil
	case "development", "dev":
		return Development, nil
	case "disabled", "off":
		return Disabled, nil
	default:
		return policyUnset, fmt.Errorf("%w: unknown enforcement policy %q", ErrInvalidConfig, s)
	}
}

// Config is the gate's enforcement configuration.
type Config struct {
	Policy                      EnforcementPolicy
	BlockFailedVerification     bool
	BlockPendingVerification    bool
	AllowSkippedInDev           bool
	MaxWarningsBeforeEscalation int
}

// DefaultConfig is Strict with a warning threshold of 3.
func DefaultConfig() Config {
	return Config{
		Policy:                      Strict,
		BlockFailedVerification:     true,
		MaxWarningsBeforeEscalation: 3,
	}
}

// Validate rejects configurations that cannot be enforced.
func (c Config) Validate() error {
	if !c.Policy.Valid() {
		return fmt.Errorf("%w: enforcement policy not set", ErrInvalidConfig)
	}
	if c.MaxWarningsBeforeEscalation < 0 {
		return fmt.Errorf("%w: max_warnings_before_escalation must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
// DECISIONS
// ============================================================================

// Decision is the gate's verdict on one invocation: Allow, Warn or Block.
type Decision interface {
	Verdict() string
	isDecision()
}

// Allow lets the invocation run.
type Allow struct{}

// Warn lets the invocation run and records Reason.
type Warn struct {
	Reason string
}

// Block stops the invocation before it reaches the executor.
type Block struct {
	Reason string
}

func (Allow) Verdict() string { return "allow" }
func (Warn) Verdict() string  { return "warn" }
func (Block) Verdict() string { return "block" }

func (Allow) isDecision() {}
func (Warn) isDecision()  {}
func (Block) isDecision() {}

// Reason returns the decision's reason, empty for Allow.
func Reason(d Decision) string {
	switch v := d.(type) {
	case Warn:
		return v.Reason
	case Block:
		return v.Reason
	}
	return ""
}

// Permits reports whether d lets the invocation run. Anything other than
// Allow or Warn, including nil, does not.
func Permits(d Decision) bool {
	switch d.(type) {
	case Allow, Warn:
		return true
	}
	return false
}

// ============================================================================
// ERRORS
// ============================================================================

// ErrInvocationBlocked is matched by errors.Is for every blocked invocation.
var ErrInvocationBlocked = errors.New("invocation blocked by policy")

// BlockedError carries the denied tool and the gate's reason.
type BlockedError struct {
	Tool   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("invocation of %q blocked: %s", e.Tool, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrInvocationBlocked }
