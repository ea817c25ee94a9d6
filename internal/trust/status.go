// Package trust models the verification status a trust anchor reports for a
// tool, and the anchors that report it.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// VerificationStatus is a closed set of outcomes: Verified, Failed, Pending,
// Skipped. Consumers must treat any other implementation, including nil, as
// unverified.
type VerificationStatus interface {
	Kind() string
	isVerificationStatus()
}

// Verified means the tool's identity was checked and accepted.
type Verified struct {
	Result string    `json:"result"`
	At     time.Time `json:"at"`
}

// Failed means verification ran and rejected the tool.
type Failed struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Pending means verification has not completed yet.
type Pending struct{}

// Skipped means verification was intentionally not performed.
type Skipped struct {
	Reason string `json:"reason"`
}

const (
	KindVerified = "verified"
	KindFailed   = "failed"
	KindPending  = "pending"
	KindSkipped  = "skipped"
)

func (Verified) Kind() string { return KindVerified }
func (Failed) Kind() string   { return KindFailed }
func (Pending) Kind() string  { return KindPending }
func (Skipped) Kind() string  { return KindSkipped }

func (Verified) isVerificationStatus() {}
func (Failed) isVerificationStatus()   {}
func (Pending) isVerificationStatus()  {}
func (Skipped) isVerificationStatus()  {}

// Anchor reports the current verification status of a tool. The gate calls
// it on every invocation and never caches the answer.
type Anchor interface {
	Status(ctx context.Context, toolID string) (VerificationStatus, error)
}

// AnchorFunc adapts a function to Anchor.
type AnchorFunc func(ctx context.Context, toolID string) (VerificationStatus, error)

func (f AnchorFunc) Status(ctx context.Context, toolID string) (VerificationStatus, error) {
	return f(ctx, toolID)
}

// StatusRecord is the wire form of a VerificationStatus.
type StatusRecord struct {
	Status string    `json:"status" yaml:"status"`
	Result string    `json:"result,omitempty" yaml:"result,omitempty"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	At     time.Time `json:"at,omitempty" yaml:"at,omitempty"`
}

// ToRecord flattens s for transport. A nil status becomes an empty record.
func ToRecord(s VerificationStatus) StatusRecord {
	switch v := s.(type) {
	case Verified:
		return StatusRecord{Status: KindVerified, Result: v.Result, At: v.At}
	case Failed:
		return StatusRecord{Status: KindFailed, Reason: v.Reason, At: v.At}
	case Pending:
		return StatusRecord{Status: KindPending}
	case Skipped:
		return StatusRecord{Status: KindSkipped, Reason: v.Reason}
	default:
		return StatusRecord{}
	}
}

// ToStatus converts the record back into a VerificationStatus.
func (r StatusRecord) ToStatus() (VerificationStatus, error) {
	switch r.Status {
	case KindVerified:
		return Verified{Result: r.Result, At: r.At}, nil
	case KindFailed:
		return Failed{Reason: r.Reason, At: r.At}, nil
	case KindPending:
		return Pending{}, nil
	case KindSkipped:
		return Skipped{Reason: r.Reason}, nil
	default:
		return nil, fmt.Errorf("unknown verification status %q", r.Status)
	}
}

// MarshalStatus encodes s as JSON.
func MarshalStatus(s VerificationStatus) ([]byte, error) {
	return json.Marshal(ToRecord(s))
}
