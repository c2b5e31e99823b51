// Package contracts defines the shared vocabulary of the execution
// membrane: action types, decision records, validation tiers, and the
// lifecycle rules that hold between them. Everything here is plain data;
// orchestration lives in pkg/membrane and persistence in pkg/journal.
package contracts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType identifies the kind of side effect a guarded operation performs.
type ActionType string

// Action types known to the default registry. Callers may register their
// own; these are the ones the built-in wrappers emit.
const (
	ActionCommandExec ActionType = "command_exec"
	ActionFileWrite   ActionType = "file_write"
	ActionFileDelete  ActionType = "file_delete"
	ActionJSONWrite   ActionType = "json_write"
	ActionHTTPRequest ActionType = "http_request"
)

// Status is the lifecycle state of a decision record.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Tier grades a completed action. Success means the expected outcome was
// observed, Fail means it was not, Acceptable means the outcome deviated
// from the expectation but is still usable.
type Tier string

const (
	TierSuccess    Tier = "success"
	TierFail       Tier = "fail"
	TierAcceptable Tier = "acceptable"
)

// Evidence carries validator observations (exit codes, sizes, truncated
// output). Values must be JSON-serializable.
type Evidence map[string]any

// PolicyCheckStamp marks records produced through the guarded path so
// downstream consumers can tell them from unguarded writes.
const PolicyCheckStamp = "pass"

// ErrAlreadyTerminal is returned when code attempts a second terminal
// transition on a decision record.
var ErrAlreadyTerminal = errors.New("decision record already terminal")

// DecisionRecord is the audit unit of the membrane: one record per guarded
// call, opened before the side effect runs and closed exactly once after
// validation. Terminal records are immutable and are the only ones that
// ever reach a journal.
//
//nolint:govet // fieldalignment: struct layout mirrors the journal line
type DecisionRecord struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Lane            string     `json:"lane"`
	ActionType      ActionType `json:"action_type"`
	ExpectedOutcome string     `json:"expected_outcome"`

	// ConfidencePre is the caller's declared confidence in [0,1] before
	// the action runs. ConfidencePost is derived at completion and stays
	// nil for open and failed records.
	ConfidencePre  float64  `json:"confidence_pre"`
	ConfidencePost *float64 `json:"confidence_post,omitempty"`

	Status             Status            `json:"status"`
	ValidationTier     Tier              `json:"validation_tier,omitempty"`
	ValidationEvidence Evidence          `json:"validation_evidence,omitempty"`
	PolicyCheck        map[string]string `json:"policy_check"`
	Metadata           Evidence          `json:"metadata,omitempty"`
	Error              string            `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewDecisionRecord opens a record for a guarded call. The caller supplies
// the creation instant so tests can pin time.
func NewDecisionRecord(at time.Time, taskID, lane string, action ActionType, expectedOutcome string, confidencePre float64, metadata Evidence) *DecisionRecord {
	return &DecisionRecord{
		ID:              uuid.New().String(),
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      action,
		ExpectedOutcome: expectedOutcome,
		ConfidencePre:   confidencePre,
		Status:          StatusOpen,
		PolicyCheck:     map[string]string{"executive_guardian": PolicyCheckStamp},
		Metadata:        metadata,
		CreatedAt:       at.UTC(),
	}
}

// Terminal reports whether the record has reached completed or failed.
func (d *DecisionRecord) Terminal() bool {
	return d.Status == StatusCompleted || d.Status == StatusFailed
}

// Complete closes the record with a validation verdict. It is the only
// transition that sets ConfidencePost and ValidationTier.
func (d *DecisionRecord) Complete(at time.Time, tier Tier, evidence Evidence, confidencePost float64) error {
	if d.Terminal() {
		return fmt.Errorf("complete %s: %w", d.ID, ErrAlreadyTerminal)
	}
	cp := clamp01(confidencePost)
	ts := at.UTC()
	d.Status = StatusCompleted
	d.ValidationTier = tier
	d.ValidationEvidence = evidence
	d.ConfidencePost = &cp
	d.CompletedAt = &ts
	return nil
}

// Fail closes the record without a validation verdict: the action never
// ran to completion (lock timeout, execution fault). The reason lands in
// Error and the evidence explains what happened.
func (d *DecisionRecord) Fail(at time.Time, reason string, evidence Evidence) error {
	if d.Terminal() {
		return fmt.Errorf("fail %s: %w", d.ID, ErrAlreadyTerminal)
	}
	ts := at.UTC()
	d.Status = StatusFailed
	d.Error = reason
	d.ValidationEvidence = evidence
	d.CompletedAt = &ts
	return nil
}

// Clone returns a deep-enough copy for handing records across goroutine
// boundaries. Evidence maps are copied one level deep.
func (d *DecisionRecord) Clone() *DecisionRecord {
	c := *d
	if d.ConfidencePost != nil {
		cp := *d.ConfidencePost
		c.ConfidencePost = &cp
	}
	if d.CompletedAt != nil {
		ts := *d.CompletedAt
		c.CompletedAt = &ts
	}
	c.ValidationEvidence = cloneEvidence(d.ValidationEvidence)
	c.Metadata = cloneEvidence(d.Metadata)
	if d.PolicyCheck != nil {
		c.PolicyCheck = make(map[string]string, len(d.PolicyCheck))
		for k, v := range d.PolicyCheck {
			c.PolicyCheck[k] = v
		}
	}
	return &c
}

func cloneEvidence(ev Evidence) Evidence {
	if ev == nil {
		return nil
	}
	out := make(Evidence, len(ev))
	for k, v := range ev {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
