package model

import "fmt"

type DecisionKind string

const (
	DecisionRetry        DecisionKind = "retry"
	DecisionEscalate     DecisionKind = "escalate"
	DecisionArbitrate    DecisionKind = "arbitrate"
	DecisionRequestHuman DecisionKind = "request_human"
	DecisionAccept       DecisionKind = "accept"
)

var validDecisionKinds = map[DecisionKind]bool{
	DecisionRetry:        true,
	DecisionEscalate:     true,
	DecisionArbitrate:    true,
	DecisionRequestHuman: true,
	DecisionAccept:       true,
}

func (k DecisionKind) Valid() bool {
	return validDecisionKinds[k]
}

// Decision is the escalation engine's output for one attempt. Decisions are
// derived by the engine and committed with the history entry that justifies
// them; nothing else constructs one.
type Decision struct {
	Kind    DecisionKind `yaml:"kind"`
	TaskID  string       `yaml:"task_id"`
	Attempt int          `yaml:"attempt"`
	// Tier is the target tier for retry and escalate.
	Tier Tier `yaml:"tier,omitempty"`
	// TierSet is the arbitration tier set for arbitrate.
	TierSet []Tier `yaml:"tier_set,omitempty"`
	Reason  string `yaml:"reason,omitempty"`
}

// StatusAfter maps the decision to the task status it produces when applied.
func (d Decision) StatusAfter() TaskStatus {
	switch d.Kind {
	case DecisionRetry:
		return StatusInProgress
	case DecisionEscalate:
		return StatusEscalated
	case DecisionArbitrate:
		return StatusArbitrating
	case DecisionRequestHuman:
		return StatusAwaitingHuman
	case DecisionAccept:
		return StatusResolved
	}
	return StatusFailed
}

func (d Decision) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("invalid decision kind: %q", d.Kind)
	}
	if d.TaskID == "" {
		return fmt.Errorf("decision missing task_id")
	}
	if d.Attempt < 1 {
		return fmt.Errorf("decision attempt must be >= 1, got %d", d.Attempt)
	}
	switch d.Kind {
	case DecisionRetry, DecisionEscalate:
		if !d.Tier.Valid() {
			return fmt.Errorf("%s decision requires a valid target tier, got %q", d.Kind, d.Tier)
		}
	case DecisionArbitrate:
		if len(d.TierSet) < 2 {
			return fmt.Errorf("arbitrate decision requires a tier set of >= 2, got %d", len(d.TierSet))
		}
		for _, t := range d.TierSet {
			if !t.Valid() {
				return fmt.Errorf("arbitrate tier set contains invalid tier %q", t)
			}
		}
	}
	return nil
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionRetry:
		return fmt.Sprintf("retry(%s)", d.Tier)
	case DecisionEscalate:
		return fmt.Sprintf("escalate(%s, %s)", d.Tier, d.Reason)
	case DecisionArbitrate:
		return fmt.Sprintf("arbitrate(%v)", d.TierSet)
	case DecisionRequestHuman:
		return fmt.Sprintf("request_human(%s)", d.Reason)
	case DecisionAccept:
		return "accept"
	}
	return string(d.Kind)
}
