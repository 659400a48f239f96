package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Vote is one model's candidate output for an arbitration round, together
// with its independent verification result. Failed candidates stay in the
// round record for audit with Excluded set.
type Vote struct {
	Tier    Tier   `yaml:"tier"`
	Payload string `yaml:"payload,omitempty"`
	// Confidence is the model's self-reported confidence in [0,1]; collection
	// substitutes a neutral 0.5 when the model reports none.
	Confidence float64             `yaml:"confidence"`
	Report     *VerificationReport `yaml:"report,omitempty"`
	Verified   bool                `yaml:"verified"`
	// Excluded carries the reason a vote does not participate in voting
	// (invocation error, timeout, failed verification).
	Excluded string `yaml:"excluded,omitempty"`
	// PayloadFingerprint is the normalized-payload hash used to build
	// equivalence classes, computed once at collection time.
	PayloadFingerprint string `yaml:"payload_fingerprint,omitempty"`
	DurationMS         int64  `yaml:"duration_ms"`
}

// ComputePayloadFingerprint hashes a candidate payload after normalization,
// so two models proposing the same change land in one equivalence class.
// Normalization drops blank lines and trailing whitespace; anything stronger
// (reordered hunks, comment changes) is a genuinely different candidate.
func ComputePayloadFingerprint(payload string) string {
	h := sha256.New()
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type VotingMethod string

const (
	VotingMajority  VotingMethod = "majority"
	VotingWeighted  VotingMethod = "weighted"
	VotingUnanimous VotingMethod = "unanimous"
	VotingTieBreak  VotingMethod = "tie_break"
)

var validVotingMethods = map[VotingMethod]bool{
	VotingMajority:  true,
	VotingWeighted:  true,
	VotingUnanimous: true,
	VotingTieBreak:  true,
}

func (m VotingMethod) Valid() bool {
	return validVotingMethods[m]
}

// ParseVotingMethod parses a configured method name.
func ParseVotingMethod(s string) (VotingMethod, error) {
	m := VotingMethod(strings.ToLower(s))
	if !m.Valid() {
		return "", fmt.Errorf("invalid voting method: %q", s)
	}
	return m, nil
}

type RoundOutcomeKind string

const (
	// OutcomeWinner means voting produced a single winning candidate.
	OutcomeWinner RoundOutcomeKind = "winner"
	// OutcomeHuman means the round could not produce a winner (quorum not
	// met, tie-break arbiter unavailable, or unanimity failed terminally).
	OutcomeHuman RoundOutcomeKind = "human"
)

// RoundOutcome is the resolution of one arbitration round.
type RoundOutcome struct {
	Kind       RoundOutcomeKind `yaml:"kind"`
	WinnerTier Tier             `yaml:"winner_tier,omitempty"`
	// WinnerVote indexes Votes for the winning candidate; -1 when none.
	WinnerVote int    `yaml:"winner_vote"`
	Reason     string `yaml:"reason,omitempty"`
	// TieBroken marks an outcome produced by the tie-break arbiter rather
	// than the primary voting method.
	TieBroken bool `yaml:"tie_broken,omitempty"`
}

// ArbitrationRound groups all votes for one task at one escalation depth.
type ArbitrationRound struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	ID      string       `yaml:"id"`
	TaskID  string       `yaml:"task_id"`
	Attempt int          `yaml:"attempt"` // attempt whose arbitrate decision opened the round
	Tier    Tier         `yaml:"tier"`    // escalation depth the round ran at
	TierSet []Tier       `yaml:"tier_set"`
	Method  VotingMethod `yaml:"method"`
	Votes   []Vote       `yaml:"votes"`
	Outcome RoundOutcome `yaml:"outcome"`

	CreatedAt string `yaml:"created_at"`
}

const RoundFileType = "round"

func (r *ArbitrationRound) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("round missing id")
	}
	if r.TaskID == "" {
		return fmt.Errorf("round %s missing task_id", r.ID)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("round %s has invalid voting method %q", r.ID, r.Method)
	}
	if r.Outcome.Kind == OutcomeWinner {
		if r.Outcome.WinnerVote < 0 || r.Outcome.WinnerVote >= len(r.Votes) {
			return fmt.Errorf("round %s winner_vote %d out of range (%d votes)",
				r.ID, r.Outcome.WinnerVote, len(r.Votes))
		}
	}
	return nil
}

// Winner returns the winning vote, or nil when the outcome is not a win.
func (r *ArbitrationRound) Winner() *Vote {
	if r.Outcome.Kind != OutcomeWinner {
		return nil
	}
	if r.Outcome.WinnerVote < 0 || r.Outcome.WinnerVote >= len(r.Votes) {
		return nil
	}
	return &r.Votes[r.Outcome.WinnerVote]
}

// EligibleVotes returns the votes that passed verification and are not
// excluded, i.e. the voting population.
func (r *ArbitrationRound) EligibleVotes() []int {
	var idx []int
	for i := range r.Votes {
		if r.Votes[i].Verified && r.Votes[i].Excluded == "" {
			idx = append(idx, i)
		}
	}
	return idx
}
