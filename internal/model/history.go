package model

// HistoryEntry is one append-only record in a task's escalation history:
// which attempt, at which tier, what the verifier saw, and what was decided.
// Entries are committed together with the report and decision for the attempt
// and never edited afterwards.
type HistoryEntry struct {
	Attempt      int      `yaml:"attempt"`
	Tier         Tier     `yaml:"tier"`
	Fingerprints []string `yaml:"fingerprints,omitempty"`
	Decision     Decision `yaml:"decision"`
	// RoundID links the entry to the arbitration round that produced or
	// followed its decision, when one ran.
	RoundID    string `yaml:"round_id,omitempty"`
	RecordedAt string `yaml:"recorded_at"`
}

// History is a task's escalation history ordered by attempt number.
type History []HistoryEntry

// Last returns the most recent entry, or nil for an empty history.
func (h History) Last() *HistoryEntry {
	if len(h) == 0 {
		return nil
	}
	return &h[len(h)-1]
}

// AttemptsAt counts committed attempts at the given tier. Escalation is
// monotonic, so this equals the length of the contiguous run at that tier.
func (h History) AttemptsAt(tier Tier) int {
	n := 0
	for _, e := range h {
		if e.Tier == tier {
			n++
		}
	}
	return n
}

// ArbitratedAt reports whether an arbitration round was already attempted at
// the given tier depth.
func (h History) ArbitratedAt(tier Tier) bool {
	for _, e := range h {
		if e.Tier != tier {
			continue
		}
		if e.RoundID != "" || e.Decision.Kind == DecisionArbitrate {
			return true
		}
	}
	return false
}

// Tiers returns the sequence of tiers visited, one per entry.
func (h History) Tiers() []Tier {
	tiers := make([]Tier, 0, len(h))
	for _, e := range h {
		tiers = append(tiers, e.Tier)
	}
	return tiers
}

// Monotonic reports whether the visited tier sequence never decreases.
func (h History) Monotonic() bool {
	for i := 1; i < len(h); i++ {
		if h[i].Tier.Rank() < h[i-1].Tier.Rank() {
			return false
		}
	}
	return true
}
