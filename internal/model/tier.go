package model

import "fmt"

// Tier is a capability level mapped to a concrete model/provider.
// Ordering is fixed: fast < reasoning < cloud.
type Tier string

const (
	TierFast      Tier = "fast"
	TierReasoning Tier = "reasoning"
	TierCloud     Tier = "cloud"
)

var tierRank = map[Tier]int{
	TierFast:      0,
	TierReasoning: 1,
	TierCloud:     2,
}

// TierOrder returns all tiers from weakest to strongest.
func TierOrder() []Tier {
	return []Tier{TierFast, TierReasoning, TierCloud}
}

// TopTier returns the strongest tier.
func TopTier() Tier {
	return TierCloud
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the tier's position in the escalation order (0 = weakest).
// Unknown tiers rank below fast so they never win a max comparison.
func (t Tier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// AtOrAbove reports whether t is at least as strong as other.
func (t Tier) AtOrAbove(other Tier) bool {
	return t.Rank() >= other.Rank()
}

// Next returns the next stronger tier and true, or the same tier and false
// if t is already the top tier.
func (t Tier) Next() (Tier, bool) {
	order := TierOrder()
	r := t.Rank()
	if r < 0 || r >= len(order)-1 {
		return t, false
	}
	return order[r+1], true
}

// MaxTier returns the stronger of a and b.
func MaxTier(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid tier: %q (want fast, reasoning, or cloud)", s)
	}
	return t, nil
}
