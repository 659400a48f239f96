package ensemble

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/quorum/internal/model"
)

// voteClass is one payload-fingerprint equivalence class among the eligible
// votes, in first-appearance order.
type voteClass struct {
	fingerprint string
	votes       []int
	weight      float64
}

// tally resolves a round's outcome from its collected votes. Quorum is
// checked first: fewer than two verifiable candidates can never produce a
// winner, no matter how confident the survivor is.
func (a *Arbitrator) tally(ctx context.Context, round *model.ArbitrationRound, spec RoundSpec) model.RoundOutcome {
	eligible := round.EligibleVotes()
	if len(eligible) < 2 {
		a.log(LogLevelWarn, "quorum not met task=%s eligible=%d", round.TaskID, len(eligible))
		return model.RoundOutcome{
			Kind:       model.OutcomeHuman,
			WinnerVote: -1,
			Reason:     fmt.Sprintf("quorum not met: %d verifiable candidate(s), need 2", len(eligible)),
		}
	}

	classes := groupVotes(round, eligible, a.tierWeight)
	a.log(LogLevelDebug, "tally task=%s method=%s eligible=%d classes=%d",
		round.TaskID, round.Method, len(eligible), len(classes))

	switch round.Method {
	case model.VotingMajority:
		return a.tallyMajority(ctx, round, spec, classes, len(eligible))
	case model.VotingWeighted:
		return a.tallyWeighted(ctx, round, spec, classes)
	case model.VotingUnanimous:
		return a.tallyUnanimous(ctx, round, spec, classes, eligible)
	case model.VotingTieBreak:
		return a.tieBreak(ctx, round, spec, "tie_break voting configured for this depth")
	}
	return model.RoundOutcome{
		Kind:       model.OutcomeHuman,
		WinnerVote: -1,
		Reason:     fmt.Sprintf("unknown voting method %q", round.Method),
	}
}

// tallyMajority requires a class holding a strict majority of the eligible
// votes. A plain plurality or an exact split goes to the tie-break arbiter.
func (a *Arbitrator) tallyMajority(ctx context.Context, round *model.ArbitrationRound, spec RoundSpec, classes []voteClass, eligible int) model.RoundOutcome {
	best, tied := largestClass(classes)
	need := eligible/2 + 1
	if len(classes[best].votes) < need {
		return a.tieBreak(ctx, round, spec, fmt.Sprintf(
			"no majority: largest agreement is %d of %d verified candidates",
			len(classes[best].votes), eligible))
	}
	if tied {
		return a.tieBreak(ctx, round, spec, fmt.Sprintf(
			"majority tie: multiple classes at %d vote(s)", len(classes[best].votes)))
	}
	winner := classRepresentative(round, classes[best])
	return model.RoundOutcome{
		Kind:       model.OutcomeWinner,
		WinnerTier: round.Votes[winner].Tier,
		WinnerVote: winner,
		Reason: fmt.Sprintf("majority: %d of %d verified candidates agree on %s",
			len(classes[best].votes), eligible, classes[best].fingerprint),
	}
}

// weightedTieWindow sends near-ties to the arbiter instead of letting a
// rounding-level weight difference decide a round.
const weightedTieWindow = 0.95

func (a *Arbitrator) tallyWeighted(ctx context.Context, round *model.ArbitrationRound, spec RoundSpec, classes []voteClass) model.RoundOutcome {
	best := 0
	for i := range classes {
		if classes[i].weight > classes[best].weight {
			best = i
		}
	}
	for i := range classes {
		if i == best {
			continue
		}
		if classes[i].weight >= classes[best].weight*weightedTieWindow {
			return a.tieBreak(ctx, round, spec, fmt.Sprintf(
				"weighted near-tie: %.2f vs %.2f", classes[best].weight, classes[i].weight))
		}
	}
	winner := classRepresentative(round, classes[best])
	// A lone candidate cannot win on tier weight alone when its own
	// confidence is below the floor; nothing corroborates it.
	if len(classes[best].votes) == 1 && round.Votes[winner].Confidence < a.config.Arbitration.LowConfidence {
		return a.tieBreak(ctx, round, spec, fmt.Sprintf(
			"top-weighted candidate stands alone at confidence %.2f", round.Votes[winner].Confidence))
	}
	var total float64
	for i := range classes {
		total += classes[i].weight
	}
	return model.RoundOutcome{
		Kind:       model.OutcomeWinner,
		WinnerTier: round.Votes[winner].Tier,
		WinnerVote: winner,
		Reason: fmt.Sprintf("weighted: class %s carries %.2f of %.2f total weight",
			classes[best].fingerprint, classes[best].weight, total),
	}
}

func (a *Arbitrator) tallyUnanimous(ctx context.Context, round *model.ArbitrationRound, spec RoundSpec, classes []voteClass, eligible []int) model.RoundOutcome {
	if len(classes) > 1 {
		return a.tieBreak(ctx, round, spec, fmt.Sprintf(
			"unanimity failed: %d distinct candidates", len(classes)))
	}
	min := round.Votes[eligible[0]].Confidence
	for _, i := range eligible[1:] {
		if round.Votes[i].Confidence < min {
			min = round.Votes[i].Confidence
		}
	}
	if min < a.config.Arbitration.LowConfidence {
		return a.tieBreak(ctx, round, spec, fmt.Sprintf(
			"unanimous agreement but confidence %.2f is below the floor", min))
	}
	winner := classRepresentative(round, classes[0])
	return model.RoundOutcome{
		Kind:       model.OutcomeWinner,
		WinnerTier: round.Votes[winner].Tier,
		WinnerVote: winner,
		Reason:     fmt.Sprintf("unanimous: %d verified candidates agree", len(eligible)),
	}
}

// tieBreak escalates the round to the configured arbiter tier, which is shown
// every verified candidate and may pick one or synthesize its own. An
// unavailable or incoherent arbiter hands the round to a human.
func (a *Arbitrator) tieBreak(ctx context.Context, round *model.ArbitrationRound, spec RoundSpec, cause string) model.RoundOutcome {
	arbiter := model.Tier(a.config.Arbitration.ArbiterTier)
	if !arbiter.Valid() {
		return model.RoundOutcome{
			Kind:       model.OutcomeHuman,
			WinnerVote: -1,
			Reason:     fmt.Sprintf("%s; no valid arbiter tier configured", cause),
		}
	}
	a.log(LogLevelInfo, "tie-break task=%s arbiter=%s cause=%q", round.TaskID, arbiter, cause)

	workdir, err := a.stager.Stage(ctx, spec.Task, string(arbiter)+"-arbiter")
	if err != nil {
		return model.RoundOutcome{
			Kind:       model.OutcomeHuman,
			WinnerVote: -1,
			Reason:     fmt.Sprintf("%s; arbiter staging failed: %v", cause, err),
		}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, a.invokeTimeout(arbiter))
	defer cancel()
	cand, err := a.invoker.Invoke(invokeCtx, arbiter, InvokeRequest{
		TaskID:  spec.Task.ID,
		Prompt:  BuildArbiterPrompt(spec, round, cause),
		Workdir: workdir,
	})
	if err != nil {
		a.log(LogLevelWarn, "tie-break arbiter failed task=%s: %v", round.TaskID, err)
		return model.RoundOutcome{
			Kind:       model.OutcomeHuman,
			WinnerVote: -1,
			Reason:     fmt.Sprintf("%s; arbiter %s unavailable: %v", cause, arbiter, err),
		}
	}

	if pick, ok := parseArbiterPick(cand.Payload); ok {
		eligible := round.EligibleVotes()
		if pick < 1 || pick > len(eligible) {
			return model.RoundOutcome{
				Kind:       model.OutcomeHuman,
				WinnerVote: -1,
				Reason:     fmt.Sprintf("%s; arbiter picked out-of-range candidate %d", cause, pick),
			}
		}
		winner := eligible[pick-1]
		return model.RoundOutcome{
			Kind:       model.OutcomeWinner,
			WinnerTier: round.Votes[winner].Tier,
			WinnerVote: winner,
			TieBroken:  true,
			Reason:     fmt.Sprintf("%s; arbiter %s picked candidate %d", cause, arbiter, pick),
		}
	}

	// No pick line means the arbiter synthesized its own candidate. It gets
	// the same gate as everyone else: unverified output never wins.
	vote := model.Vote{
		Tier:               arbiter,
		Payload:            cand.Payload,
		Confidence:         cand.Confidence,
		DurationMS:         cand.DurationMS,
		PayloadFingerprint: model.ComputePayloadFingerprint(cand.Payload),
	}
	report, err := a.verify(ctx, workdir)
	if err != nil {
		vote.Excluded = fmt.Sprintf("verification error: %v", err)
	} else {
		vote.Report = report
		if report.AllGreen {
			vote.Verified = true
		} else {
			vote.Excluded = "verification failed: " + report.Summary()
		}
	}
	round.Votes = append(round.Votes, vote)
	if !vote.Verified {
		return model.RoundOutcome{
			Kind:       model.OutcomeHuman,
			WinnerVote: -1,
			Reason:     fmt.Sprintf("%s; arbiter synthesis rejected: %s", cause, vote.Excluded),
		}
	}
	return model.RoundOutcome{
		Kind:       model.OutcomeWinner,
		WinnerTier: arbiter,
		WinnerVote: len(round.Votes) - 1,
		TieBroken:  true,
		Reason:     fmt.Sprintf("%s; arbiter %s synthesized a verified candidate", cause, arbiter),
	}
}

// groupVotes builds equivalence classes over the eligible votes, keyed by
// payload fingerprint, preserving collection order.
func groupVotes(round *model.ArbitrationRound, eligible []int, weight func(model.Tier) float64) []voteClass {
	var classes []voteClass
	byFP := map[string]int{}
	for _, i := range eligible {
		fp := round.Votes[i].PayloadFingerprint
		ci, ok := byFP[fp]
		if !ok {
			ci = len(classes)
			byFP[fp] = ci
			classes = append(classes, voteClass{fingerprint: fp})
		}
		classes[ci].votes = append(classes[ci].votes, i)
		classes[ci].weight += weight(round.Votes[i].Tier)
	}
	return classes
}

// largestClass returns the index of the class with the most votes and
// whether another class matches its size.
func largestClass(classes []voteClass) (int, bool) {
	best, tied := 0, false
	for i := 1; i < len(classes); i++ {
		switch {
		case len(classes[i].votes) > len(classes[best].votes):
			best, tied = i, false
		case len(classes[i].votes) == len(classes[best].votes):
			tied = true
		}
	}
	return best, tied
}

// classRepresentative picks the vote that speaks for a class: highest
// confidence, then strongest tier.
func classRepresentative(round *model.ArbitrationRound, class voteClass) int {
	best := class.votes[0]
	for _, i := range class.votes[1:] {
		v, b := &round.Votes[i], &round.Votes[best]
		if v.Confidence > b.Confidence ||
			(v.Confidence == b.Confidence && v.Tier.Rank() > b.Tier.Rank()) {
			best = i
		}
	}
	return best
}

// tierWeight is the configured trust weight for a tier, with built-in
// defaults roughly tracking model capability.
func (a *Arbitrator) tierWeight(tier model.Tier) float64 {
	if w, ok := a.config.Arbitration.Weights[string(tier)]; ok && w > 0 {
		return w
	}
	switch tier {
	case model.TierFast:
		return 0.7
	case model.TierReasoning:
		return 0.85
	case model.TierCloud:
		return 1.0
	}
	return 1.0
}

var arbiterPickRe = regexp.MustCompile(`(?im)^\s*winner:\s*([0-9]+)\s*$`)

// parseArbiterPick extracts a "winner: N" line from the arbiter's reply.
func parseArbiterPick(payload string) (int, bool) {
	m := arbiterPickRe.FindStringSubmatch(payload)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}
