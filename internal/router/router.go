// Package router recommends a capability tier from a task's diagnostic mix
// and metadata. The recommendation is advisory: the escalation engine decides
// whether a tier change happens, the router only proposes where to land, and
// ties always break toward the stronger tier.
package router

import (
	"fmt"
	"strings"

	"github.com/msageha/quorum/internal/model"
)

// Metadata is the slice of the task payload the router screens. The decision
// core otherwise treats the payload as opaque.
type Metadata struct {
	Description string
	Constraints []string
}

// Recommendation is the router's output for one report.
type Recommendation struct {
	Tier   model.Tier
	Reason string
}

// Router is stateless; classification is a pure function of the report,
// metadata, and configuration.
type Router struct {
	cfg model.RouterConfig
}

func New(cfg model.RouterConfig) *Router {
	if cfg.MultiFileThreshold <= 0 {
		cfg.MultiFileThreshold = 8
	}
	if cfg.DiversityThreshold <= 0 {
		cfg.DiversityThreshold = 4
	}
	return &Router{cfg: cfg}
}

// categoryTiers maps each diagnostic category to the weakest tier expected to
// handle it. Mechanical fixes go fast; ownership, trait, and concurrency work
// needs a reasoning model. Unclassified diagnostics route to reasoning since
// their difficulty is unknown.
var categoryTiers = map[model.Category]model.Tier{
	model.CategorySyntax:           model.TierFast,
	model.CategoryTypeMismatch:     model.TierFast,
	model.CategoryMissingImport:    model.TierFast,
	model.CategoryFormatViolation:  model.TierFast,
	model.CategoryLintViolation:    model.TierFast,
	model.CategoryBorrowLifetime:   model.TierReasoning,
	model.CategoryTraitBound:       model.TierReasoning,
	model.CategoryAsyncConcurrency: model.TierReasoning,
	model.CategoryTestFailure:      model.TierReasoning,
	model.CategoryOther:            model.TierReasoning,
}

func categoryTier(c model.Category) model.Tier {
	if t, ok := categoryTiers[c]; ok {
		return t
	}
	return model.TierReasoning
}

// riskScreens are keyword floors applied to the task description and
// constraints. A match raises the recommendation floor; it never lowers a
// tier the diagnostics already justify.
var riskScreens = []struct {
	label    string
	floor    model.Tier
	keywords []string
}{
	{"security-sensitive", model.TierCloud, []string{"auth", "password", "token", "secret", "crypto", "encrypt"}},
	{"architecture scope", model.TierCloud, []string{"architect", "redesign", "restructure"}},
	{"unsafe code", model.TierReasoning, []string{"unsafe"}},
	{"data loss", model.TierReasoning, []string{"delete", "drop", "truncate", "remove all"}},
	{"concurrency hazard", model.TierReasoning, []string{"mutex", "lock", "concurrent", "parallel", "race"}},
	{"api stability", model.TierReasoning, []string{"breaking", "public api"}},
}

// screenMetadata returns the strongest floor any keyword screen raises, with
// its label, or the fast tier and an empty label when nothing matches.
func screenMetadata(meta Metadata) (model.Tier, string) {
	text := strings.ToLower(meta.Description)
	if len(meta.Constraints) > 0 {
		text += " " + strings.ToLower(strings.Join(meta.Constraints, " "))
	}

	floor := model.TierFast
	label := ""
	for _, screen := range riskScreens {
		for _, kw := range screen.keywords {
			if strings.Contains(text, kw) {
				if screen.floor.Rank() > floor.Rank() {
					floor = screen.floor
					label = screen.label
				}
				break
			}
		}
	}
	return floor, label
}

// Classify recommends a tier for the task's current state. The strongest
// signal wins: the category mapping sets a base, blast radius and category
// diversity force the top tier, and metadata screens raise the floor.
func (rt *Router) Classify(report *model.VerificationReport, meta Metadata) Recommendation {
	hist := report.CategoryHistogram()

	tier := model.TierFast
	for cat := range hist {
		if ct := categoryTier(cat); ct.Rank() > tier.Rank() {
			tier = ct
		}
	}

	var parts []string
	if len(hist) == 0 {
		parts = append(parts, "no diagnostics")
	} else {
		var drivers []string
		for _, cat := range model.Categories() {
			if hist[cat] > 0 && categoryTier(cat) == tier {
				drivers = append(drivers, string(cat))
			}
		}
		parts = append(parts, fmt.Sprintf("%s → %s", strings.Join(drivers, "+"), tier))
	}

	if files := len(report.Files()); files > rt.cfg.MultiFileThreshold {
		tier = model.TierCloud
		parts = append(parts, fmt.Sprintf("blast radius %d files (threshold %d)", files, rt.cfg.MultiFileThreshold))
	}
	if len(hist) >= rt.cfg.DiversityThreshold {
		tier = model.TierCloud
		parts = append(parts, fmt.Sprintf("category diversity %d (threshold %d)", len(hist), rt.cfg.DiversityThreshold))
	}

	if floor, label := screenMetadata(meta); floor.Rank() > tier.Rank() {
		tier = floor
		parts = append(parts, label)
	}

	return Recommendation{Tier: tier, Reason: strings.Join(parts, "; ")}
}
