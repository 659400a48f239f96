package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category classifies a diagnostic into the closed taxonomy used for routing
// and repeat detection. The set is versioned with the record schema; adding a
// category is a schema change.
type Category string

const (
	CategorySyntax           Category = "syntax"
	CategoryTypeMismatch     Category = "type_mismatch"
	CategoryBorrowLifetime   Category = "borrow_lifetime"
	CategoryTraitBound       Category = "trait_bound"
	CategoryAsyncConcurrency Category = "async_concurrency"
	CategoryMissingImport    Category = "missing_import"
	CategoryTestFailure      Category = "test_failure"
	CategoryLintViolation    Category = "lint_violation"
	CategoryFormatViolation  Category = "format_violation"
	CategoryOther            Category = "other"
)

var validCategories = map[Category]bool{
	CategorySyntax:           true,
	CategoryTypeMismatch:     true,
	CategoryBorrowLifetime:   true,
	CategoryTraitBound:       true,
	CategoryAsyncConcurrency: true,
	CategoryMissingImport:    true,
	CategoryTestFailure:      true,
	CategoryLintViolation:    true,
	CategoryFormatViolation:  true,
	CategoryOther:            true,
}

func (c Category) Valid() bool {
	return validCategories[c]
}

// Categories returns the full taxonomy in a stable order.
func Categories() []Category {
	return []Category{
		CategorySyntax,
		CategoryTypeMismatch,
		CategoryBorrowLifetime,
		CategoryTraitBound,
		CategoryAsyncConcurrency,
		CategoryMissingImport,
		CategoryTestFailure,
		CategoryLintViolation,
		CategoryFormatViolation,
		CategoryOther,
	}
}

// Diagnostic is one normalized finding from a verification stage.
type Diagnostic struct {
	Category Category `yaml:"category"`
	File     string   `yaml:"file,omitempty"`
	Line     int      `yaml:"line,omitempty"`
	Column   int      `yaml:"column,omitempty"`
	Message  string   `yaml:"message"`
	// Code is the tool's own diagnostic code when present (e.g. rustc E0308).
	Code  string `yaml:"code,omitempty"`
	Stage string `yaml:"stage,omitempty"`
}

// Location renders file:line:column, omitting trailing zero parts.
func (d Diagnostic) Location() string {
	if d.File == "" {
		return ""
	}
	if d.Line <= 0 {
		return d.File
	}
	if d.Column <= 0 {
		return fmt.Sprintf("%s:%d", d.File, d.Line)
	}
	return fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column)
}

// Fingerprint is a stable hash over category + normalized message + location,
// used to detect the same error recurring across attempts. Sixteen hex chars
// keep records readable while leaving collisions negligible at fleet scale.
func (d Diagnostic) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(d.Category))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeMessage(d.Message)))
	h.Write([]byte{0})
	h.Write([]byte(d.Location()))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// CategoryFingerprint ignores message and location, collapsing all diagnostics
// of one category to a single fingerprint (the "category" repeat policy).
func (d Diagnostic) CategoryFingerprint() string {
	h := sha256.Sum256([]byte(d.Category))
	return hex.EncodeToString(h[:])[:16]
}

var (
	ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeMessage strips volatile decoration from a tool message so the same
// underlying error fingerprints identically across runs: ANSI color codes are
// removed, whitespace runs collapse to a single space, and case is folded.
func NormalizeMessage(s string) string {
	s = ansiEscapeRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// FingerprintPolicy selects how diagnostics are fingerprinted for the
// repeated-error rule.
type FingerprintPolicy string

const (
	// FingerprintExact hashes category + normalized message + location.
	FingerprintExact FingerprintPolicy = "exact"
	// FingerprintCategory hashes the category only, so any two errors of the
	// same kind count as a repeat.
	FingerprintCategory FingerprintPolicy = "category"
)

func (p FingerprintPolicy) Valid() bool {
	return p == FingerprintExact || p == FingerprintCategory
}

// FingerprintSet returns the sorted, de-duplicated fingerprint set of diags
// under the given policy.
func FingerprintSet(diags []Diagnostic, policy FingerprintPolicy) []string {
	seen := make(map[string]bool, len(diags))
	var set []string
	for _, d := range diags {
		var fp string
		if policy == FingerprintCategory {
			fp = d.CategoryFingerprint()
		} else {
			fp = d.Fingerprint()
		}
		if !seen[fp] {
			seen[fp] = true
			set = append(set, fp)
		}
	}
	sort.Strings(set)
	return set
}

// SameFingerprints reports set equality between two fingerprint sets,
// regardless of order or duplicates.
func SameFingerprints(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, fp := range a {
		as[fp] = true
	}
	bs := make(map[string]bool, len(b))
	for _, fp := range b {
		bs[fp] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for fp := range as {
		if !bs[fp] {
			return false
		}
	}
	return true
}
