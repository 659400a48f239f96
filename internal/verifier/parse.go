package verifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/quorum/internal/model"
)

// cargoMessage mirrors the subset of cargo's --message-format=json lines the
// pipeline cares about. Lines with other reasons, artifacts and build-script
// notices, unmarshal with a nil Message and are dropped.
type cargoMessage struct {
	Reason  string           `json:"reason"`
	Message *cargoDiagnostic `json:"message"`
}

type cargoDiagnostic struct {
	Message  string            `json:"message"`
	Code     *cargoCode        `json:"code"`
	Level    string            `json:"level"`
	Spans    []cargoSpan       `json:"spans"`
	Children []cargoDiagnostic `json:"children"`
}

type cargoCode struct {
	Code string `json:"code"`
}

type cargoSpan struct {
	FileName    string `json:"file_name"`
	LineStart   int    `json:"line_start"`
	ColumnStart int    `json:"column_start"`
	IsPrimary   bool   `json:"is_primary"`
}

func (d *cargoDiagnostic) primarySpan() *cargoSpan {
	for i := range d.Spans {
		if d.Spans[i].IsPrimary {
			return &d.Spans[i]
		}
	}
	return nil
}

func (d *cargoDiagnostic) errorCode() string {
	if d.Code == nil {
		return ""
	}
	return d.Code.Code
}

// parseStageOutput dispatches to the stage's configured parser. Parsers only
// inspect stdout; cargo's JSON diagnostics, rustfmt diffs, and libtest
// summaries all land there.
func parseStageOutput(parser, stage, stdout string, result model.StageResult) []model.Diagnostic {
	failed := result.Outcome == model.StageOutcomeFailed
	switch parser {
	case ParserCargoJSON:
		return parseCargoJSON(stage, stdout, failed)
	case ParserFmtDiff:
		return parseFmtDiff(stage, stdout, failed)
	case ParserTestSummary:
		return parseTestSummary(stage, stdout, failed)
	default:
		return parseRaw(stage, stdout, failed)
	}
}

// parseCargoJSON extracts error-level compiler diagnostics from cargo's JSON
// stream. Warnings promoted to errors by -D warnings arrive at error level,
// so the lint stage needs no special handling. Unparseable lines are skipped;
// cargo interleaves progress text with the JSON.
func parseCargoJSON(stage, stdout string, failed bool) []model.Diagnostic {
	var diags []model.Diagnostic
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var msg cargoMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Reason != "compiler-message" || msg.Message == nil {
			continue
		}
		if msg.Message.Level != "error" {
			continue
		}
		// The aggregate "aborting due to N previous errors" line duplicates
		// the individual diagnostics.
		if strings.HasPrefix(msg.Message.Message, "aborting due to") {
			continue
		}

		d := model.Diagnostic{
			Category: classifyDiagnostic(msg.Message.errorCode(), msg.Message.Message, stage),
			Message:  msg.Message.Message,
			Code:     msg.Message.errorCode(),
			Stage:    stage,
		}
		if span := msg.Message.primarySpan(); span != nil {
			d.File = span.FileName
			d.Line = span.LineStart
			d.Column = span.ColumnStart
		}
		diags = append(diags, d)
	}

	if failed && len(diags) == 0 {
		diags = append(diags, model.Diagnostic{
			Category: model.CategoryOther,
			Message:  fmt.Sprintf("%s failed without structured diagnostics", stage),
			Stage:    stage,
		})
	}
	return diags
}

// Classification patterns, checked in order after the code table. Order
// matters: lifetime and borrow text is more specific than the generic type
// and trait vocabulary it often contains.
var (
	lifetimeRe = regexp.MustCompile(`(?i)(lifetime|does not live long enough|outlives|borrowed value)`)
	borrowRe   = regexp.MustCompile(`(?i)(cannot borrow|cannot move|use of moved value|already borrowed|already mutably borrowed)`)
	asyncRe    = regexp.MustCompile(`(?i)(async|await|future cannot be|cannot be sent between threads|is not send|is not sync)`)
	traitRe    = regexp.MustCompile(`(?i)(trait bound|the trait .* is not implemented|does not implement|no method named)`)
	typeRe     = regexp.MustCompile(`(?i)(mismatched types|expected .+, found)`)
	importRe   = regexp.MustCompile(`(?i)(unresolved import|cannot find (type|value|function|macro|crate)|use of undeclared)`)
	syntaxRe   = regexp.MustCompile(`(?i)(expected one of|unclosed delimiter|mismatched closing delimiter|unexpected token)`)
)

// diagnosticCodeCategories maps rustc error codes to categories. The code is
// checked before any message pattern; it is the most reliable signal.
var diagnosticCodeCategories = map[string]model.Category{
	"E0308": model.CategoryTypeMismatch,
	"E0271": model.CategoryTypeMismatch,
	"E0369": model.CategoryTypeMismatch,
	"E0277": model.CategoryTraitBound,
	"E0599": model.CategoryTraitBound,
	"E0382": model.CategoryBorrowLifetime,
	"E0502": model.CategoryBorrowLifetime,
	"E0503": model.CategoryBorrowLifetime,
	"E0505": model.CategoryBorrowLifetime,
	"E0507": model.CategoryBorrowLifetime,
	"E0106": model.CategoryBorrowLifetime,
	"E0495": model.CategoryBorrowLifetime,
	"E0621": model.CategoryBorrowLifetime,
	"E0700": model.CategoryBorrowLifetime,
	"E0412": model.CategoryMissingImport,
	"E0432": model.CategoryMissingImport,
	"E0433": model.CategoryMissingImport,
}

// classifyDiagnostic assigns a category from the error code when known,
// falling back to message patterns. Unclassifiable diagnostics from the lint
// stage count as lint violations; everywhere else they are other.
func classifyDiagnostic(code, message, stage string) model.Category {
	if strings.HasPrefix(code, "clippy::") {
		return model.CategoryLintViolation
	}
	if cat, ok := diagnosticCodeCategories[code]; ok {
		return cat
	}

	switch {
	case lifetimeRe.MatchString(message):
		return model.CategoryBorrowLifetime
	case borrowRe.MatchString(message):
		return model.CategoryBorrowLifetime
	case asyncRe.MatchString(message):
		return model.CategoryAsyncConcurrency
	case traitRe.MatchString(message):
		return model.CategoryTraitBound
	case typeRe.MatchString(message):
		return model.CategoryTypeMismatch
	case importRe.MatchString(message):
		return model.CategoryMissingImport
	case syntaxRe.MatchString(message):
		return model.CategorySyntax
	}

	if stage == StageLint {
		return model.CategoryLintViolation
	}
	return model.CategoryOther
}

// fmtDiffRe matches rustfmt's check-mode header lines,
// "Diff in /path/to/file.rs at line 42:".
var fmtDiffRe = regexp.MustCompile(`(?m)^Diff in (.+?) at line (\d+):`)

// parseFmtDiff turns each rustfmt diff hunk into a format violation anchored
// at the hunk's file and line.
func parseFmtDiff(stage, stdout string, failed bool) []model.Diagnostic {
	var diags []model.Diagnostic
	for _, m := range fmtDiffRe.FindAllStringSubmatch(stdout, -1) {
		line, _ := strconv.Atoi(m[2])
		diags = append(diags, model.Diagnostic{
			Category: model.CategoryFormatViolation,
			File:     m[1],
			Line:     line,
			Message:  "formatting differs from rustfmt",
			Stage:    stage,
		})
	}
	if failed && len(diags) == 0 {
		diags = append(diags, model.Diagnostic{
			Category: model.CategoryFormatViolation,
			Message:  "rustfmt check failed",
			Stage:    stage,
		})
	}
	return diags
}

var (
	// failedTestRe matches libtest's per-test failure lines,
	// "test escalate::tests::ceiling ... FAILED".
	failedTestRe = regexp.MustCompile(`(?m)^test (\S+) \.\.\. FAILED$`)
	// testResultRe matches libtest's per-binary summary,
	// "test result: FAILED. 9 passed; 1 failed; 0 ignored; ...".
	testResultRe = regexp.MustCompile(`test result: (?:ok|FAILED)\. (\d+) passed; (\d+) failed; (\d+) ignored`)
)

// parseTestSummary extracts one test failure diagnostic per failed test. A
// workspace run emits one summary line per test binary; totals are summed
// across them.
func parseTestSummary(stage, stdout string, failed bool) []model.Diagnostic {
	var diags []model.Diagnostic
	for _, m := range failedTestRe.FindAllStringSubmatch(stdout, -1) {
		diags = append(diags, model.Diagnostic{
			Category: model.CategoryTestFailure,
			Message:  fmt.Sprintf("test %s failed", m[1]),
			Stage:    stage,
		})
	}
	if failed && len(diags) == 0 {
		_, failures, _ := testTotals(stdout)
		msg := "test run failed"
		if failures > 0 {
			msg = fmt.Sprintf("%d test(s) failed", failures)
		}
		diags = append(diags, model.Diagnostic{
			Category: model.CategoryTestFailure,
			Message:  msg,
			Stage:    stage,
		})
	}
	return diags
}

// testTotals sums passed, failed, and ignored counts across every summary
// line in the output.
func testTotals(stdout string) (passed, failed, ignored int) {
	for _, m := range testResultRe.FindAllStringSubmatch(stdout, -1) {
		p, _ := strconv.Atoi(m[1])
		f, _ := strconv.Atoi(m[2])
		i, _ := strconv.Atoi(m[3])
		passed += p
		failed += f
		ignored += i
	}
	return passed, failed, ignored
}

// parseRaw is the fallback for custom stages. A failing stage yields one
// diagnostic carrying the first non-empty output line.
func parseRaw(stage, stdout string, failed bool) []model.Diagnostic {
	if !failed {
		return nil
	}
	msg := fmt.Sprintf("%s failed", stage)
	for _, line := range strings.Split(stdout, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			msg = trimmed
			break
		}
	}
	return []model.Diagnostic{{
		Category: model.CategoryOther,
		Message:  msg,
		Stage:    stage,
	}}
}
