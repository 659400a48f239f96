package verifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/quorum/internal/model"
)

func cargoCheckOutput() string {
	return strings.Join([]string{
		`{"reason":"compiler-artifact","target":{"kind":["lib"],"name":"demo"}}`,
		`{"reason":"compiler-message","message":{"message":"mismatched types","code":{"code":"E0308","explanation":null},"level":"error","spans":[{"file_name":"src/lib.rs","byte_start":120,"byte_end":125,"line_start":7,"line_end":7,"column_start":18,"column_end":23,"is_primary":true}],"children":[]}}`,
		`{"reason":"compiler-message","message":{"message":"unused variable: x","code":{"code":"unused_variables","explanation":null},"level":"warning","spans":[{"file_name":"src/lib.rs","line_start":3,"column_start":9,"is_primary":true}],"children":[]}}`,
		`{"reason":"compiler-message","message":{"message":"aborting due to 1 previous error","code":null,"level":"error","spans":[],"children":[]}}`,
		`{"reason":"build-finished","success":false}`,
		`not json at all`,
	}, "\n")
}

func TestParseCargoJSON(t *testing.T) {
	diags := parseCargoJSON(StageCheck, cargoCheckOutput(), true)

	require.Len(t, diags, 1)
	d := diags[0]
	assert.Equal(t, model.CategoryTypeMismatch, d.Category)
	assert.Equal(t, "mismatched types", d.Message)
	assert.Equal(t, "E0308", d.Code)
	assert.Equal(t, "src/lib.rs", d.File)
	assert.Equal(t, 7, d.Line)
	assert.Equal(t, 18, d.Column)
	assert.Equal(t, StageCheck, d.Stage)
}

func TestParseCargoJSON_ClippyLint(t *testing.T) {
	out := `{"reason":"compiler-message","message":{"message":"this function has too many arguments (9/7)","code":{"code":"clippy::too_many_arguments","explanation":null},"level":"error","spans":[{"file_name":"src/api.rs","line_start":14,"column_start":1,"is_primary":true}],"children":[]}}`

	diags := parseCargoJSON(StageLint, out, true)

	require.Len(t, diags, 1)
	assert.Equal(t, model.CategoryLintViolation, diags[0].Category)
	assert.Equal(t, "src/api.rs", diags[0].File)
	assert.Equal(t, StageLint, diags[0].Stage)
}

func TestParseCargoJSON_FailureWithoutDiagnostics(t *testing.T) {
	diags := parseCargoJSON(StageCheck, "", true)

	require.Len(t, diags, 1)
	assert.Equal(t, model.CategoryOther, diags[0].Category)
	assert.Contains(t, diags[0].Message, "without structured diagnostics")
}

func TestParseCargoJSON_CleanPass(t *testing.T) {
	out := `{"reason":"build-finished","success":true}`
	assert.Empty(t, parseCargoJSON(StageCheck, out, false))
}

func TestClassifyDiagnostic(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		message string
		stage   string
		want    model.Category
	}{
		{"type mismatch code", "E0308", "mismatched types", StageCheck, model.CategoryTypeMismatch},
		{"projection type code", "E0271", "type mismatch resolving", StageCheck, model.CategoryTypeMismatch},
		{"trait bound code", "E0277", "the trait bound is not satisfied", StageCheck, model.CategoryTraitBound},
		{"missing method code", "E0599", "no method named push", StageCheck, model.CategoryTraitBound},
		{"moved value code", "E0382", "borrow of moved value", StageCheck, model.CategoryBorrowLifetime},
		{"borrow conflict code", "E0502", "cannot borrow as mutable", StageCheck, model.CategoryBorrowLifetime},
		{"lifetime code", "E0106", "missing lifetime specifier", StageCheck, model.CategoryBorrowLifetime},
		{"unresolved import code", "E0432", "unresolved import", StageCheck, model.CategoryMissingImport},
		{"undeclared crate code", "E0433", "failed to resolve", StageCheck, model.CategoryMissingImport},
		{"clippy code", "clippy::needless_return", "unneeded return statement", StageLint, model.CategoryLintViolation},

		{"lifetime text", "", "borrowed value does not live long enough", StageCheck, model.CategoryBorrowLifetime},
		{"borrow text", "", "cannot borrow data as mutable", StageCheck, model.CategoryBorrowLifetime},
		{"send bound text", "", "future cannot be sent between threads safely", StageCheck, model.CategoryAsyncConcurrency},
		{"trait text", "", "the trait bound T: Clone is not satisfied", StageCheck, model.CategoryTraitBound},
		{"type text", "", "mismatched types", StageCheck, model.CategoryTypeMismatch},
		{"import text", "", "unresolved import quorum::store", StageCheck, model.CategoryMissingImport},
		{"syntax text", "", "expected one of `,` or `}`", StageCheck, model.CategorySyntax},

		{"unknown on lint stage", "", "something nonstandard", StageLint, model.CategoryLintViolation},
		{"unknown on check stage", "", "something nonstandard", StageCheck, model.CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDiagnostic(tt.code, tt.message, tt.stage))
		})
	}
}

func TestParseFmtDiff(t *testing.T) {
	out := strings.Join([]string{
		"Diff in /work/demo/src/lib.rs at line 7:",
		"     fn add(a: i64, b: i64) -> i64 {",
		"-    a+b",
		"+    a + b",
		"     }",
		"Diff in /work/demo/src/router.rs at line 31:",
		"-fn route(r:&Report)->Tier{",
		"+fn route(r: &Report) -> Tier {",
	}, "\n")

	diags := parseFmtDiff(StageFmt, out, true)

	require.Len(t, diags, 2)
	assert.Equal(t, model.CategoryFormatViolation, diags[0].Category)
	assert.Equal(t, "/work/demo/src/lib.rs", diags[0].File)
	assert.Equal(t, 7, diags[0].Line)
	assert.Equal(t, "/work/demo/src/router.rs", diags[1].File)
	assert.Equal(t, 31, diags[1].Line)
}

func TestParseFmtDiff_FailureWithoutDiff(t *testing.T) {
	diags := parseFmtDiff(StageFmt, "", true)

	require.Len(t, diags, 1)
	assert.Equal(t, model.CategoryFormatViolation, diags[0].Category)
	assert.Equal(t, "rustfmt check failed", diags[0].Message)
}

func TestParseFmtDiff_CleanPass(t *testing.T) {
	assert.Empty(t, parseFmtDiff(StageFmt, "", false))
}

func libtestOutput() string {
	return strings.Join([]string{
		"running 11 tests",
		"test router::tests::classify_simple ... ok",
		"test escalate::tests::ceiling_reached ... FAILED",
		"test escalate::tests::repeat_detection ... FAILED",
		"test store::tests::commit_idempotent ... ok",
		"",
		"failures:",
		"    escalate::tests::ceiling_reached",
		"    escalate::tests::repeat_detection",
		"",
		"test result: FAILED. 9 passed; 2 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.03s",
	}, "\n")
}

func TestParseTestSummary(t *testing.T) {
	diags := parseTestSummary(StageTest, libtestOutput(), true)

	require.Len(t, diags, 2)
	assert.Equal(t, model.CategoryTestFailure, diags[0].Category)
	assert.Equal(t, "test escalate::tests::ceiling_reached failed", diags[0].Message)
	assert.Equal(t, "test escalate::tests::repeat_detection failed", diags[1].Message)
}

func TestParseTestSummary_SummaryOnly(t *testing.T) {
	out := "test result: FAILED. 9 passed; 2 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.03s"

	diags := parseTestSummary(StageTest, out, true)

	require.Len(t, diags, 1)
	assert.Equal(t, "2 test(s) failed", diags[0].Message)
}

func TestParseTestSummary_CleanPass(t *testing.T) {
	out := "test result: ok. 11 passed; 0 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.03s"
	assert.Empty(t, parseTestSummary(StageTest, out, false))
}

func TestTestTotals_MultipleBinaries(t *testing.T) {
	out := strings.Join([]string{
		"test result: ok. 4 passed; 0 failed; 1 ignored; 0 measured; 0 filtered out; finished in 0.01s",
		"test result: FAILED. 9 passed; 2 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.03s",
	}, "\n")

	passed, failed, ignored := testTotals(out)

	assert.Equal(t, 13, passed)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, ignored)
}

func TestParseRaw(t *testing.T) {
	diags := parseRaw("custom", "\n  boom: widget exploded\nmore detail\n", true)

	require.Len(t, diags, 1)
	assert.Equal(t, model.CategoryOther, diags[0].Category)
	assert.Equal(t, "boom: widget exploded", diags[0].Message)
	assert.Equal(t, "custom", diags[0].Stage)

	assert.Empty(t, parseRaw("custom", "output", false))
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", truncateOutput("short", 100))

	long := strings.Repeat("a", 200)
	got := truncateOutput(long, 100)
	assert.Contains(t, got, "[truncated at 100 bytes]")
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 100)))

	// Multi-byte runes are never split mid-sequence.
	multi := strings.Repeat("é", 100)
	got = truncateOutput(multi, 101)
	prefix := strings.TrimSuffix(got, "\n[truncated at 101 bytes]")
	assert.True(t, strings.HasSuffix(prefix, "é"))
}
