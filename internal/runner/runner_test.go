package runner

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execspec/internal/arena"
	"execspec/internal/color"
	"execspec/internal/matcher"
	"execspec/internal/report"
	"execspec/internal/spec"
)

type runOutcome struct {
	summary *report.Summary
	output  string
}

func runDocument(t *testing.T, doc string, configure func(*Runner)) runOutcome {
	t.Helper()
	color.Initialize(color.ModeNever)

	f, perr := spec.Parse("test.yaml", strings.NewReader(doc))
	require.Nil(t, perr, "document should parse: %v", perr)

	supplier, err := arena.NewSupplier()
	require.NoError(t, err)
	t.Cleanup(supplier.Close)

	var buf bytes.Buffer
	r := &Runner{
		Registry: matcher.NewRegistry(),
		Supplier: supplier,
		Reporter: report.NewReporter(&buf, report.NewSimpleFormatter()),
	}
	if configure != nil {
		configure(r)
	}

	summary, err := r.Run([]*spec.File{f})
	require.NoError(t, err)
	return runOutcome{summary: summary, output: buf.String()}
}

func singleResult(t *testing.T, o runOutcome) *report.CaseResult {
	t.Helper()
	require.Len(t, o.summary.Results, 1)
	return &o.summary.Results[0]
}

func failureMessages(r *report.CaseResult, subject string) []string {
	for _, f := range r.Failures {
		if f.Subject == subject {
			return f.Messages
		}
	}
	return nil
}

func TestEchoHelloPasses(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, hello]
    expect:
      stdout:
        eq: "hello\n"
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed())
	assert.Equal(t, "echo hello", r.Name)
	assert.True(t, o.summary.AllPassed())
}

func TestNegatedEqFailure(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, hello]
    expect:
      stdout:
        not.eq: "hello\n"
`, nil)
	r := singleResult(t, o)
	assert.False(t, r.Passed())
	assert.Equal(t,
		[]string{"should not be \"hello\n\", but got it"},
		failureMessages(r, "main:stdout"))
	assert.Equal(t, 1, o.summary.NumFailed())
}

func TestEqDiffFailure(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, goodbye]
    expect:
      stdout:
        eq: "hello\n"
`, nil)
	r := singleResult(t, o)
	assert.Equal(t,
		[]string{"not equals:\n\n-hello\n+goodbye\n"},
		failureMessages(r, "main:stdout"))
}

func TestIncludeJSONFailurePaths(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, '{"message":"world","nums":[1,0,3],"passed":true}']
    expect:
      stdout:
        include_json:
          message: hello
          nums: [1, 2]
`, nil)
	r := singleResult(t, o)
	msgs := failureMessages(r, "main:stdout")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], `json atoms at path ".message" are not equal`)
	assert.Contains(t, msgs[0], `json atoms at path ".nums[1]" are not equal`)
}

func TestStatusMatcher(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [bash, -c, "exit 7"]
    expect:
      status:
        eq: 7
      stderr:
        eq: ""
`, nil)
	assert.True(t, o.summary.AllPassed())
}

func TestStdinIsPiped(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [cat]
    stdin: "from stdin"
    expect:
      stdout:
        eq: "from stdin"
`, nil)
	assert.True(t, o.summary.AllPassed())
}

func TestMultiProcessCase(t *testing.T) {
	o := runDocument(t, `
tests:
  - processes:
      proc1:
        command:
          - bash
          - -c
          - "trap 'echo goodbye >&2; exit 1' TERM; echo hello; while true; do true; done"
        background:
          wait:
            stdout: { pattern: hello, timeout: 1s }
      proc2:
        command: [echo, world]
    expect:
      processes:
        proc1:
          status:
            eq: 1
          stderr:
            eq: "goodbye\n"
        proc2:
          stdout:
            eq: "world\n"
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)
}

func TestLetBindingEvaluatedOnce(t *testing.T) {
	o := runDocument(t, `
tests:
  - let:
      port: { $tmp_port: {} }
    command:
      - bash
      - -c
      - 'test "$0" = "$1" && echo same'
      - { $var: port }
      - { $var: port }
    expect:
      stdout:
        eq: "same\n"
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)
}

func TestLetBindingsSeeEarlierOnes(t *testing.T) {
	o := runDocument(t, `
tests:
  - let:
      greeting: hello
      doc: { $json: { msg: { $var: greeting } } }
    command: [echo, -n, { $var: doc }]
    expect:
      stdout:
        eq_json:
          msg: hello
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)
}

func TestTmpFileExpression(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [cat, { $tmp_file: "file payload" }]
    expect:
      stdout:
        eq: "file payload"
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)
}

func TestTmpFileReleasedAfterCase(t *testing.T) {
	// The child sees the file while running...
	var root string
	o := runDocument(t, `
tests:
  - command: [bash, -c, 'test -f "$0" && echo exists', { $tmp_file: "payload" }]
    expect:
      stdout:
        eq: "exists\n"
`, func(r *Runner) { root = r.Supplier.Root() })
	r := singleResult(t, o)
	require.True(t, r.Passed(), "failures: %v", r.Failures)

	// ...and the arena has deleted it, failure or not, by the end of the case.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFilesExpectation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	o := runDocument(t, fmt.Sprintf(`
tests:
  - command: [bash, -c, "printf data > %s"]
    expect:
      files:
        %s:
          eq: "data"
`, path, path), nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)
}

func TestFilesExpectationMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created")
	o := runDocument(t, fmt.Sprintf(`
tests:
  - command: [echo]
    expect:
      files:
        %s:
          eq: "data"
`, path), nil)
	r := singleResult(t, o)
	msgs := failureMessages(r, "main:file:"+path)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "cannot read file")
}

func TestExpressionErrorFailsCaseAndRunContinues(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, { $env: EXECSPEC_SURELY_UNDEFINED_VAR }]
  - command: [echo, hello]
    expect:
      stdout:
        eq: "hello\n"
`, nil)
	require.Len(t, o.summary.Results, 2)

	first := &o.summary.Results[0]
	assert.False(t, first.Passed())
	assert.Equal(t,
		[]string{"env var EXECSPEC_SURELY_UNDEFINED_VAR is not defined"},
		failureMessages(first, "tests[0].command[1].$env"))

	assert.True(t, o.summary.Results[1].Passed())
}

func TestUnknownMatcherFailsCase(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, hello]
    expect:
      stdout:
        glob: "h*"
`, nil)
	r := singleResult(t, o)
	assert.Equal(t,
		[]string{`stream matcher "glob" is not defined`},
		failureMessages(r, "tests[0].expect.stdout.glob"))
}

func TestSpawnErrorFailsCase(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [/dev/null]
`, nil)
	r := singleResult(t, o)
	msgs := failureMessages(r, "main:spawn")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], `cannot execute ["/dev/null"]`)
}

func TestWaitTimeoutSkipsForeground(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "fg-ran")
	o := runDocument(t, fmt.Sprintf(`
tests:
  - processes:
      bg:
        command: [sleep, "30"]
        background:
          wait:
            stdout: { pattern: ready, timeout: 200ms }
      main:
        command: [touch, %s]
`, marker), nil)
	r := singleResult(t, o)
	assert.Equal(t,
		[]string{`stdout did not output "ready" in 200ms`},
		failureMessages(r, "bg:wait"))
	assert.NoFileExists(t, marker)
}

func TestForegroundTimeout(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [sleep, "30"]
    timeout: 200ms
`, nil)
	r := singleResult(t, o)
	msgs := failureMessages(r, "main:timeout")
	require.Len(t, msgs, 1)
	assert.Equal(t, "process did not exit in 200ms", msgs[0])
}

func TestTeeFraming(t *testing.T) {
	o := runDocument(t, `
tests:
  - processes:
      bg:
        command: [bash, -c, "echo from-bg; sleep 30"]
        tee_stdout: true
        background:
          wait:
            stdout: { pattern: from-bg, timeout: 2s }
      main:
        command: [echo, from-main]
        tee_stdout: true
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)

	bgBlock := "== bg ==\n" +
		"=== captured stdout ===\n" +
		"from-bg\n" +
		"=======================\n" +
		"=== captured stderr ===\n" +
		"=======================\n"
	mainBlock := "== main ==\n" +
		"=== captured stdout ===\n" +
		"from-main\n" +
		"=======================\n" +
		"=== captured stderr ===\n" +
		"=======================\n"

	assert.Contains(t, o.output, bgBlock)
	assert.Contains(t, o.output, mainBlock)
	// Backgrounds frame before main, and frames precede the final report.
	assert.Less(t, strings.Index(o.output, bgBlock), strings.Index(o.output, mainBlock))
	assert.Less(t, strings.Index(o.output, mainBlock), strings.Index(o.output, "test cases"))
	// Live tee output appears ahead of the frames.
	assert.Less(t, strings.Index(o.output, "from-bg\n"), strings.Index(o.output, "== bg =="))
}

func TestForceTeeFlags(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, forced]
`, func(r *Runner) {
		r.ForceTeeStdout = true
	})
	assert.Contains(t, o.output, "== main ==")
	assert.Contains(t, o.output, "forced\n")
}

func TestCaseNameFromNameField(t *testing.T) {
	o := runDocument(t, `
tests:
  - name: my test case
    command: [echo, hello]
`, nil)
	assert.Equal(t, "my test case", singleResult(t, o).Name)
}

func TestCaseNameDefaultsToFirstTwoArgvTokens(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, hello, world, again]
`, nil)
	assert.Equal(t, "echo hello", singleResult(t, o).Name)
}

func TestEnvOverride(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [bash, -c, "printenv GREETING"]
    env:
      GREETING: bonjour
    expect:
      stdout:
        eq: "bonjour\n"
`, nil)
	r := singleResult(t, o)
	assert.True(t, r.Passed(), "failures: %v", r.Failures)
}

func TestFailuresAccumulateWithinProcess(t *testing.T) {
	o := runDocument(t, `
tests:
  - command: [echo, hello]
    expect:
      status:
        eq: 3
      stdout:
        eq: "nope\n"
        contain: "xyz"
`, nil)
	r := singleResult(t, o)
	assert.Len(t, failureMessages(r, "main:status"), 1)
	assert.Len(t, failureMessages(r, "main:stdout"), 2)
}
