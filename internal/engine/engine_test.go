package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx-org/tmx/internal/cmn/config"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/result"
	"github.com/tmx-org/tmx/internal/run"
	"github.com/tmx-org/tmx/internal/rules"

	_ "github.com/tmx-org/tmx/internal/engine/builtin/discover"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/execute"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/finish"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/prepare"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/report"
)

func writeTree(t *testing.T, files map[string]string) *metadata.Tree {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, metadata.Sentinel), 0755))
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	tree, err := metadata.Load(root)
	require.NoError(t, err)
	return tree
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Paths: config.PathsConfig{
			RunsDir:     t.TempDir(),
			LastRunFile: filepath.Join(t.TempDir(), "last-run"),
		},
		RebootTimeout: time.Minute,
	}
}

func execute(t *testing.T, cfg *config.Config, tree *metadata.Tree, r *run.Run, opts engine.Options) *engine.Summary {
	t.Helper()
	summary, err := engine.New(cfg, tree, r, rules.Context{}, opts).Run(context.Background())
	require.NoError(t, err)
	return summary
}

func resultByName(results []result.Result, name, guest string) *result.Result {
	for i := range results {
		if results[i].Name == name && results[i].Guest.Name == guest {
			return &results[i]
		}
	}
	return nil
}

func TestSmokeRun(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/smoke.yaml": `
summary: smoke plan
discover:
  how: shell
  tests:
    - name: /t
      test: exit 0
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})

	require.Empty(t, summary.PlanErrors)
	require.Len(t, summary.Results, 1)
	res := summary.Results[0]
	assert.Equal(t, "/t", res.Name)
	assert.Equal(t, result.OutcomePass, res.Result)
	assert.Equal(t, result.OutcomePass, res.OriginalResult)
	assert.Equal(t, 1, res.SerialNumber)
	assert.Equal(t, "default-0", res.Guest.Name)
	assert.Equal(t, 0, summary.ExitCode())

	// results.yaml reflects the final state
	store, err := result.LoadStore(filepath.Join(
		r.PlanDir("/plans/smoke"), "execute", engine.ResultsFile))
	require.NoError(t, err)
	require.Len(t, store.Results(), 1)
	assert.Equal(t, result.OutcomePass, store.Results()[0].Result)
}

func TestRestartExhausted(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/restart.yaml": `
discover:
  how: shell
  tests:
    - name: /r
      test: echo "count=$TMT_TEST_RESTART_COUNT"; exit 79
      restart-on-exit-code: [79]
      restart-max-count: 1
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})

	require.Len(t, summary.Results, 1)
	res := summary.Results[0]
	assert.Equal(t, result.OutcomeFail, res.Result)
	require.NotEmpty(t, res.Note)
	assert.Contains(t, strings.Join(res.Note, " "), "restart limit reached")

	// the test ran twice, observing restart counts 0 and 1
	output, err := os.ReadFile(filepath.Join(
		r.PlanDir("/plans/restart"), res.Log[0]))
	require.NoError(t, err)
	assert.Contains(t, string(output), "count=0")
	assert.Contains(t, string(output), "count=1")
	assert.Equal(t, 1, summary.ExitCode())
}

func TestSubresultReduction(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/sub.yaml": `
discover:
  how: shell
  tests:
    - name: /sub
      test: |
        tmt-report-result A PASS
        tmt-report-result B FAIL
        tmt-report-result C PASS
        exit 0
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})

	require.Len(t, summary.Results, 1)
	res := summary.Results[0]
	assert.Equal(t, result.OutcomeFail, res.Result, "parent reduces to the worst subresult")
	assert.Equal(t, result.OutcomePass, res.OriginalResult, "exit code outcome is preserved")
	require.Len(t, res.SubResults, 3)
	assert.Equal(t, "A", res.SubResults[0].Name)
	assert.Equal(t, result.OutcomeFail, res.SubResults[1].Result)
	assert.Contains(t, strings.Join(res.Note, " "), "reduced")
}

func TestMultihostBarrier(t *testing.T) {
	t.Parallel()

	trace := filepath.Join(t.TempDir(), "trace")
	tree := writeTree(t, map[string]string{
		"plans/multi.yaml": fmt.Sprintf(`
environment:
  TRACE: %s
provision:
  - how: local
    name: server-1
    role: server
  - how: local
    name: client-1
    role: client
discover:
  - how: shell
    name: setup
    where: server
    tests:
      - name: /setup
        test: sleep 1; echo setup >> "$TRACE"
  - how: shell
    name: run
    where: [server, client]
    tests:
      - name: /run
        test: echo run >> "$TRACE"; exit 0
execute:
  how: tmt
`, trace),
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})
	require.Empty(t, summary.PlanErrors)

	// setup ran on the server only; run produced a result per guest
	assert.NotNil(t, resultByName(summary.Results, "/setup", "server-1"))
	assert.Nil(t, resultByName(summary.Results, "/setup", "client-1"))
	assert.NotNil(t, resultByName(summary.Results, "/run", "server-1"))
	assert.NotNil(t, resultByName(summary.Results, "/run", "client-1"))

	// the barrier: setup completed before run started on either guest
	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "setup", lines[0])
}

func TestRerunFailedOnly(t *testing.T) {
	t.Parallel()

	flag := filepath.Join(t.TempDir(), "fixed")
	tree := writeTree(t, map[string]string{
		"plans/rerun.yaml": fmt.Sprintf(`
discover:
  how: shell
  tests:
    - name: /a
      test: exit 0
    - name: /b
      test: test -f %s
    - name: /c
      test: exit 0
      duration: "0"
execute:
  how: tmt
`, flag),
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	first := execute(t, cfg, tree, r, engine.Options{})
	require.Len(t, first.Results, 3)
	assert.Equal(t, result.OutcomePass, resultByName(first.Results, "/a", "default-0").Result)
	assert.Equal(t, result.OutcomeFail, resultByName(first.Results, "/b", "default-0").Result)
	assert.Equal(t, result.OutcomeError, resultByName(first.Results, "/c", "default-0").Result)

	firstA := *resultByName(first.Results, "/a", "default-0")

	// fix the failure, then rerun only what failed
	require.NoError(t, os.WriteFile(flag, []byte("ok"), 0644))
	reopened, err := run.Open(r.Root)
	require.NoError(t, err)
	second := execute(t, cfg, tree, reopened, engine.Options{
		Again:          []plan.StepName{plan.StepDiscover, plan.StepExecute},
		FailedOnly:     true,
		IgnoreDuration: true,
	})

	require.Len(t, second.Results, 3, "merged results keep all keys")
	mergedA := resultByName(second.Results, "/a", "default-0")
	assert.Equal(t, firstA.Result, mergedA.Result, "untouched result preserved verbatim")
	assert.Equal(t, firstA.EndTime, mergedA.EndTime, "untouched result preserved verbatim")
	assert.Equal(t, result.OutcomePass, resultByName(second.Results, "/b", "default-0").Result)
	assert.Equal(t, result.OutcomePass, resultByName(second.Results, "/c", "default-0").Result)

	// serials are stable across the rerun
	assert.Equal(t, firstA.SerialNumber, mergedA.SerialNumber)
	assert.Equal(t, 0, second.ExitCode())
}

func TestDuplicateTestAcrossPhasesGetsDistinctSerials(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/dup.yaml": `
discover:
  - how: shell
    name: first
    tests:
      - name: /dup
        test: exit 0
  - how: shell
    name: second
    tests:
      - name: /dup
        test: exit 0
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})

	require.Len(t, summary.Results, 2, "same test in two discover phases yields two results")
	serials := map[int]bool{}
	for _, res := range summary.Results {
		assert.Equal(t, "/dup", res.Name)
		assert.Equal(t, result.OutcomePass, res.Result)
		serials[res.SerialNumber] = true
	}
	assert.Len(t, serials, 2, "serial numbers do not collide")
}

func TestExitFirstSkipsRemaining(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/exitfirst.yaml": `
discover:
  how: shell
  tests:
    - name: /one
      test: exit 1
    - name: /two
      test: exit 0
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{ExitFirst: true})

	require.Len(t, summary.Results, 2)
	assert.Equal(t, result.OutcomeFail, resultByName(summary.Results, "/one", "default-0").Result)
	skipped := resultByName(summary.Results, "/two", "default-0")
	assert.Equal(t, result.OutcomeSkip, skipped.Result)
	assert.Contains(t, strings.Join(skipped.Note, " "), "aborted")
}

func TestEmptyExecuteStep(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/empty.yaml": "execute:\n",
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})
	assert.Empty(t, summary.PlanErrors)
	assert.Empty(t, summary.Results)
	assert.Equal(t, 0, summary.ExitCode())
}

func TestDisabledPlanSkippedEntirely(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/disabled.yaml": `
enabled: false
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})
	assert.Empty(t, summary.Results)
	assert.Equal(t, 0, summary.ExitCode())
	assert.NoDirExists(t, r.PlanDir("/plans/disabled"), "workdir of a disabled plan is not created")
}

func TestProvisionErrorFailsTests(t *testing.T) {
	t.Parallel()

	tree := writeTree(t, map[string]string{
		"plans/badprov.yaml": `
provision:
  how: beaker
discover:
  how: shell
  tests:
    - name: /t
      test: exit 0
execute:
  how: tmt
`,
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	summary := execute(t, cfg, tree, r, engine.Options{})

	require.Contains(t, summary.PlanErrors, "/plans/badprov")
	res := resultByName(summary.Results, "/t", "default-0")
	require.NotNil(t, res)
	assert.Equal(t, result.OutcomeError, res.Result)
	assert.NotEmpty(t, res.Note)
	assert.Equal(t, 2, summary.ExitCode())
}

func TestResumeSkipsDoneSteps(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "ran")
	tree := writeTree(t, map[string]string{
		"plans/resume.yaml": fmt.Sprintf(`
discover:
  how: shell
  tests:
    - name: /t
      test: echo x >> %s; exit 0
execute:
  how: tmt
`, marker),
	})
	cfg := testConfig(t)
	r, err := run.New(cfg.Paths.RunsDir)
	require.NoError(t, err)

	execute(t, cfg, tree, r, engine.Options{})

	// a second engine over the same run does not re-execute done steps
	reopened, err := run.Open(r.Root)
	require.NoError(t, err)
	summary := execute(t, cfg, tree, reopened, engine.Options{})

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data), "test must run exactly once")
	require.Len(t, summary.Results, 1)
	assert.Equal(t, result.OutcomePass, summary.Results[0].Result)
}
