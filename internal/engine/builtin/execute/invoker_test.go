package execute

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/guest/guesttest"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/result"
	"github.com/tmx-org/tmx/internal/run"
)

func testStepContext(t *testing.T) *engine.StepContext {
	t.Helper()
	r, err := run.New(t.TempDir())
	require.NoError(t, err)

	p := &plan.Plan{
		Name:    "/plans/p",
		Enabled: true,
		Steps:   map[plan.StepName]*plan.StepConfig{},
	}
	for _, step := range plan.StepOrder {
		p.Steps[step] = &plan.StepConfig{Step: step}
	}

	planDir := r.PlanDir(p.Name)
	stepDir := r.StepDir(p.Name, plan.StepExecute)
	require.NoError(t, os.MkdirAll(stepDir, 0755))

	return &engine.StepContext{
		Run:     r,
		Plan:    p,
		Options: engine.Options{RebootTimeout: time.Minute},
		PlanDir: planDir,
		StepDir: stepDir,
		Store:   result.NewStore(filepath.Join(stepDir, engine.ResultsFile)),
		Serials: engine.NewSerialCounter(r),
		Abort:   &engine.AbortFlag{},
	}
}

func newInvocation(t *testing.T, sctx *engine.StepContext, name, script string) *engine.Invocation {
	t.Helper()
	serial, err := sctx.Serials.Next()
	require.NoError(t, err)
	inv := &engine.Invocation{Name: name, Script: script, SerialNumber: serial}
	require.NoError(t, inv.Normalize())
	return inv
}

func runExecutor(t *testing.T, sctx *engine.StepContext, g guest.Guest, invocations ...*engine.Invocation) error {
	t.Helper()
	executor, err := engine.NewExecutor("tmt")
	require.NoError(t, err)
	return executor.Execute(context.Background(), sctx, plan.Phase{How: "tmt", Name: "default-0"},
		g, invocations)
}

func storedResult(t *testing.T, sctx *engine.StepContext, serial int, guestName string) result.Result {
	t.Helper()
	res, ok := sctx.Store.Get(serial, guestName)
	require.True(t, ok, "result for serial %d on %s not found", serial, guestName)
	return res
}

func TestInvokerRebootRoundTrip(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	inv := newInvocation(t, sctx, "/reboot", `
echo "reboot-count=$TMT_REBOOT_COUNT"
if [ "$TMT_REBOOT_COUNT" = "0" ]; then
    tmt-reboot
    sleep 30
else
    exit 0
fi`)
	inv.Duration = "5m"

	require.NoError(t, runExecutor(t, sctx, g, inv))

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomePass, res.Result)
	assert.Equal(t, 1, g.Reboots(), "exactly one guest reboot")

	// the script ran twice, observing counts 0 and 1
	output, err := os.ReadFile(filepath.Join(sctx.PlanDir, res.Log[0]))
	require.NoError(t, err)
	assert.Contains(t, string(output), "reboot-count=0")
	assert.Contains(t, string(output), "reboot-count=1")
}

func TestInvokerRebootUnsupportedGuest(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")
	g.Rebootable = false

	inv := newInvocation(t, sctx, "/reboot", `tmt-reboot; sleep 30`)

	_ = runExecutor(t, sctx, g, inv)

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomeError, res.Result)
	assert.Contains(t, strings.Join(res.Note, " "), "reboot failed")
}

func TestInvokerTimeout(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	inv := newInvocation(t, sctx, "/slow", "sleep 30")
	inv.Duration = "1s"

	require.NoError(t, runExecutor(t, sctx, g, inv))

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomeError, res.Result)
	assert.Contains(t, strings.Join(res.Note, " "), "duration exceeded")
}

func TestInvokerChecksAffectOutcome(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	present := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))

	inv := newInvocation(t, sctx, "/checked", "exit 0")
	inv.Checks = []engine.CheckSpec{
		{
			How:       "file-exists",
			Event:     result.CheckBeforeTest,
			Interpret: result.InterpretRespect,
			Options:   map[string]any{"path": present},
		},
		{
			How:       "file-exists",
			Event:     result.CheckAfterTest,
			Interpret: result.InterpretRespect,
			Options:   map[string]any{"path": "/nonexistent/definitely/missing"},
		},
	}

	require.NoError(t, runExecutor(t, sctx, g, inv))

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	require.Len(t, res.Checks, 2)
	assert.Equal(t, result.OutcomePass, res.Checks[0].Result)
	assert.Equal(t, result.OutcomeFail, res.Checks[1].Result)
	assert.Equal(t, result.OutcomePass, res.OriginalResult)
	assert.Equal(t, result.OutcomeFail, res.Result, "failing respect check escalates the test")
}

func TestInvokerCheckInfoPolicyDoesNotEscalate(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	inv := newInvocation(t, sctx, "/info-check", "exit 0")
	inv.Checks = []engine.CheckSpec{{
		How:       "file-exists",
		Event:     result.CheckAfterTest,
		Interpret: result.InterpretInfo,
		Options:   map[string]any{"path": "/nonexistent/definitely/missing"},
	}}

	require.NoError(t, runExecutor(t, sctx, g, inv))

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomePass, res.Result)
}

func TestInvokerRestraintPolicy(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	inv := newInvocation(t, sctx, "/restraint", `
tmt-report-result one PASS
tmt-report-result two FAIL
exit 0`)
	inv.ResultPolicy = result.InterpretRestraint

	require.NoError(t, runExecutor(t, sctx, g, inv))

	results := sctx.Store.Results()
	// the parent plus two independent results
	require.Len(t, results, 3)
	parent := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Empty(t, parent.SubResults, "restraint reports are not subresults")
	assert.Equal(t, result.OutcomePass, parent.Result)

	var names []string
	for _, r := range results {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "/restraint/one")
	assert.Contains(t, names, "/restraint/two")
}

func TestInvokerAbort(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	first := newInvocation(t, sctx, "/aborter", "tmt-abort; exit 0")
	second := newInvocation(t, sctx, "/never", "exit 0")

	require.NoError(t, runExecutor(t, sctx, g, first, second))

	aborted := storedResult(t, sctx, first.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomeError, aborted.Result)
	assert.Contains(t, strings.Join(aborted.Note, " "), "aborted")

	skipped := storedResult(t, sctx, second.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomeSkip, skipped.Result)

	raised, _ := sctx.Abort.Raised()
	assert.True(t, raised)
}

func TestInvokerGuestLost(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")
	g.RunFunc = func(ctx context.Context, cmd string, opts guest.RunOptions) (guest.RunResult, error) {
		if strings.HasPrefix(cmd, "mkdir") || strings.HasPrefix(cmd, "rm") {
			return guest.RunResult{}, nil
		}
		return guest.RunResult{}, guest.ErrUnreachable
	}

	inv := newInvocation(t, sctx, "/lost", "exit 0")

	err := runExecutor(t, sctx, g, inv)
	require.Error(t, err)

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomeError, res.Result)
	assert.Contains(t, strings.Join(res.Note, " "), "unreachable")

	slug := filepath.Join("data", "guest", "default-0", "lost-1")
	assert.FileExists(t, filepath.Join(sctx.StepDir, slug, failuresFile))
}

func TestInvokerXfailPolicy(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	inv := newInvocation(t, sctx, "/xfail", "exit 1")
	inv.ResultPolicy = result.InterpretXfail

	require.NoError(t, runExecutor(t, sctx, g, inv))

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	assert.Equal(t, result.OutcomeFail, res.OriginalResult)
	assert.Equal(t, result.OutcomePass, res.Result)
}

func TestInvokerIterationIDStable(t *testing.T) {
	t.Parallel()

	sctx := testStepContext(t)
	g := guesttest.NewFakeGuest("default-0", "")

	inv := newInvocation(t, sctx, "/iter", `echo "iid=$TMT_TEST_ITERATION_ID"; exit 0`)

	require.NoError(t, runExecutor(t, sctx, g, inv))

	res := storedResult(t, sctx, inv.SerialNumber, "default-0")
	output, err := os.ReadFile(filepath.Join(sctx.PlanDir, res.Log[0]))
	require.NoError(t, err)
	want := sctx.Run.Info.ID + "-" + "1"
	assert.Contains(t, string(output), "iid="+want)
}
