package execute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tmx-org/tmx/internal/cmn/duration"
	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/result"
)

// File names within an invocation directory.
const (
	outputFile        = "output.txt"
	reportResultsFile = "report-results"
	rebootRequestFile = "reboot-request"
	abortRequestFile  = "abort-request"
	failuresFile      = "failures.yaml"
	pidFile           = "tmt-test-pid"
)

// invoker runs test invocations one at a time on a single guest.
type invoker struct {
	sctx        *engine.StepContext
	g           guest.Guest
	scriptsDir  string
	planDataDir string
}

// invocationDir returns the per-invocation directory under the execute
// step workdir: data/guest/<name>/<test-path>-<serial>.
func (in *invoker) invocationDir(inv *engine.Invocation) string {
	slug := filepath.FromSlash(strings.TrimPrefix(inv.Name, "/"))
	return filepath.Join(in.sctx.StepDir, "data", "guest", in.g.Name(),
		fmt.Sprintf("%s-%d", slug, inv.SerialNumber))
}

// update mutates the invocation's result record, creating it first when
// discover did not (e.g. guests resolved differently at runtime).
func (in *invoker) update(inv *engine.Invocation, mutate func(*result.Result)) error {
	if _, ok := in.sctx.Store.Get(inv.SerialNumber, in.g.Name()); !ok {
		r := &result.Result{
			Name:         inv.Name,
			SerialNumber: inv.SerialNumber,
			Guest:        result.GuestIdentity{Name: in.g.Name(), Role: in.g.Role()},
			Result:       result.OutcomePending,
		}
		if err := in.sctx.Store.Add(r); err != nil {
			return err
		}
	}
	return in.sctx.Store.Update(inv.SerialNumber, in.g.Name(), mutate)
}

// run executes one invocation: environment, checks, the reboot and
// restart loops, subresult harvest and result interpretation. The
// result store is updated after every mutation.
func (in *invoker) run(ctx context.Context, inv *engine.Invocation) error {
	if aborted, reason := in.sctx.Abort.Raised(); aborted {
		return in.update(inv, func(r *result.Result) {
			r.Result = result.OutcomeSkip
			r.AddNote("aborted: %s", reason)
		})
	}

	invDir := in.invocationDir(inv)
	dataDir := filepath.Join(invDir, "data")
	checksDir := filepath.Join(invDir, "checks")
	for _, dir := range []string{dataDir, checksDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if _, err := in.g.Run(ctx, fmt.Sprintf("mkdir -p %q %q", dataDir, in.planDataDir),
		guest.RunOptions{Timeout: 30 * time.Second}); err != nil {
		return fmt.Errorf("failed to prepare guest dirs: %w", err)
	}

	timeout, err := in.testTimeout(inv)
	if err != nil {
		return in.update(inv, func(r *result.Result) {
			r.Result = result.OutcomeError
			r.OriginalResult = result.OutcomeError
			r.AddNote("%v", err)
		})
	}

	env := in.buildEnv(inv, invDir, dataDir)
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	if err := in.update(inv, func(r *result.Result) { r.DataPath = invDir }); err != nil {
		return err
	}

	checks := in.runChecks(ctx, inv, result.CheckBeforeTest, checksDir)

	outcome := in.invokeLoop(ctx, inv, invDir, env, deadline)

	// pull everything the test left behind before interpreting; a
	// guest lost mid-test keeps whatever was already persisted
	if pullErr := in.g.Pull(ctx, invDir, invDir); pullErr != nil {
		logger.Warn(ctx, "Failed to pull test data", tag.Test(inv.Name), tag.Error(pullErr))
	}

	subresults, independent := in.harvestSubresults(ctx, inv, invDir, &outcome)
	checks = append(checks, in.runChecks(ctx, inv, result.CheckAfterTest, checksDir)...)

	end := time.Now()
	effective := result.InterpretOutcome(outcome.reduced, inv.ResultPolicy, checks)

	if err := in.update(inv, func(r *result.Result) {
		r.OriginalResult = outcome.original
		r.Result = effective
		r.Checks = checks
		r.SubResults = subresults
		r.Note = append(r.Note, outcome.notes...)
		r.SetTimes(start, end)
		r.Log = in.collectLogs(invDir)
	}); err != nil {
		return err
	}

	for _, extra := range independent {
		if err := in.sctx.Store.Add(extra); err != nil {
			return err
		}
	}

	in.checkAbort(ctx, inv, invDir, effective)
	return outcome.commErr
}

// testTimeout resolves the invocation's wall-clock budget. Zero means
// "no timeout" only under --ignore-duration; otherwise it is an error.
func (in *invoker) testTimeout(inv *engine.Invocation) (time.Duration, error) {
	if inv.Duration == "0" {
		if in.sctx.Options.IgnoreDuration {
			return 0, nil
		}
		return 0, fmt.Errorf("duration 0 is not allowed without --ignore-duration")
	}
	d, err := duration.Parse(inv.Duration)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	if d == 0 {
		if in.sctx.Options.IgnoreDuration {
			return 0, nil
		}
		return 0, fmt.Errorf("duration 0 is not allowed without --ignore-duration")
	}
	if in.sctx.Options.IgnoreDuration {
		return 0, nil
	}
	return d, nil
}

// outcomeState accumulates what the invoke loop learned.
type outcomeState struct {
	original result.Outcome
	reduced  result.Outcome
	notes    []string
	commErr  error
}

// invokeLoop runs the test script, following reboot requests and
// restart-on-exit-code until a final outcome is reached.
func (in *invoker) invokeLoop(ctx context.Context, inv *engine.Invocation, invDir string, env map[string]string, deadline time.Time) outcomeState {
	var state outcomeState
	rebootCount := 0
	restartCount := 0

	workDir := invDir
	if in.sctx.Tree != nil && inv.Path != "" {
		workDir = filepath.Join(in.sctx.Tree.Root, filepath.FromSlash(strings.TrimPrefix(inv.Path, "/")))
	}

	for {
		env["TMT_REBOOT_COUNT"] = strconv.Itoa(rebootCount)
		env["TMT_TEST_RESTART_COUNT"] = strconv.Itoa(restartCount)

		var timeout time.Duration
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				state.original = result.OutcomeError
				state.reduced = result.OutcomeError
				state.notes = append(state.notes, "test duration exceeded")
				return state
			}
		}

		logger.Info(ctx, "Test started", tag.Test(inv.Name), tag.Guest(in.g.Name()),
			tag.Serial(inv.SerialNumber), tag.Attempt(restartCount+rebootCount))

		res, err := in.g.Run(ctx, frameworkCommand(inv), guest.RunOptions{
			Env:     env,
			Dir:     workDir,
			Timeout: timeout,
			TTY:     inv.TTY,
		})
		in.appendOutput(invDir, res)

		switch {
		case errors.Is(err, guest.ErrTimeout):
			state.original = result.OutcomeError
			state.reduced = result.OutcomeError
			state.notes = append(state.notes, "test duration exceeded")
			return state

		case errors.Is(err, guest.ErrUnreachable):
			// might be the guest going down for a requested reboot
			if !in.rebootRequested(ctx, invDir) {
				state.original = result.OutcomeError
				state.reduced = result.OutcomeError
				state.notes = append(state.notes, "guest became unreachable during test")
				state.commErr = err
				in.writeFailures(invDir, inv, err)
				return state
			}

		case err != nil:
			state.original = result.OutcomeError
			state.reduced = result.OutcomeError
			state.notes = append(state.notes, fmt.Sprintf("failed to invoke test: %v", err))
			state.commErr = err
			return state
		}

		if in.rebootRequested(ctx, invDir) {
			req := in.readRebootRequest(ctx, invDir)
			rebootCount++
			logger.Info(ctx, "Reboot requested by test", tag.Test(inv.Name),
				tag.Guest(in.g.Name()), tag.Count(rebootCount))
			rebootTimeout := req.Timeout
			if rebootTimeout == 0 {
				rebootTimeout = in.sctx.Options.RebootTimeout
			}
			if err := in.g.Reboot(ctx, req.Command, rebootTimeout); err != nil {
				state.original = result.OutcomeError
				state.reduced = result.OutcomeError
				state.notes = append(state.notes, fmt.Sprintf("reboot failed: %v", err))
				in.writeFailures(invDir, inv, err)
				return state
			}
			continue
		}

		if inv.RestartsOn(res.ExitCode) {
			if restartCount < inv.RestartMaxCount {
				restartCount++
				logger.Info(ctx, "Restarting test", tag.Test(inv.Name),
					tag.ExitCode(res.ExitCode), tag.Attempt(restartCount))
				continue
			}
			state.original = result.OutcomeFail
			state.reduced = result.OutcomeFail
			state.notes = append(state.notes,
				fmt.Sprintf("restart limit reached (%d)", inv.RestartMaxCount))
			return state
		}

		state.original, state.reduced = in.frameworkOutcome(ctx, inv, invDir, res.ExitCode, &state)
		return state
	}
}

// frameworkOutcome derives the raw outcome after a final invocation.
func (in *invoker) frameworkOutcome(ctx context.Context, inv *engine.Invocation, invDir string, exitCode int, state *outcomeState) (original, reduced result.Outcome) {
	if inv.Framework == engine.FrameworkBeakerlib {
		// the journal, not the exit code, is authoritative
		_ = in.g.Pull(ctx, invDir, invDir)
		testResults, err := os.ReadFile(filepath.Join(invDir, beakerlibDirName, "TestResults"))
		if err != nil {
			state.notes = append(state.notes, "beakerlib TestResults not found")
			return result.OutcomeError, result.OutcomeError
		}
		outcome, err := beakerlibOutcome(string(testResults))
		if err != nil {
			state.notes = append(state.notes, err.Error())
			return result.OutcomeError, result.OutcomeError
		}
		return outcome, outcome
	}
	outcome := shellOutcome(exitCode)
	return outcome, outcome
}

// harvestSubresults collects tmt-report-result entries and beakerlib
// phases. For shell tests the parent outcome is the priority-reduced
// maximum of the subresults; beakerlib parents keep the journal
// verdict. With result: restraint every entry becomes an independent
// result instead.
func (in *invoker) harvestSubresults(ctx context.Context, inv *engine.Invocation, invDir string, state *outcomeState) ([]result.SubResult, []*result.Result) {
	var subresults []result.SubResult

	if inv.Framework == engine.FrameworkBeakerlib {
		journal, err := os.ReadFile(filepath.Join(invDir, beakerlibDirName, "journal.txt"))
		if err == nil {
			subresults = beakerlibPhases(string(journal))
		}
		return subresults, nil
	}

	data, err := os.ReadFile(filepath.Join(invDir, reportResultsFile))
	if err != nil {
		return nil, nil
	}
	reported := parseReportResults(string(data))
	if len(reported) == 0 {
		return nil, nil
	}

	if inv.ResultPolicy == result.InterpretRestraint {
		var independent []*result.Result
		for _, sub := range reported {
			serial, err := in.sctx.Serials.Next()
			if err != nil {
				logger.Error(ctx, "Failed to allocate serial", tag.Error(err))
				continue
			}
			independent = append(independent, &result.Result{
				Name:           inv.Name + "/" + strings.TrimPrefix(sub.Name, "/"),
				SerialNumber:   serial,
				Guest:          result.GuestIdentity{Name: in.g.Name(), Role: in.g.Role()},
				Result:         sub.Result,
				OriginalResult: sub.Result,
				Note:           sub.Note,
			})
		}
		return nil, independent
	}

	outcomes := make([]result.Outcome, 0, len(reported))
	for _, sub := range reported {
		outcomes = append(outcomes, sub.Result)
	}
	if reduced, ok := result.Reduce(outcomes); ok && reduced != state.reduced {
		state.reduced = reduced
		state.notes = append(state.notes,
			fmt.Sprintf("outcome reduced from %d subresults", len(reported)))
	}
	return reported, nil
}

// buildEnv layers the per-test environment: plan environment, plan
// environment files, test environment, then the engine-injected
// variables.
func (in *invoker) buildEnv(inv *engine.Invocation, invDir, dataDir string) map[string]string {
	env := map[string]string{}
	for k, v := range in.sctx.Plan.Environment {
		env[k] = v
	}
	for _, file := range in.sctx.Plan.EnvironmentFiles {
		path := file
		if !filepath.IsAbs(path) && in.sctx.Tree != nil {
			path = filepath.Join(in.sctx.Tree.Root, path)
		}
		if fromFile, err := godotenv.Read(path); err == nil {
			for k, v := range fromFile {
				env[k] = v
			}
		}
	}
	for k, v := range inv.Environment {
		env[k] = v
	}

	env["TMT_PLAN_DATA"] = in.planDataDir
	env["TMT_TEST_DATA"] = dataDir
	if in.sctx.Tree != nil {
		env["TMT_TREE"] = in.sctx.Tree.Root
	}
	env["TMT_TOPOLOGY_BASH"] = filepath.Join(in.sctx.StepDir, engine.TopologyBashFile)
	env["TMT_TOPOLOGY_YAML"] = filepath.Join(in.sctx.StepDir, engine.TopologyYAMLFile)
	env["TMT_TEST_ITERATION_ID"] = fmt.Sprintf("%s-%d", in.sctx.Run.Info.ID, inv.SerialNumber)
	env["TMT_TEST_PIDFILE"] = filepath.Join(invDir, pidFile)
	env["TMT_TEST_PIDFILE_LOCK"] = filepath.Join(invDir, pidFile+".lock")
	env["TMT_SCRIPTS_DIR"] = in.scriptsDir
	env["TMT_REBOOT_TIMEOUT"] = strconv.Itoa(int(in.sctx.Options.RebootTimeout.Seconds()))
	if in.sctx.Options.ArtifactsURL != "" {
		env["TMT_REPORT_ARTIFACTS_URL"] = in.sctx.Options.ArtifactsURL
	}
	if in.sctx.Options.Debug {
		env["TMT_DEBUG"] = "1"
	} else {
		env["TMT_DEBUG"] = "0"
	}
	return env
}

// appendOutput appends captured stdout and stderr to output.txt.
func (in *invoker) appendOutput(invDir string, res guest.RunResult) {
	f, err := os.OpenFile(filepath.Join(invDir, outputFile),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(res.Stdout)
	if res.Stderr != "" {
		_, _ = f.WriteString(res.Stderr)
	}
}

// rebootRequested checks for a reboot-request file next to the pidfile.
func (in *invoker) rebootRequested(ctx context.Context, invDir string) bool {
	path := filepath.Join(invDir, rebootRequestFile)
	_ = in.g.Pull(ctx, path, path)
	return fileutil.FileExists(path)
}

// readRebootRequest parses and consumes the reboot-request file.
func (in *invoker) readRebootRequest(ctx context.Context, invDir string) rebootRequest {
	path := filepath.Join(invDir, rebootRequestFile)
	content, _ := os.ReadFile(path)
	_ = os.Remove(path)
	_, _ = in.g.Run(ctx, fmt.Sprintf("rm -f %q", path), guest.RunOptions{Timeout: 10 * time.Second})
	return parseRebootRequest(string(content))
}

// checkAbort raises the run-wide abort flag on tmt-abort or when
// --exit-first sees a fail/error.
func (in *invoker) checkAbort(ctx context.Context, inv *engine.Invocation, invDir string, effective result.Outcome) {
	abortPath := filepath.Join(invDir, abortRequestFile)
	_ = in.g.Pull(ctx, abortPath, abortPath)
	if fileutil.FileExists(abortPath) {
		logger.Warn(ctx, "Abort requested by test", tag.Test(inv.Name))
		in.sctx.Abort.Raise(fmt.Sprintf("tmt-abort called by %s", inv.Name))
		_ = in.update(inv, func(r *result.Result) {
			r.Result = result.OutcomeError
			r.AddNote("aborted")
		})
		return
	}
	if in.sctx.Options.ExitFirst &&
		(effective == result.OutcomeFail || effective == result.OutcomeError) {
		in.sctx.Abort.Raise(fmt.Sprintf("%s %sed (--exit-first)", inv.Name, effective))
	}
}

// writeFailures records communication failures next to the test data.
func (in *invoker) writeFailures(invDir string, inv *engine.Invocation, failure error) {
	entry := []map[string]string{{
		"test":  inv.Name,
		"guest": in.g.Name(),
		"error": failure.Error(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	}}
	_ = fileutil.WriteYAML(filepath.Join(invDir, failuresFile), entry)
}

// collectLogs lists the invocation's log files relative to the execute
// step's plan directory.
func (in *invoker) collectLogs(invDir string) []string {
	var logs []string
	base := in.sctx.PlanDir
	output := filepath.Join(invDir, outputFile)
	if fileutil.FileExists(output) {
		if rel, err := filepath.Rel(base, output); err == nil {
			logs = append(logs, rel)
		}
	}
	dataDir := filepath.Join(invDir, "data")
	_ = filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(base, path); relErr == nil {
			logs = append(logs, rel)
		}
		return nil
	})
	return logs
}
