package execute

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/result"
)

// beakerlibDirName is the on-guest directory beakerlib writes its
// journal and TestResults state into, one per invocation.
const beakerlibDirName = "beakerlib"

// frameworkCommand wraps the test script for its framework. The
// pidfile is written under flock first so tmt-reboot can find and
// signal the running test.
func frameworkCommand(inv *engine.Invocation) string {
	var b strings.Builder
	b.WriteString(`export PATH="$TMT_SCRIPTS_DIR:$PATH"` + "\n")
	b.WriteString(`( flock 9; echo $$ > "$TMT_TEST_PIDFILE"; ) 9>"$TMT_TEST_PIDFILE_LOCK"` + "\n")
	if inv.Framework == engine.FrameworkBeakerlib {
		b.WriteString(`export BEAKERLIB_DIR="$(dirname "$TMT_TEST_DATA")/` + beakerlibDirName + `"` + "\n")
		b.WriteString(`mkdir -p "$BEAKERLIB_DIR"` + "\n")
	}
	b.WriteString(inv.Script)
	return b.String()
}

// shellOutcome maps a shell test's exit code to its raw outcome.
func shellOutcome(exitCode int) result.Outcome {
	if exitCode == 0 {
		return result.OutcomePass
	}
	return result.OutcomeFail
}

var beakerlibResultPattern = regexp.MustCompile(`(?m)^TESTRESULT_RESULT_STRING=(\S+)`)

// beakerlibOutcome reads the overall outcome from the TestResults
// state file the beakerlib harness writes.
func beakerlibOutcome(testResults string) (result.Outcome, error) {
	m := beakerlibResultPattern.FindStringSubmatch(testResults)
	if m == nil {
		return result.OutcomeError, fmt.Errorf("TESTRESULT_RESULT_STRING not found in TestResults")
	}
	switch strings.ToUpper(m[1]) {
	case "PASS":
		return result.OutcomePass, nil
	case "FAIL":
		return result.OutcomeFail, nil
	case "WARN":
		return result.OutcomeWarn, nil
	default:
		return result.OutcomeError, fmt.Errorf("unknown beakerlib result %q", m[1])
	}
}

var beakerlibPhasePattern = regexp.MustCompile(`^::\s+\[\s*(PASS|FAIL|WARN)\s*\]\s+::\s+(.+?)\s*$`)

// beakerlibPhases extracts one subresult per phase boundary from the
// journal text.
func beakerlibPhases(journal string) []result.SubResult {
	var subresults []result.SubResult
	for _, line := range strings.Split(journal, "\n") {
		m := beakerlibPhasePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		outcome := result.OutcomePass
		switch m[1] {
		case "FAIL":
			outcome = result.OutcomeFail
		case "WARN":
			outcome = result.OutcomeWarn
		}
		subresults = append(subresults, result.SubResult{
			Name:   m[2],
			Result: outcome,
		})
	}
	return subresults
}

// parseReportResults parses the report-results file written by
// tmt-report-result calls: one "name outcome [note]" entry per line.
func parseReportResults(data string) []result.SubResult {
	var subresults []result.SubResult
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			continue
		}
		outcome := result.Outcome(fields[1])
		if !outcome.Valid() {
			continue
		}
		sub := result.SubResult{Name: fields[0], Result: outcome}
		if len(fields) == 3 {
			sub.Note = []string{fields[2]}
		}
		subresults = append(subresults, sub)
	}
	return subresults
}
