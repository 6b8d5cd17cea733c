package execute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx-org/tmx/internal/result"
)

func TestShellOutcome(t *testing.T) {
	t.Parallel()

	assert.Equal(t, result.OutcomePass, shellOutcome(0))
	assert.Equal(t, result.OutcomeFail, shellOutcome(1))
	assert.Equal(t, result.OutcomeFail, shellOutcome(79))
}

func TestBeakerlibOutcome(t *testing.T) {
	t.Parallel()

	outcome, err := beakerlibOutcome("TESTRESULT_STATE=complete\nTESTRESULT_RESULT_STRING=PASS\n")
	require.NoError(t, err)
	assert.Equal(t, result.OutcomePass, outcome)

	outcome, err = beakerlibOutcome("TESTRESULT_RESULT_STRING=FAIL\n")
	require.NoError(t, err)
	assert.Equal(t, result.OutcomeFail, outcome)

	outcome, err = beakerlibOutcome("TESTRESULT_RESULT_STRING=WARN\n")
	require.NoError(t, err)
	assert.Equal(t, result.OutcomeWarn, outcome)

	_, err = beakerlibOutcome("nothing here")
	assert.Error(t, err)

	_, err = beakerlibOutcome("TESTRESULT_RESULT_STRING=BOGUS")
	assert.Error(t, err)
}

func TestBeakerlibPhases(t *testing.T) {
	t.Parallel()

	journal := `
:: [ 10:00:00 ] :: starting test
:: [   PASS   ] :: Setup finished
:: [   FAIL   ] :: Main check
:: [   WARN   ] :: Cleanup step
some unrelated line
`
	phases := beakerlibPhases(journal)
	require.Len(t, phases, 3)
	assert.Equal(t, "Setup finished", phases[0].Name)
	assert.Equal(t, result.OutcomePass, phases[0].Result)
	assert.Equal(t, result.OutcomeFail, phases[1].Result)
	assert.Equal(t, result.OutcomeWarn, phases[2].Result)
}

func TestParseReportResults(t *testing.T) {
	t.Parallel()

	subresults := parseReportResults("A pass\nB fail something went wrong\n\nC bogus\nD info\n")
	require.Len(t, subresults, 3)
	assert.Equal(t, "A", subresults[0].Name)
	assert.Equal(t, result.OutcomePass, subresults[0].Result)
	assert.Equal(t, result.OutcomeFail, subresults[1].Result)
	assert.Equal(t, []string{"something went wrong"}, subresults[1].Note)
	assert.Equal(t, result.OutcomeInfo, subresults[2].Result)
}

func TestParseRebootRequest(t *testing.T) {
	t.Parallel()

	req := parseRebootRequest("command=reboot -f\ntimeout=120\nefi-skip=1\n")
	assert.Equal(t, "reboot -f", req.Command)
	assert.Equal(t, 2*time.Minute, req.Timeout)
	assert.True(t, req.SkipEFI)

	empty := parseRebootRequest("command=\ntimeout=\nefi-skip=0\n")
	assert.Empty(t, empty.Command)
	assert.Zero(t, empty.Timeout)
	assert.False(t, empty.SkipEFI)
}
