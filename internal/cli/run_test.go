package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx-org/tmx/internal/cmn/config"
	"github.com/tmx-org/tmx/internal/plan"
)

func TestParseSteps(t *testing.T) {
	t.Parallel()

	steps, err := parseSteps([]string{"discover", "execute"})
	require.NoError(t, err)
	assert.Equal(t, []plan.StepName{plan.StepDiscover, plan.StepExecute}, steps)

	_, err = parseSteps([]string{"compile"})
	assert.Error(t, err)

	steps, err = parseSteps(nil)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestBuildContext(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Context: map[string]string{"arch": "x86_64"}}

	ctx, err := buildContext(cfg, []string{"distro=fedora-40", "Trigger=commit"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fedora-40"}, ctx["distro"])
	assert.Equal(t, []string{"commit"}, ctx["trigger"], "context keys are lowercased")
	assert.Equal(t, []string{"x86_64"}, ctx["arch"], "config defaults are kept")

	_, err = buildContext(cfg, []string{"no-equals"})
	assert.Error(t, err)
}

func TestBuildOptions(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	opts, err := buildOptions(cfg, &runFlags{
		force:      []string{"provision"},
		again:      []string{"execute"},
		failedOnly: true,
		exitFirst:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, []plan.StepName{plan.StepProvision}, opts.Force)
	assert.Equal(t, []plan.StepName{plan.StepExecute}, opts.Again)
	assert.True(t, opts.FailedOnly)
	assert.True(t, opts.ExitFirst)

	_, err = buildOptions(cfg, &runFlags{force: []string{"bogus"}})
	assert.Error(t, err)
}
