package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/rules"
)

func materialize(t *testing.T, data map[string]any, runCtx rules.Context) *Plan {
	t.Helper()
	p, err := Materialize(&metadata.Node{Name: "/plans/basic", Data: data}, runCtx)
	require.NoError(t, err)
	return p
}

func TestMaterializeDefaults(t *testing.T) {
	t.Parallel()

	p := materialize(t, map[string]any{
		"summary": "a basic plan",
		"execute": map[string]any{"script": "exit 0"},
	}, nil)

	assert.Equal(t, "/plans/basic", p.Name)
	assert.Equal(t, "a basic plan", p.Summary)
	assert.True(t, p.Enabled)

	// every step is present, even if empty
	for _, step := range StepOrder {
		require.Contains(t, p.Steps, step)
	}

	execute := p.Step(StepExecute)
	require.Len(t, execute.Phases, 1)
	phase := execute.Phases[0]
	assert.Equal(t, "tmt", phase.How)
	assert.Equal(t, "default-0", phase.Name)
	assert.Equal(t, OrderDefault, phase.Order)
	assert.Equal(t, "exit 0", phase.Data["script"])
	assert.Equal(t, "/plans/basic/execute/default-0", phase.Key)
}

func TestMaterializePhaseList(t *testing.T) {
	t.Parallel()

	p := materialize(t, map[string]any{
		"discover": []any{
			map[string]any{"name": "setup", "how": "shell", "where": "server"},
			map[string]any{"name": "run", "how": "shell", "where": []any{"server", "client"}},
		},
	}, nil)

	discover := p.Step(StepDiscover)
	require.Len(t, discover.Phases, 2)
	assert.Equal(t, []string{"server"}, discover.Phases[0].Where)
	assert.Equal(t, []string{"server", "client"}, discover.Phases[1].Where)
	assert.Equal(t, 1, discover.Phases[1].Source)
}

func TestMaterializeContextAndAdjust(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"context": map[string]any{"distro": "fedora-33"},
		"adjust": []any{
			map[string]any{
				"when":    "distro == fedora-33",
				"enabled": false,
				"because": "not supported there",
			},
		},
	}

	p := materialize(t, data, nil)
	assert.False(t, p.Enabled, "adjust disabled the plan")

	// the run context overrides the plan context
	p = materialize(t, data, rules.NewContext(map[string]string{"distro": "fedora-40"}))
	assert.True(t, p.Enabled)
}

func TestMaterializeEnvironment(t *testing.T) {
	t.Parallel()

	p := materialize(t, map[string]any{
		"environment":      map[string]any{"STAGE": "prod", "RETRIES": 3},
		"environment-file": "env/common.env",
	}, nil)

	assert.Equal(t, map[string]string{"STAGE": "prod", "RETRIES": "3"}, p.Environment)
	assert.Equal(t, []string{"env/common.env"}, p.EnvironmentFiles)
}

func TestMaterializeSpecificationErrors(t *testing.T) {
	t.Parallel()

	for name, data := range map[string]map[string]any{
		"bad step type":   {"execute": "not a phase"},
		"bad order":       {"execute": map[string]any{"order": "high"}},
		"bad when":        {"execute": map[string]any{"when": map[string]any{}}},
		"bad context":     {"context": "fedora"},
		"bad adjust":      {"adjust": []any{"nope"}},
		"bad adjust rule": {"adjust": []any{map[string]any{"enabled": false}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Materialize(&metadata.Node{Name: "/p", Data: data}, nil)
			assert.ErrorIs(t, err, ErrSpecification)
		})
	}
}

func TestActivePhasesSelectionAndOrdering(t *testing.T) {
	t.Parallel()

	cfg := &StepConfig{Step: StepPrepare, Phases: []Phase{
		{Name: "late", Order: OrderLate, Source: 0, Key: "/p/prepare/late"},
		{Name: "first", Order: 10, Source: 1, Key: "/p/prepare/first"},
		{Name: "skipped", Order: 20, Source: 2, Key: "/p/prepare/skipped",
			When: []string{"distro == fedora-99"}},
		{Name: "tie-b", Order: OrderDefault, Source: 4, Key: "/p/prepare/tie-b"},
		{Name: "tie-a", Order: OrderDefault, Source: 3, Key: "/p/prepare/tie-a"},
	}}

	ctx := rules.NewContext(map[string]string{"distro": "fedora-33"})
	active, err := ActivePhases(cfg, ctx)
	require.NoError(t, err)

	var names []string
	for _, phase := range active {
		names = append(names, phase.Name)
	}
	assert.Equal(t, []string{"first", "tie-a", "tie-b", "late"}, names)
}

func TestActivePhasesIdenticalOrderAndSource(t *testing.T) {
	t.Parallel()

	// phases produced by inheritance can share order and source; the
	// fully qualified key decides deterministically
	cfg := &StepConfig{Step: StepPrepare, Phases: []Phase{
		{Name: "b", Order: OrderDefault, Source: 0, Key: "/p/prepare/b"},
		{Name: "a", Order: OrderDefault, Source: 0, Key: "/p/prepare/a"},
	}}
	active, err := ActivePhases(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", active[0].Name)
	assert.Equal(t, "b", active[1].Name)
}
