package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return NewContext(map[string]string{
		"distro":  "fedora-33",
		"arch":    "x86_64",
		"trigger": "commit",
	})
}

func TestEval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rule string
		want bool
	}{
		{"distro == fedora-33", true},
		{"distro == Fedora-33", true},
		{"distro == fedora-34", false},
		{"distro != fedora-34", true},
		{"distro < fedora-34", true},
		{"distro <= fedora-33", true},
		{"distro > fedora-32", true},
		{"distro > fedora-34", false},
		{"distro >= fedora-34", false},
		{"distro < centos-9", false},
		{"arch ~ x86.*", true},
		{"arch !~ aarch.*", true},
		{"arch !~ x86.*", false},
		{"distro is defined", true},
		{"component is not defined", true},
		{"component is defined", false},
		{"component == bash", false},
		{"distro == fedora-33 && arch == x86_64", true},
		{"distro == fedora-34 && arch == x86_64", false},
		{"distro == fedora-34 || arch == x86_64", true},
		{"distro == fedora-34 || arch == aarch64", false},
		// && binds tighter than ||
		{"trigger == push || distro == fedora-33 && arch == x86_64", true},
	}
	for _, tc := range tests {
		t.Run(tc.rule, func(t *testing.T) {
			expr, err := Parse(tc.rule)
			require.NoError(t, err)
			got, err := expr.Eval(testContext())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, tc.rule)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, rule := range []string{
		"",
		"distro",
		"distro ==",
		"distro equals fedora",
		"distro is",
		"distro is not",
		"distro is perhaps defined",
		"distro == fedora-33 &&",
		"distro == fedora-33 extra",
	} {
		t.Run(rule, func(t *testing.T) {
			_, err := Parse(rule)
			assert.Error(t, err)
		})
	}
}

func TestMatchesAnyRule(t *testing.T) {
	t.Parallel()

	ctx := testContext()

	matched, err := Matches([]string{"distro == fedora-34", "arch == x86_64"}, ctx)
	require.NoError(t, err)
	assert.True(t, matched, "any matching rule satisfies the list")

	matched, err = Matches(nil, ctx)
	require.NoError(t, err)
	assert.True(t, matched, "empty rule list matches")

	matched, err = Matches([]string{"distro == fedora-34"}, ctx)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestMultiValueDimension(t *testing.T) {
	t.Parallel()

	ctx := Context{"variant": {"server", "workstation"}}
	matched, err := Matches([]string{"variant == workstation"}, ctx)
	require.NoError(t, err)
	assert.True(t, matched)
}
