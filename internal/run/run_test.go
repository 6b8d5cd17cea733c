package run

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx-org/tmx/internal/plan"
)

func TestNewAndOpen(t *testing.T) {
	t.Parallel()

	runsDir := t.TempDir()
	r, err := New(runsDir)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Info.ID)
	assert.FileExists(t, filepath.Join(r.Root, InfoFile))

	reopened, err := Open(r.Root)
	require.NoError(t, err)
	assert.Equal(t, r.Info.ID, reopened.Info.ID)

	_, err = Open(filepath.Join(runsDir, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenOrNew(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "my-run")
	r, err := OpenOrNew(root)
	require.NoError(t, err)

	again, err := OpenOrNew(root)
	require.NoError(t, err)
	assert.Equal(t, r.Info.ID, again.Info.ID)
}

func TestPlanAndStepDirs(t *testing.T) {
	t.Parallel()

	r := &Run{Root: "/var/tmp/tmx/abc"}
	assert.Equal(t, "/var/tmp/tmx/abc/plans/smoke", r.PlanDir("/plans/smoke"))
	assert.Equal(t, "/var/tmp/tmx/abc/plans/smoke/execute",
		r.StepDir("/plans/smoke", plan.StepExecute))
}

func TestStepStateRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	state, err := LoadStepState(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, state.Status, "missing state file means todo")

	state.Status = StatusPending
	state.MarkPhaseDone("/p/prepare/first")
	state.MarkPhaseDone("/p/prepare/first")
	require.NoError(t, SaveStepState(dir, state))

	loaded, err := LoadStepState(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, []string{"/p/prepare/first"}, loaded.Phases)
	assert.True(t, loaded.PhaseDone("/p/prepare/first"))
	assert.False(t, loaded.PhaseDone("/p/prepare/other"))
}

func TestScratch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stale.txt"), []byte("x"), 0644))
	require.NoError(t, Scratch(root))
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFinalizeHonorsRemoveIntent(t *testing.T) {
	t.Parallel()

	r, err := New(t.TempDir())
	require.NoError(t, err)

	// --keep cancels a prior removal intent
	r.Info.Remove = true
	r.Info.Remove = false
	require.NoError(t, r.Finalize())
	assert.DirExists(t, r.Root)

	r.Info.Remove = true
	require.NoError(t, r.Finalize())
	assert.NoDirExists(t, r.Root)
}

func TestLastRunPointer(t *testing.T) {
	t.Parallel()

	pointer := filepath.Join(t.TempDir(), "last-run")
	require.NoError(t, RecordLast(pointer, "/var/tmp/tmx/abc"))
	root, err := Last(pointer)
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/tmx/abc", root)

	_, err = Last(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSetPlanStatus(t *testing.T) {
	t.Parallel()

	r, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.SetPlanStatus("/plans/smoke", "running"))
	require.NoError(t, r.SetPlanStatus("/plans/smoke", "done"))
	require.Len(t, r.Info.Plans, 1)
	assert.Equal(t, "done", r.Info.Plans[0].Status)
}
