package run

import (
	"os"
	"path/filepath"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
)

// StepStatus is the lifecycle state of one step of a plan run.
type StepStatus string

const (
	// StatusTodo means the step has not started.
	StatusTodo StepStatus = "todo"
	// StatusPending means the step is in progress (or was interrupted).
	StatusPending StepStatus = "pending"
	// StatusDone means every selected phase completed.
	StatusDone StepStatus = "done"
)

// StateFile is the per-step state file name.
const StateFile = "step.yaml"

// StepState is the persisted state of one step.
type StepState struct {
	Status StepStatus `yaml:"status"`
	// Phases records the fully qualified keys of phases that finished,
	// letting a resumed run skip completed work.
	Phases []string `yaml:"phases,omitempty"`
	// Tainted marks a step that completed with per-guest failures.
	Tainted   bool   `yaml:"tainted,omitempty"`
	UpdatedAt string `yaml:"updated-at,omitempty"`
}

// PhaseDone reports whether the phase key is recorded as finished.
func (s *StepState) PhaseDone(key string) bool {
	for _, done := range s.Phases {
		if done == key {
			return true
		}
	}
	return false
}

// MarkPhaseDone records a finished phase (idempotent).
func (s *StepState) MarkPhaseDone(key string) {
	if !s.PhaseDone(key) {
		s.Phases = append(s.Phases, key)
	}
}

// LoadStepState reads the state of a step directory. A missing file
// yields a fresh todo state.
func LoadStepState(stepDir string) (StepState, error) {
	var state StepState
	err := fileutil.ReadYAML(filepath.Join(stepDir, StateFile), &state)
	if err != nil {
		if os.IsNotExist(err) {
			return StepState{Status: StatusTodo}, nil
		}
		return state, err
	}
	if state.Status == "" {
		state.Status = StatusTodo
	}
	return state, nil
}

// SaveStepState persists the state of a step directory atomically.
func SaveStepState(stepDir string, state StepState) error {
	state.UpdatedAt = timestamp()
	return fileutil.WriteYAML(filepath.Join(stepDir, StateFile), state)
}
