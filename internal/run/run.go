// Package run owns the on-disk layout and persisted state of a run.
//
// Layout, per run root:
//
//	run.yaml                      plan list, status, context
//	<plan-id-path>/plan.yaml      materialized plan
//	<plan-id-path>/<step>/        one directory per step
//	<plan-id-path>/<step>/step.yaml   persisted step state
//	log.txt                       engine debug log
//
// Every *.yaml the engine keeps open is written via write-rename, so an
// interrupted run leaves a consistent snapshot.
package run

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/plan"
)

// InfoFile is the run metadata file name.
const InfoFile = "run.yaml"

// LogFile is the engine debug log file name.
const LogFile = "log.txt"

// ErrNotFound is returned when a run workdir does not exist.
var ErrNotFound = errors.New("run not found")

// PlanStatus summarizes one plan within run.yaml.
type PlanStatus struct {
	Name   string `yaml:"name"`
	Status string `yaml:"status,omitempty"`
}

// Info is the persisted content of run.yaml.
type Info struct {
	ID      string              `yaml:"id"`
	Context map[string][]string `yaml:"context,omitempty"`
	Plans   []PlanStatus        `yaml:"plans,omitempty"`
	// Remove marks the workdir for deletion on successful finalization.
	Remove bool `yaml:"remove,omitempty"`
	// LastSerial is the highest test serial number handed out so far.
	// Serial numbers are unique within the run, across plans.
	LastSerial int `yaml:"last-serial,omitempty"`
}

// Run is the top-level artifact: a workdir plus persisted metadata.
type Run struct {
	Root string
	Info Info
}

// New creates a fresh run with a generated id under runsDir.
func New(runsDir string) (*Run, error) {
	id := uuid.NewString()
	root := filepath.Join(runsDir, id)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run workdir: %w", err)
	}
	r := &Run{Root: root, Info: Info{ID: id}}
	if err := r.Save(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open loads an existing run from its workdir.
func Open(root string) (*Run, error) {
	r := &Run{Root: root}
	if err := fileutil.ReadYAML(filepath.Join(root, InfoFile), &r.Info); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		return nil, err
	}
	return r, nil
}

// OpenOrNew opens the run at root, creating it when missing. Used for
// --id pointing at a fresh path.
func OpenOrNew(root string) (*Run, error) {
	r, err := Open(root)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run workdir: %w", err)
	}
	r = &Run{Root: root, Info: Info{ID: uuid.NewString()}}
	if err := r.Save(); err != nil {
		return nil, err
	}
	return r, nil
}

// Scratch purges the workdir content at root so the run starts fresh.
func Scratch(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Save persists run.yaml atomically.
func (r *Run) Save() error {
	return fileutil.WriteYAML(filepath.Join(r.Root, InfoFile), r.Info)
}

// SetPlanStatus updates (or appends) the status of a plan and saves.
func (r *Run) SetPlanStatus(name, status string) error {
	for i := range r.Info.Plans {
		if r.Info.Plans[i].Name == name {
			r.Info.Plans[i].Status = status
			return r.Save()
		}
	}
	r.Info.Plans = append(r.Info.Plans, PlanStatus{Name: name, Status: status})
	return r.Save()
}

// LogPath returns the engine log file path.
func (r *Run) LogPath() string {
	return filepath.Join(r.Root, LogFile)
}

// PlanDir returns the workdir of a plan, derived from its identifier.
func (r *Run) PlanDir(planName string) string {
	return filepath.Join(r.Root, filepath.FromSlash(strings.TrimPrefix(planName, "/")))
}

// StepDir returns the workdir of one step of a plan.
func (r *Run) StepDir(planName string, step plan.StepName) string {
	return filepath.Join(r.PlanDir(planName), string(step))
}

// Finalize removes the workdir if removal was requested.
func (r *Run) Finalize() error {
	if !r.Info.Remove {
		return nil
	}
	return os.RemoveAll(r.Root)
}

// RecordLast writes the run root to the last-run pointer file.
func RecordLast(lastRunFile, root string) error {
	return fileutil.WriteFileAtomic(lastRunFile, []byte(root+"\n"), 0644)
}

// Last reads the last-run pointer file.
func Last(lastRunFile string) (string, error) {
	data, err := os.ReadFile(lastRunFile)
	if err != nil {
		return "", fmt.Errorf("no previous run recorded: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
