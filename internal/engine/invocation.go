package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/result"
)

// TestsFile is the discover output file listing invocations.
const TestsFile = "tests.yaml"

// Framework names the harness a test script runs under.
const (
	FrameworkShell     = "shell"
	FrameworkBeakerlib = "beakerlib"
)

// CheckSpec configures one check attached to a test.
type CheckSpec struct {
	How       string            `yaml:"how"`
	Event     result.CheckEvent `yaml:"event,omitempty"`
	Interpret result.Interpret  `yaml:"result,omitempty"`
	Options   map[string]any    `yaml:"options,omitempty"`
}

// Invocation is one discovered test with its run-unique serial number.
// The same test appearing in multiple discover phases receives distinct
// serials.
type Invocation struct {
	Name         string `yaml:"name"`
	SerialNumber int    `yaml:"serial-number"`
	Summary      string `yaml:"summary,omitempty"`

	// Script is the command executed under the framework.
	Script string `yaml:"test"`
	// Path is the test working directory relative to the tree root.
	Path string `yaml:"path,omitempty"`

	Framework   string            `yaml:"framework,omitempty"`
	Duration    string            `yaml:"duration,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Require     []string          `yaml:"require,omitempty"`
	Recommend   []string          `yaml:"recommend,omitempty"`

	// ResultPolicy governs outcome interpretation.
	ResultPolicy result.Interpret `yaml:"result,omitempty"`

	RestartOnExitCodes []int `yaml:"restart-on-exit-code,omitempty"`
	RestartMaxCount    int   `yaml:"restart-max-count,omitempty"`

	TTY bool `yaml:"tty,omitempty"`

	Checks []CheckSpec `yaml:"check,omitempty"`

	// Where carries the discover phase's guest restriction.
	Where []string `yaml:"where,omitempty"`

	// Phase is the discover phase that produced the invocation. Tests
	// from one phase run in parallel across guests; a barrier separates
	// consecutive phases.
	Phase string `yaml:"phase,omitempty"`

	IDs map[string]string `yaml:"ids,omitempty"`
}

// RestartMaxLimit caps restart-max-count.
const RestartMaxLimit = 10

// DefaultDuration applies when a test does not set one.
const DefaultDuration = "5m"

// Normalize fills invocation defaults and validates fields.
func (inv *Invocation) Normalize() error {
	if inv.Name == "" {
		return fmt.Errorf("test name must be specified")
	}
	if inv.Script == "" {
		return fmt.Errorf("test %s: script must be specified", inv.Name)
	}
	if inv.Framework == "" {
		inv.Framework = FrameworkShell
	}
	if inv.Framework != FrameworkShell && inv.Framework != FrameworkBeakerlib {
		return fmt.Errorf("test %s: unknown framework %q", inv.Name, inv.Framework)
	}
	if inv.Duration == "" {
		inv.Duration = DefaultDuration
	}
	if inv.ResultPolicy == "" {
		inv.ResultPolicy = result.InterpretRespect
	}
	if !result.ValidTestInterpret(inv.ResultPolicy) {
		return fmt.Errorf("test %s: invalid result policy %q", inv.Name, inv.ResultPolicy)
	}
	if inv.RestartMaxCount == 0 {
		inv.RestartMaxCount = 1
	}
	if inv.RestartMaxCount > RestartMaxLimit {
		inv.RestartMaxCount = RestartMaxLimit
	}
	for i := range inv.Checks {
		if inv.Checks[i].Event == "" {
			inv.Checks[i].Event = result.CheckAfterTest
		}
		if inv.Checks[i].Interpret == "" {
			inv.Checks[i].Interpret = result.InterpretRespect
		}
		if !result.ValidCheckInterpret(inv.Checks[i].Interpret) {
			return fmt.Errorf("test %s: invalid check result policy %q",
				inv.Name, inv.Checks[i].Interpret)
		}
	}
	return nil
}

// RestartsOn reports whether the exit code triggers a restart.
func (inv *Invocation) RestartsOn(exitCode int) bool {
	for _, code := range inv.RestartOnExitCodes {
		if code == exitCode {
			return true
		}
	}
	return false
}

// WriteInvocations persists tests.yaml into the discover step dir.
func WriteInvocations(stepDir string, invocations []*Invocation) error {
	return fileutil.WriteYAML(filepath.Join(stepDir, TestsFile), invocations)
}

// ReadInvocations loads tests.yaml from the discover step dir. Missing
// file yields an empty list.
func ReadInvocations(stepDir string) ([]*Invocation, error) {
	var invocations []*Invocation
	err := fileutil.ReadYAML(filepath.Join(stepDir, TestsFile), &invocations)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return invocations, nil
}
