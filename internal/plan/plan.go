// Package plan materializes test plans from metadata nodes.
//
// A plan carries exactly one configuration per step; each step
// configuration is a possibly-empty ordered list of phases.
package plan

import (
	"errors"
	"fmt"

	"github.com/tmx-org/tmx/internal/rules"
)

// StepName names one of the six fixed pipeline steps.
type StepName string

const (
	StepDiscover  StepName = "discover"
	StepProvision StepName = "provision"
	StepPrepare   StepName = "prepare"
	StepExecute   StepName = "execute"
	StepFinish    StepName = "finish"
	StepReport    StepName = "report"
)

// StepOrder is the fixed execution order of the steps.
var StepOrder = []StepName{
	StepDiscover,
	StepProvision,
	StepPrepare,
	StepExecute,
	StepFinish,
	StepReport,
}

// Phase order priority bands.
const (
	// OrderRequires is used by the generated phase installing test
	// requirements.
	OrderRequires = 30
	// OrderDefault applies when a phase does not set an order.
	OrderDefault = 50
	// OrderPlanScripts is used by scripts defined directly in the plan.
	OrderPlanScripts = 70
	// OrderLate runs after everything else.
	OrderLate = 75
)

// ErrSpecification marks metadata that violates the plan schema. Plans
// with specification errors abort before provisioning.
var ErrSpecification = errors.New("specification error")

// Phase is a single configured action within a step.
type Phase struct {
	// How selects the plugin variant executing the phase.
	How string
	// Name is the stable phase identifier inside the step.
	Name string
	// Order positions the phase within the step; ties break by source
	// order, then by the fully qualified key.
	Order int
	// When lists context predicates; the phase is active iff any
	// matches (or the list is empty).
	When []string
	// Where restricts the phase to guests with matching name or role;
	// empty means all guests.
	Where []string
	// Data holds the remaining plugin-specific options.
	Data map[string]any

	// Source is the position within the step configuration.
	Source int
	// Key is the fully qualified phase identifier
	// ("<plan>/<step>/<name>"), the deterministic final tie-break.
	Key string
}

// StepConfig is the ordered phase list of one step.
type StepConfig struct {
	Step   StepName
	Phases []Phase
}

// Plan is a materialized test pipeline.
type Plan struct {
	Name             string
	Summary          string
	Enabled          bool
	Context          rules.Context
	Environment      map[string]string
	EnvironmentFiles []string
	Link             []string
	Steps            map[StepName]*StepConfig
}

// Step returns the configuration of the named step. Every plan has all
// six, so a missing entry is a programming error.
func (p *Plan) Step(name StepName) *StepConfig {
	cfg, ok := p.Steps[name]
	if !ok {
		panic(fmt.Sprintf("plan %s has no %s step", p.Name, name))
	}
	return cfg
}
