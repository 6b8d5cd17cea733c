package engine

import (
	"context"
	"fmt"

	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/plan"
)

// Discoverer produces test invocations from one discover phase.
type Discoverer interface {
	Discover(ctx context.Context, sctx *StepContext, phase plan.Phase) ([]*Invocation, error)
}

// PhaseRunner executes one prepare or finish phase on one guest.
type PhaseRunner interface {
	RunPhase(ctx context.Context, sctx *StepContext, phase plan.Phase, g guest.Guest) error
}

// Executor runs the given test invocations of one execute phase on one
// guest, updating the result store as it goes.
type Executor interface {
	Execute(ctx context.Context, sctx *StepContext, phase plan.Phase, g guest.Guest, invocations []*Invocation) error
}

// Reporter consumes the finalized result list of a plan. Reporting is
// best-effort: a failing reporter never changes a result outcome.
type Reporter interface {
	Report(ctx context.Context, sctx *StepContext, phase plan.Phase) error
}

// CheckRunner executes one check kind around a test.
type CheckRunner interface {
	RunCheck(ctx context.Context, sctx *StepContext, spec CheckSpec, g guest.Guest, dataDir string) (CheckOutput, error)
}

// CheckOutput is what a check run produced.
type CheckOutput struct {
	Result string
	Logs   []string
	Notes  []string
}

type (
	// DiscovererFactory creates a Discoverer for a phase.
	DiscovererFactory func() Discoverer
	// PhaseRunnerFactory creates a PhaseRunner for a phase.
	PhaseRunnerFactory func() PhaseRunner
	// ExecutorFactory creates an Executor for a phase.
	ExecutorFactory func() Executor
	// ReporterFactory creates a Reporter for a phase.
	ReporterFactory func() Reporter
	// CheckRunnerFactory creates a CheckRunner for a check kind.
	CheckRunnerFactory func() CheckRunner
)

var (
	discovererRegistry  = make(map[string]DiscovererFactory)
	prepareRegistry     = make(map[string]PhaseRunnerFactory)
	executorRegistry    = make(map[string]ExecutorFactory)
	finishRegistry      = make(map[string]PhaseRunnerFactory)
	reporterRegistry    = make(map[string]ReporterFactory)
	checkRunnerRegistry = make(map[string]CheckRunnerFactory)
)

// RegisterDiscoverer registers a discover plugin under its how value.
func RegisterDiscoverer(how string, factory DiscovererFactory) {
	discovererRegistry[how] = factory
}

// RegisterPreparer registers a prepare plugin under its how value.
func RegisterPreparer(how string, factory PhaseRunnerFactory) {
	prepareRegistry[how] = factory
}

// RegisterExecutor registers an execute plugin under its how value.
func RegisterExecutor(how string, factory ExecutorFactory) {
	executorRegistry[how] = factory
}

// RegisterFinisher registers a finish plugin under its how value.
func RegisterFinisher(how string, factory PhaseRunnerFactory) {
	finishRegistry[how] = factory
}

// RegisterReporter registers a report plugin under its how value.
func RegisterReporter(how string, factory ReporterFactory) {
	reporterRegistry[how] = factory
}

// RegisterCheckRunner registers a check kind.
func RegisterCheckRunner(how string, factory CheckRunnerFactory) {
	checkRunnerRegistry[how] = factory
}

// NewDiscoverer creates the discover plugin for the phase.
func NewDiscoverer(how string) (Discoverer, error) {
	factory, ok := discovererRegistry[how]
	if !ok {
		return nil, fmt.Errorf("%w: discover plugin %q is not registered", plan.ErrSpecification, how)
	}
	return factory(), nil
}

// NewPreparer creates the prepare plugin for the phase.
func NewPreparer(how string) (PhaseRunner, error) {
	factory, ok := prepareRegistry[how]
	if !ok {
		return nil, fmt.Errorf("%w: prepare plugin %q is not registered", plan.ErrSpecification, how)
	}
	return factory(), nil
}

// NewExecutor creates the execute plugin for the phase.
func NewExecutor(how string) (Executor, error) {
	factory, ok := executorRegistry[how]
	if !ok {
		return nil, fmt.Errorf("%w: execute plugin %q is not registered", plan.ErrSpecification, how)
	}
	return factory(), nil
}

// NewFinisher creates the finish plugin for the phase.
func NewFinisher(how string) (PhaseRunner, error) {
	factory, ok := finishRegistry[how]
	if !ok {
		return nil, fmt.Errorf("%w: finish plugin %q is not registered", plan.ErrSpecification, how)
	}
	return factory(), nil
}

// NewReporter creates the report plugin for the phase.
func NewReporter(how string) (Reporter, error) {
	factory, ok := reporterRegistry[how]
	if !ok {
		return nil, fmt.Errorf("%w: report plugin %q is not registered", plan.ErrSpecification, how)
	}
	return factory(), nil
}

// NewCheckRunner creates the runner for the check kind.
func NewCheckRunner(how string) (CheckRunner, error) {
	factory, ok := checkRunnerRegistry[how]
	if !ok {
		return nil, fmt.Errorf("check %q is not registered", how)
	}
	return factory(), nil
}
