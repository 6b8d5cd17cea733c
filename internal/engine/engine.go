// Package engine drives plans through the six fixed steps, dispatching
// phases across guests and collecting results.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tmx-org/tmx/internal/cmn/config"
	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/result"
	"github.com/tmx-org/tmx/internal/run"
	"github.com/tmx-org/tmx/internal/rules"
)

// GuestsFile stores reconnect data for each guest of a plan.
const GuestsFile = "guests.yaml"

// ResultsFile is the continuously updated result store of a plan.
const ResultsFile = "results.yaml"

// PlanFile is the materialized plan written into the plan workdir.
const PlanFile = "plan.yaml"

// Engine runs all enabled plans of a run.
type Engine struct {
	cfg     *config.Config
	tree    *metadata.Tree
	r       *run.Run
	opts    Options
	context rules.Context
	abort   *AbortFlag
	serials *SerialCounter
}

// New creates an engine for the given run.
func New(cfg *config.Config, tree *metadata.Tree, r *run.Run, runContext rules.Context, opts Options) *Engine {
	if opts.RebootTimeout <= 0 {
		opts.RebootTimeout = cfg.RebootTimeout
	}
	return &Engine{
		cfg:     cfg,
		tree:    tree,
		r:       r,
		opts:    opts,
		context: runContext,
		abort:   &AbortFlag{},
		serials: NewSerialCounter(r),
	}
}

// Summary is the aggregated outcome of a finished run.
type Summary struct {
	Results []result.Result
	// PlanErrors records per-plan failures that are not test outcomes.
	PlanErrors map[string]error
}

// ExitCode maps the summary to the process exit code: 0 when every
// outcome is in {pass, info, skip}, 1 on any fail or warn, 2 on any
// error (including plan-level failures).
func (s *Summary) ExitCode() int {
	code := 0
	for _, r := range s.Results {
		switch r.Result {
		case result.OutcomeFail, result.OutcomeWarn:
			if code < 1 {
				code = 1
			}
		case result.OutcomeError:
			code = 2
		}
	}
	if len(s.PlanErrors) > 0 && code < 2 {
		code = 2
	}
	return code
}

// Run executes every enabled plan of the run in sequence.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.r.Info.Context = map[string][]string(e.context)
	if err := e.r.Save(); err != nil {
		return nil, Internal(err)
	}

	nodes, err := e.selectPlans()
	if err != nil {
		return nil, err
	}

	summary := &Summary{PlanErrors: map[string]error{}}
	for _, node := range nodes {
		p, err := plan.Materialize(node, e.context)
		if err != nil {
			logger.Error(ctx, "Plan materialization failed", tag.Plan(node.Name), tag.Error(err))
			summary.PlanErrors[node.Name] = err
			_ = e.r.SetPlanStatus(node.Name, "error")
			continue
		}
		if !p.Enabled {
			// a disabled plan is skipped entirely; its workdir is not
			// created
			logger.Info(ctx, "Plan is disabled, skipping", tag.Plan(p.Name))
			_ = e.r.SetPlanStatus(p.Name, "skipped")
			continue
		}

		_ = e.r.SetPlanStatus(p.Name, "running")
		pr, err := e.newPlanRun(p)
		if err != nil {
			summary.PlanErrors[p.Name] = err
			_ = e.r.SetPlanStatus(p.Name, "error")
			continue
		}
		if err := e.runPlan(ctx, pr); err != nil {
			summary.PlanErrors[p.Name] = err
			_ = e.r.SetPlanStatus(p.Name, "error")
		} else {
			_ = e.r.SetPlanStatus(p.Name, "done")
		}
		summary.Results = append(summary.Results, pr.store.Results()...)
	}

	if err := e.r.Finalize(); err != nil {
		return summary, Internal(err)
	}
	return summary, nil
}

func (e *Engine) selectPlans() ([]*metadata.Node, error) {
	selected, err := e.tree.Select(metadata.SelectOptions{Names: e.opts.Names})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrSpecification, err)
	}
	var nodes []*metadata.Node
	for _, node := range selected {
		// only nodes carrying at least one step key are plans
		for _, step := range plan.StepOrder {
			if _, ok := node.Data[string(step)]; ok {
				nodes = append(nodes, node)
				break
			}
		}
	}
	return nodes, nil
}

// planRun is the in-flight state of one plan.
type planRun struct {
	plan    *plan.Plan
	planDir string
	guests  []guest.Guest
	store   *result.Store
}

func (e *Engine) newPlanRun(p *plan.Plan) (*planRun, error) {
	planDir := e.r.PlanDir(p.Name)
	if err := os.MkdirAll(planDir, 0755); err != nil {
		return nil, Internal(err)
	}
	if err := fileutil.WriteYAML(filepath.Join(planDir, PlanFile), planDocument(p)); err != nil {
		return nil, Internal(err)
	}
	store, err := result.LoadStore(filepath.Join(planDir, string(plan.StepExecute), ResultsFile))
	if err != nil {
		return nil, Internal(err)
	}
	return &planRun{plan: p, planDir: planDir, store: store}, nil
}

// planDocument renders the materialized plan for plan.yaml.
func planDocument(p *plan.Plan) map[string]any {
	doc := map[string]any{
		"name":    p.Name,
		"summary": p.Summary,
		"enabled": p.Enabled,
		"context": map[string][]string(p.Context),
	}
	for _, step := range plan.StepOrder {
		var phases []map[string]any
		for _, phase := range p.Step(step).Phases {
			m := map[string]any{
				"how":   phase.How,
				"name":  phase.Name,
				"order": phase.Order,
			}
			if len(phase.When) > 0 {
				m["when"] = phase.When
			}
			if len(phase.Where) > 0 {
				m["where"] = phase.Where
			}
			for k, v := range phase.Data {
				m[k] = v
			}
			phases = append(phases, m)
		}
		doc[string(step)] = phases
	}
	return doc
}

// runPlan drives the fixed step sequence. Finish runs even when earlier
// steps failed (best effort, for guests that were acquired); report
// runs even when execute was interrupted so partial results stay
// visible.
func (e *Engine) runPlan(ctx context.Context, pr *planRun) error {
	e.resetForcedSteps(pr)

	var firstErr error
	for _, step := range plan.StepOrder {
		if firstErr != nil && step != plan.StepFinish && step != plan.StepReport {
			continue
		}
		if err := e.runStep(ctx, pr, step); err != nil {
			logger.Error(ctx, "Step failed", tag.Plan(pr.plan.Name), tag.Step(string(step)), tag.Error(err))
			if firstErr == nil {
				firstErr = err
				// tests that will never run become errors with a note
				e.failPending(pr, fmt.Sprintf("plan failed in %s: %v", step, err))
			}
		}
	}
	return firstErr
}

// resetForcedSteps discards the state of forced steps and everything
// downstream of the earliest one.
func (e *Engine) resetForcedSteps(pr *planRun) {
	forced := false
	for _, step := range plan.StepOrder {
		if !forced && e.opts.ForcesStep(step) {
			forced = true
		}
		if forced {
			stepDir := e.r.StepDir(pr.plan.Name, step)
			_ = os.Remove(filepath.Join(stepDir, run.StateFile))
		}
	}
}

func (e *Engine) runStep(ctx context.Context, pr *planRun, step plan.StepName) error {
	stepDir := e.r.StepDir(pr.plan.Name, step)
	if err := os.MkdirAll(stepDir, 0755); err != nil {
		return Internal(err)
	}

	state, err := run.LoadStepState(stepDir)
	if err != nil {
		return Internal(err)
	}

	sctx := &StepContext{
		Run:     e.r,
		Plan:    pr.plan,
		Tree:    e.tree,
		Options: e.opts,
		PlanDir: pr.planDir,
		StepDir: stepDir,
		Guests:  pr.guests,
		Store:   pr.store,
		Serials: e.serials,
		Abort:   e.abort,
	}

	if state.Status == run.StatusDone && !e.opts.AgainStep(step) {
		logger.Debug(ctx, "Step already done, skipping", tag.Plan(pr.plan.Name), tag.Step(string(step)))
		return e.replayStep(ctx, pr, step, sctx)
	}
	if e.opts.AgainStep(step) {
		// --again re-executes preserving the existing output directory
		state = run.StepState{Status: run.StatusTodo}
	}

	logger.Info(ctx, "Step started", tag.Plan(pr.plan.Name), tag.Step(string(step)))
	state.Status = run.StatusPending
	if err := run.SaveStepState(stepDir, state); err != nil {
		return Internal(err)
	}

	phases, err := plan.ActivePhases(pr.plan.Step(step), pr.plan.Context)
	if err != nil {
		return err
	}

	var stepErr error
	switch step {
	case plan.StepDiscover:
		stepErr = e.runDiscover(ctx, sctx, phases, &state)
	case plan.StepProvision:
		stepErr = e.runProvision(ctx, pr, sctx, phases, &state)
	case plan.StepPrepare:
		phases, err = e.withRequiresPhase(pr, phases)
		if err != nil {
			return err
		}
		stepErr = e.runGuestPhases(ctx, sctx, phases, &state, NewPreparer)
	case plan.StepExecute:
		stepErr = e.runExecute(ctx, pr, sctx, phases, &state)
	case plan.StepFinish:
		stepErr = e.runFinish(ctx, pr, sctx, phases, &state)
	case plan.StepReport:
		stepErr = e.runReport(ctx, sctx, phases, &state)
	}

	if stepErr != nil {
		// abnormal exit leaves the step pending for resume
		_ = run.SaveStepState(sctx.StepDir, state)
		return stepErr
	}

	state.Status = run.StatusDone
	if err := run.SaveStepState(stepDir, state); err != nil {
		return Internal(err)
	}
	logger.Info(ctx, "Step finished", tag.Plan(pr.plan.Name), tag.Step(string(step)),
		tag.Status(string(run.StatusDone)))
	return nil
}

// replayStep restores in-memory state from a step that is already done:
// provision reconnects its guests so later steps can use them.
func (e *Engine) replayStep(ctx context.Context, pr *planRun, step plan.StepName, sctx *StepContext) error {
	if step != plan.StepProvision {
		return nil
	}
	var specs []guest.Spec
	if err := fileutil.ReadYAML(filepath.Join(sctx.StepDir, GuestsFile), &specs); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Internal(err)
	}
	for _, spec := range specs {
		provider, err := guest.NewProvider(spec.How)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProvision, err)
		}
		g, err := provider.Acquire(ctx, spec)
		if err != nil {
			return fmt.Errorf("%w: failed to reconnect guest %s: %v", ErrProvision, spec.Name, err)
		}
		pr.guests = append(pr.guests, g)
	}
	logger.Info(ctx, "Guests reconnected", tag.Plan(pr.plan.Name), tag.Count(len(pr.guests)))
	return nil
}

// failPending marks every still-pending result as an error with an
// explanatory note.
func (e *Engine) failPending(pr *planRun, note string) {
	for _, r := range pr.store.Results() {
		if r.Result == result.OutcomePending {
			_ = pr.store.Update(r.SerialNumber, r.Guest.Name, func(res *result.Result) {
				res.Result = result.OutcomeError
				res.AddNote("%s", note)
			})
		}
	}
}

// provisionSpecs derives the intended guest specs from the provision
// step configuration. Guest names default to the phase name, so they
// are known before provisioning starts; discover uses them to create
// pending results.
func provisionSpecs(p *plan.Plan, ctx rules.Context) ([]guest.Spec, error) {
	phases, err := plan.ActivePhases(p.Step(plan.StepProvision), ctx)
	if err != nil {
		return nil, err
	}
	if len(phases) == 0 {
		// a plan without provision configuration runs on a single
		// implicit local guest
		return []guest.Spec{{How: "local", Name: "default-0"}}, nil
	}
	specs := make([]guest.Spec, 0, len(phases))
	for _, phase := range phases {
		spec := guest.Spec{How: phase.How, Name: phase.Name}
		if role, ok := phase.Data["role"].(string); ok {
			spec.Role = role
		}
		if host, ok := phase.Data["host"].(string); ok {
			spec.Host = host
		}
		if port, ok := phase.Data["port"].(string); ok {
			spec.Port = port
		}
		if user, ok := phase.Data["user"].(string); ok {
			spec.User = user
		}
		if password, ok := phase.Data["password"].(string); ok {
			spec.Password = password
		}
		if key, ok := phase.Data["key"].(string); ok {
			spec.Key = key
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
