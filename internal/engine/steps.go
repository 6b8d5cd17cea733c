package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/result"
	"github.com/tmx-org/tmx/internal/run"
)

// Topology file names within the execute step dir.
const (
	TopologyBashFile = "topology.sh"
	TopologyYAMLFile = "topology.yaml"
)

// runDiscover executes the discover phases and materializes tests.yaml
// plus the pending results.
func (e *Engine) runDiscover(ctx context.Context, sctx *StepContext, phases []plan.Phase, state *run.StepState) error {
	existing, err := ReadInvocations(sctx.StepDir)
	if err != nil {
		return Internal(err)
	}
	// serials stay stable across re-discovery so rerun results replace
	// rather than duplicate
	knownSerials := map[string]int{}
	for _, inv := range existing {
		knownSerials[inv.Phase+"\x00"+inv.Name] = inv.SerialNumber
	}
	existingByPhase := map[string][]*Invocation{}
	for _, inv := range existing {
		existingByPhase[inv.Phase] = append(existingByPhase[inv.Phase], inv)
	}

	var invocations []*Invocation
	for _, phase := range phases {
		if state.PhaseDone(phase.Key) {
			invocations = append(invocations, existingByPhase[phase.Name]...)
			continue
		}
		discoverer, err := NewDiscoverer(phase.How)
		if err != nil {
			return err
		}
		logger.Info(ctx, "Discovering tests", tag.Plan(sctx.Plan.Name),
			tag.Phase(phase.Name), tag.How(phase.How))
		found, err := discoverer.Discover(ctx, sctx, phase)
		if err != nil {
			return fmt.Errorf("discover phase %s: %w", phase.Name, err)
		}
		for _, inv := range found {
			inv.Phase = phase.Name
			if len(inv.Where) == 0 {
				inv.Where = phase.Where
			}
			if serial, ok := knownSerials[inv.Phase+"\x00"+inv.Name]; ok {
				inv.SerialNumber = serial
			} else {
				serial, err := sctx.Serials.Next()
				if err != nil {
					return Internal(err)
				}
				inv.SerialNumber = serial
			}
			if err := inv.Normalize(); err != nil {
				return fmt.Errorf("%w: %v", plan.ErrSpecification, err)
			}
			invocations = append(invocations, inv)
		}
		state.MarkPhaseDone(phase.Key)
		if err := run.SaveStepState(sctx.StepDir, *state); err != nil {
			return Internal(err)
		}
	}

	if e.opts.FailedOnly {
		invocations = e.filterFailed(invocations, sctx.Store)
	}

	if err := WriteInvocations(sctx.StepDir, invocations); err != nil {
		return Internal(err)
	}
	logger.Info(ctx, "Tests discovered", tag.Plan(sctx.Plan.Name), tag.Count(len(invocations)))

	return e.createPendingResults(sctx, invocations)
}

// filterFailed keeps only invocations whose prior result is fail or
// error.
func (e *Engine) filterFailed(invocations []*Invocation, store *result.Store) []*Invocation {
	failed := map[string]bool{}
	for _, r := range store.Results() {
		if r.Result == result.OutcomeFail || r.Result == result.OutcomeError {
			failed[r.Name] = true
		}
	}
	var kept []*Invocation
	for _, inv := range invocations {
		if failed[inv.Name] {
			kept = append(kept, inv)
		}
	}
	return kept
}

// createPendingResults writes one pending result per (invocation,
// intended guest) pair. Guest names are known before provisioning from
// the provision phase configuration.
func (e *Engine) createPendingResults(sctx *StepContext, invocations []*Invocation) error {
	specs, err := provisionSpecs(sctx.Plan, sctx.Plan.Context)
	if err != nil {
		return err
	}
	for _, inv := range invocations {
		for _, spec := range specs {
			if len(inv.Where) > 0 && !matchesWhere(inv.Where, spec.Name, spec.Role) {
				continue
			}
			r := &result.Result{
				Name:         inv.Name,
				SerialNumber: inv.SerialNumber,
				Guest:        result.GuestIdentity{Name: spec.Name, Role: spec.Role},
				Result:       result.OutcomePending,
				Context:      map[string][]string(sctx.Plan.Context),
				IDs:          inv.IDs,
			}
			if err := sctx.Store.Add(r); err != nil {
				return Internal(err)
			}
		}
	}
	return nil
}

// runProvision acquires every configured guest. Guests run in parallel
// only when all requested provisioner variants declare parallel-safe
// capability; otherwise the step falls back to sequential silently.
func (e *Engine) runProvision(ctx context.Context, pr *planRun, sctx *StepContext, phases []plan.Phase, state *run.StepState) error {
	specs, err := provisionSpecs(sctx.Plan, sctx.Plan.Context)
	if err != nil {
		return err
	}

	providers := make([]guest.Provider, len(specs))
	parallel := len(specs) > 1
	for i, spec := range specs {
		provider, err := guest.NewProvider(spec.How)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProvision, err)
		}
		providers[i] = provider
		if !provider.ParallelSafe() {
			parallel = false
		}
	}

	acquired := make([]guest.Guest, len(specs))
	acquire := func(i int) error {
		g, err := providers[i].Acquire(ctx, specs[i])
		if err != nil {
			return fmt.Errorf("%w: guest %s: %v", ErrProvision, specs[i].Name, err)
		}
		logger.Info(ctx, "Guest provisioned", tag.Plan(pr.plan.Name),
			tag.Guest(specs[i].Name), tag.How(specs[i].How))
		acquired[i] = g
		return nil
	}

	var provisionErr error
	if parallel {
		var eg errgroup.Group
		for i := range specs {
			i := i
			eg.Go(func() error { return acquire(i) })
		}
		provisionErr = eg.Wait()
	} else {
		for i := range specs {
			if err := acquire(i); err != nil {
				provisionErr = err
				break
			}
		}
	}

	// keep whatever was acquired so finish can release it
	var acquiredSpecs []guest.Spec
	for i, g := range acquired {
		if g != nil {
			pr.guests = append(pr.guests, g)
			acquiredSpecs = append(acquiredSpecs, specs[i])
		}
	}
	sctx.Guests = pr.guests

	if err := e.writeGuestsFile(sctx.StepDir, acquiredSpecs); err != nil {
		return Internal(err)
	}
	return provisionErr
}

func (e *Engine) writeGuestsFile(stepDir string, specs []guest.Spec) error {
	return fileutil.WriteYAML(filepath.Join(stepDir, GuestsFile), specs)
}

// withRequiresPhase injects a generated install phase covering the
// discovered tests' required and recommended packages. The generated
// phases are placed ahead of every explicit prepare phase, whatever its
// order, so explicit prepare phases see the packages.
func (e *Engine) withRequiresPhase(pr *planRun, phases []plan.Phase) ([]plan.Phase, error) {
	invocations, err := ReadInvocations(e.r.StepDir(pr.plan.Name, plan.StepDiscover))
	if err != nil {
		return nil, Internal(err)
	}

	seen := map[string]bool{}
	var required, recommended []any
	for _, inv := range invocations {
		for _, pkg := range inv.Require {
			if !seen[pkg] {
				seen[pkg] = true
				required = append(required, pkg)
			}
		}
		for _, pkg := range inv.Recommend {
			if !seen[pkg] {
				seen[pkg] = true
				recommended = append(recommended, pkg)
			}
		}
	}

	var generated []plan.Phase
	if len(required) > 0 {
		generated = append(generated, plan.Phase{
			How:   "install",
			Name:  "requires",
			Order: plan.OrderRequires,
			Key:   fmt.Sprintf("%s/%s/requires", pr.plan.Name, plan.StepPrepare),
			Data:  map[string]any{"package": required},
		})
	}
	if len(recommended) > 0 {
		// missing recommended packages do not fail the phase
		generated = append(generated, plan.Phase{
			How:   "install",
			Name:  "recommends",
			Order: plan.OrderRequires,
			Key:   fmt.Sprintf("%s/%s/recommends", pr.plan.Name, plan.StepPrepare),
			Data:  map[string]any{"package": recommended, "missing": "skip"},
		})
	}
	return append(generated, phases...), nil
}

// runGuestPhases drives prepare-style phases: each phase dispatches to
// its selected guests and the barrier completes before the next phase.
func (e *Engine) runGuestPhases(ctx context.Context, sctx *StepContext, phases []plan.Phase, state *run.StepState, factory func(string) (PhaseRunner, error)) error {
	for _, phase := range phases {
		if state.PhaseDone(phase.Key) {
			continue
		}
		runner, err := factory(phase.How)
		if err != nil {
			return err
		}
		guests := SelectGuests(phase.Where, sctx.Guests)
		if len(guests) == 0 && len(phase.Where) > 0 {
			logger.Warn(ctx, "No active guest matches where, skipping phase",
				tag.Phase(phase.Name), tag.Reason(fmt.Sprintf("where: %v", phase.Where)))
			state.MarkPhaseDone(phase.Key)
			continue
		}

		phase := phase
		err = Dispatch(ctx, guests, false, func(ctx context.Context, g guest.Guest) error {
			logger.Info(ctx, "Running phase", tag.Phase(phase.Name), tag.How(phase.How), tag.Guest(g.Name()))
			return runner.RunPhase(ctx, sctx, phase, g)
		})
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase.Name, err)
		}
		state.MarkPhaseDone(phase.Key)
		if err := run.SaveStepState(sctx.StepDir, *state); err != nil {
			return Internal(err)
		}
	}
	return nil
}

// runExecute runs the discovered tests. Tests from one discover phase
// fan out across guests concurrently; a barrier separates consecutive
// discover phases, so phase n+1 starts on no guest before phase n has
// finished on every guest.
func (e *Engine) runExecute(ctx context.Context, pr *planRun, sctx *StepContext, phases []plan.Phase, state *run.StepState) error {
	invocations, err := ReadInvocations(e.r.StepDir(pr.plan.Name, plan.StepDiscover))
	if err != nil {
		return Internal(err)
	}
	if len(phases) == 0 || len(invocations) == 0 {
		// an empty execute step yields a valid run with zero results
		return nil
	}

	sctx.Topology = guest.NewTopology(sctx.Guests)
	if err := sctx.Topology.WriteBash(filepath.Join(sctx.StepDir, TopologyBashFile)); err != nil {
		return Internal(err)
	}
	if err := sctx.Topology.WriteYAML(filepath.Join(sctx.StepDir, TopologyYAMLFile)); err != nil {
		return Internal(err)
	}

	var errs []error
	for _, phase := range phases {
		executor, err := NewExecutor(phase.How)
		if err != nil {
			return err
		}
		phaseGuests := SelectGuests(phase.Where, sctx.Guests)

		for _, group := range groupInvocations(invocations) {
			group := group
			phase := phase
			err := Dispatch(ctx, phaseGuests, false, func(ctx context.Context, g guest.Guest) error {
				assigned := invocationsForGuest(group, g)
				if len(assigned) == 0 {
					return nil
				}
				return executor.Execute(ctx, sctx, phase, g, assigned)
			})
			if err != nil {
				// the barrier was honored; record the failure and keep
				// going so remaining groups still produce results
				state.Tainted = true
				errs = append(errs, err)
			}
		}
		state.MarkPhaseDone(phase.Key)
		if err := run.SaveStepState(sctx.StepDir, *state); err != nil {
			return Internal(err)
		}
	}
	return errors.Join(errs...)
}

// groupInvocations splits the ordered invocation list into consecutive
// groups sharing a discover phase.
func groupInvocations(invocations []*Invocation) [][]*Invocation {
	var groups [][]*Invocation
	for _, inv := range invocations {
		if len(groups) == 0 || groups[len(groups)-1][0].Phase != inv.Phase {
			groups = append(groups, []*Invocation{inv})
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], inv)
	}
	return groups
}

// invocationsForGuest selects the invocations assigned to the guest.
func invocationsForGuest(invocations []*Invocation, g guest.Guest) []*Invocation {
	var assigned []*Invocation
	for _, inv := range invocations {
		if len(inv.Where) == 0 || matchesWhere(inv.Where, g.Name(), g.Role()) {
			assigned = append(assigned, inv)
		}
	}
	return assigned
}

// runFinish executes finish phases best-effort, then releases every
// guest. Cached connections (SSH masters) are explicitly torn down here.
func (e *Engine) runFinish(ctx context.Context, pr *planRun, sctx *StepContext, phases []plan.Phase, state *run.StepState) error {
	err := e.runGuestPhases(ctx, sctx, phases, state, NewFinisher)
	if err != nil {
		logger.Warn(ctx, "Finish phase failed", tag.Plan(pr.plan.Name), tag.Error(err))
		state.Tainted = true
	}

	for _, g := range pr.guests {
		if releaseErr := g.Release(ctx); releaseErr != nil {
			logger.Warn(ctx, "Failed to release guest", tag.Guest(g.Name()), tag.Error(releaseErr))
		}
	}
	pr.guests = nil
	return err
}

// runReport feeds every report phase. A failing report backend never
// changes a result outcome and does not fail the run.
func (e *Engine) runReport(ctx context.Context, sctx *StepContext, phases []plan.Phase, state *run.StepState) error {
	for _, phase := range phases {
		if state.PhaseDone(phase.Key) {
			continue
		}
		reporter, err := NewReporter(phase.How)
		if err != nil {
			logger.Warn(ctx, "Report plugin unavailable", tag.How(phase.How), tag.Error(err))
			continue
		}
		if err := reporter.Report(ctx, sctx, phase); err != nil {
			logger.Warn(ctx, "Report phase failed", tag.Phase(phase.Name), tag.Error(err))
		}
		state.MarkPhaseDone(phase.Key)
	}
	return nil
}
