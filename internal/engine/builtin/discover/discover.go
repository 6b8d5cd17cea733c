// Package discover implements the fmf and shell discover plugins.
//
// The fmf variant selects test nodes from the metadata tree; the shell
// variant takes an inline test list from the phase configuration.
package discover

import (
	"context"
	"fmt"

	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/rules"
)

func init() {
	engine.RegisterDiscoverer("fmf", func() engine.Discoverer { return &fmfDiscoverer{} })
	engine.RegisterDiscoverer("shell", func() engine.Discoverer { return &shellDiscoverer{} })
}

type fmfDiscoverer struct{}

// Discover selects test nodes from the tree, applies per-test adjust
// rules under the plan context and builds invocations.
func (d *fmfDiscoverer) Discover(ctx context.Context, sctx *engine.StepContext, phase plan.Phase) ([]*engine.Invocation, error) {
	if sctx.Tree == nil {
		return nil, fmt.Errorf("%w: fmf discover requires a metadata tree", plan.ErrSpecification)
	}

	opts := metadata.SelectOptions{}
	var err error
	if opts.Names, err = rules.StringList(phase.Data["test"]); err != nil {
		return nil, fmt.Errorf("%w: invalid test selection: %v", plan.ErrSpecification, err)
	}
	if opts.Includes, err = rules.StringList(phase.Data["include"]); err != nil {
		return nil, fmt.Errorf("%w: invalid include: %v", plan.ErrSpecification, err)
	}
	if opts.Excludes, err = rules.StringList(phase.Data["exclude"]); err != nil {
		return nil, fmt.Errorf("%w: invalid exclude: %v", plan.ErrSpecification, err)
	}

	nodes, err := sctx.Tree.Select(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrSpecification, err)
	}

	var invocations []*engine.Invocation
	for _, node := range nodes {
		data := node.Data
		if _, ok := data["test"]; !ok {
			continue
		}

		adjustments, err := plan.ParseAdjust(data["adjust"])
		if err != nil {
			return nil, fmt.Errorf("%w: test %s: %v", plan.ErrSpecification, node.Name, err)
		}
		if len(adjustments) > 0 {
			if data, err = rules.Adjust(data, adjustments, sctx.Plan.Context); err != nil {
				return nil, fmt.Errorf("%w: test %s: %v", plan.ErrSpecification, node.Name, err)
			}
		}

		enabled, err := rules.Enabled(data, sctx.Plan.Context)
		if err != nil {
			return nil, fmt.Errorf("%w: test %s: %v", plan.ErrSpecification, node.Name, err)
		}
		if !enabled {
			logger.Debug(ctx, "Test disabled, skipping", tag.Test(node.Name))
			continue
		}

		inv, err := invocationFromData(node.Name, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", plan.ErrSpecification, err)
		}
		invocations = append(invocations, inv)
	}
	return invocations, nil
}

type shellDiscoverer struct{}

// Discover builds invocations from the inline tests list of the phase.
func (d *shellDiscoverer) Discover(_ context.Context, _ *engine.StepContext, phase plan.Phase) ([]*engine.Invocation, error) {
	entries, ok := phase.Data["tests"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: shell discover requires a tests list", plan.ErrSpecification)
	}

	var invocations []*engine.Invocation
	for i, entry := range entries {
		data, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: invalid tests entry %d: expected mapping, got %T",
				plan.ErrSpecification, i, entry)
		}
		name, _ := data["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: tests entry %d is missing a name", plan.ErrSpecification, i)
		}
		inv, err := invocationFromData(name, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", plan.ErrSpecification, err)
		}
		invocations = append(invocations, inv)
	}
	return invocations, nil
}
