// Package execute implements the tmt execute plugin: it runs each test
// invocation on its guest, handles reboot and restart loops, harvests
// subresults and checks, and keeps the result store current.
package execute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/plan"
)

func init() {
	engine.RegisterExecutor("tmt", func() engine.Executor { return &tmtExecutor{} })
}

type tmtExecutor struct{}

// Execute runs the assigned invocations sequentially on one guest.
func (x *tmtExecutor) Execute(ctx context.Context, sctx *engine.StepContext, phase plan.Phase, g guest.Guest, invocations []*engine.Invocation) error {
	scriptsDir, err := installScripts(ctx, sctx.PlanDir, g)
	if err != nil {
		return fmt.Errorf("failed to install helper scripts on %s: %w", g.Name(), err)
	}

	if sctx.Tree != nil {
		if err := g.Push(ctx, sctx.Tree.Root, sctx.Tree.Root); err != nil {
			return fmt.Errorf("failed to push tree to %s: %w", g.Name(), err)
		}
	}
	for _, name := range []string{engine.TopologyBashFile, engine.TopologyYAMLFile} {
		path := filepath.Join(sctx.StepDir, name)
		if err := g.Push(ctx, path, path); err != nil {
			return fmt.Errorf("failed to push topology to %s: %w", g.Name(), err)
		}
	}

	planDataDir := filepath.Join(sctx.PlanDir, "data")
	if err := os.MkdirAll(planDataDir, 0755); err != nil {
		return err
	}

	inv := &invoker{
		sctx:        sctx,
		g:           g,
		scriptsDir:  scriptsDir,
		planDataDir: planDataDir,
	}

	var firstErr error
	for _, invocation := range invocations {
		if err := inv.run(ctx, invocation); err != nil {
			logger.Error(ctx, "Test invocation failed", tag.Test(invocation.Name),
				tag.Guest(g.Name()), tag.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
