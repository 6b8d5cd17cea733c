// Package finish implements the shell finish plugin.
package finish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/rules"
)

const scriptTimeout = 10 * time.Minute

func init() {
	engine.RegisterFinisher("shell", func() engine.PhaseRunner { return &shellPhase{} })
}

type shellPhase struct{}

// RunPhase runs the cleanup scripts on the guest. Finish is best
// effort: a failing script is reported but the remaining scripts still
// run so guests are left as clean as possible.
func (p *shellPhase) RunPhase(ctx context.Context, sctx *engine.StepContext, phase plan.Phase, g guest.Guest) error {
	scripts, err := rules.StringList(phase.Data["script"])
	if err != nil {
		return fmt.Errorf("%w: invalid script: %v", plan.ErrSpecification, err)
	}

	logPath := filepath.Join(sctx.StepDir, fmt.Sprintf("%s-%s.log", phase.Name, g.Name()))
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	var firstErr error
	for _, script := range scripts {
		logger.Debug(ctx, "Running finish script", tag.Phase(phase.Name),
			tag.Guest(g.Name()), tag.Command(script))
		res, err := g.Run(ctx, script, guest.RunOptions{
			Env:     sctx.Plan.Environment,
			Timeout: scriptTimeout,
		})
		_, _ = logFile.WriteString(res.Stdout)
		_, _ = logFile.WriteString(res.Stderr)
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = fmt.Errorf("script failed on %s: %w", g.Name(), err)
			}
		case res.ExitCode != 0:
			if firstErr == nil {
				firstErr = fmt.Errorf("script exited with %d on %s", res.ExitCode, g.Name())
			}
		}
	}
	return firstErr
}
