package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/result"
)

func init() {
	engine.RegisterCheckRunner("file-exists", func() engine.CheckRunner { return fileExistsCheck{} })
}

// runChecks executes every check of the invocation matching the event
// and records one result.Check entry per run.
func (in *invoker) runChecks(ctx context.Context, inv *engine.Invocation, event result.CheckEvent, checksDir string) []result.Check {
	var checks []result.Check
	for _, spec := range inv.Checks {
		if spec.Event != event {
			continue
		}
		entry := result.Check{
			How:       spec.How,
			Event:     event,
			Interpret: spec.Interpret,
		}

		runner, err := engine.NewCheckRunner(spec.How)
		if err != nil {
			entry.Result = result.OutcomeError
			entry.Note = append(entry.Note, err.Error())
			checks = append(checks, entry)
			continue
		}

		logger.Debug(ctx, "Running check", tag.Check(spec.How), tag.Test(inv.Name),
			tag.Guest(in.g.Name()))
		out, err := runner.RunCheck(ctx, in.sctx, spec, in.g, checksDir)
		if err != nil {
			entry.Result = result.OutcomeError
			entry.Note = append(entry.Note, err.Error())
		} else {
			entry.Result = result.Outcome(out.Result)
			entry.Log = out.Logs
			entry.Note = out.Notes
		}
		checks = append(checks, entry)
	}
	return checks
}

// fileExistsCheck passes when the configured path exists on the guest.
type fileExistsCheck struct{}

func (fileExistsCheck) RunCheck(ctx context.Context, _ *engine.StepContext, spec engine.CheckSpec, g guest.Guest, _ string) (engine.CheckOutput, error) {
	path, _ := spec.Options["path"].(string)
	if path == "" {
		return engine.CheckOutput{}, fmt.Errorf("file-exists check requires a path option")
	}
	res, err := g.Run(ctx, fmt.Sprintf("test -e %q", path),
		guest.RunOptions{Timeout: 30 * time.Second})
	if err != nil {
		return engine.CheckOutput{}, err
	}
	if res.ExitCode == 0 {
		return engine.CheckOutput{Result: string(result.OutcomePass)}, nil
	}
	return engine.CheckOutput{
		Result: string(result.OutcomeFail),
		Notes:  []string{fmt.Sprintf("path %s does not exist", path)},
	}, nil
}
