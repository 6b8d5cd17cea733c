// Package prepare implements the shell and install prepare plugins.
package prepare

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/rules"
)

// scriptTimeout bounds a single prepare command.
const scriptTimeout = 30 * time.Minute

func init() {
	engine.RegisterPreparer("shell", func() engine.PhaseRunner { return &shellPhase{} })
	engine.RegisterPreparer("install", func() engine.PhaseRunner { return &installPhase{} })
}

type shellPhase struct{}

// RunPhase runs the phase's script list on the guest, capturing output
// into the step workdir.
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

	for _, script := range scripts {
		logger.Debug(ctx, "Running prepare script", tag.Phase(phase.Name),
			tag.Guest(g.Name()), tag.Command(script))
		res, err := g.Run(ctx, script, guest.RunOptions{
			Env:     sctx.Plan.Environment,
			Timeout: scriptTimeout,
		})
		_, _ = logFile.WriteString(res.Stdout)
		_, _ = logFile.WriteString(res.Stderr)
		if err != nil {
			return fmt.Errorf("script failed on %s: %w", g.Name(), err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("script exited with %d on %s", res.ExitCode, g.Name())
		}
	}
	return nil
}

type installPhase struct{}

// RunPhase installs the configured packages using the guest's package
// manager (dnf, yum or apt-get, probed in that order). Packages listed
// under the missing: skip policy do not fail the phase.
func (p *installPhase) RunPhase(ctx context.Context, sctx *engine.StepContext, phase plan.Phase, g guest.Guest) error {
	packages, err := rules.StringList(phase.Data["package"])
	if err != nil {
		return fmt.Errorf("%w: invalid package list: %v", plan.ErrSpecification, err)
	}
	if len(packages) == 0 {
		return nil
	}
	missingOK, _ := phase.Data["missing"].(string)

	quoted := make([]string, len(packages))
	for i, pkg := range packages {
		quoted[i] = fmt.Sprintf("%q", pkg)
	}
	list := strings.Join(quoted, " ")

	script := fmt.Sprintf(`
if command -v dnf >/dev/null 2>&1; then
    dnf install -y %[1]s
elif command -v yum >/dev/null 2>&1; then
    yum install -y %[1]s
elif command -v apt-get >/dev/null 2>&1; then
    apt-get install -y %[1]s
else
    echo "no supported package manager found" >&2
    exit 1
fi`, list)

	logger.Info(ctx, "Installing packages", tag.Phase(phase.Name), tag.Guest(g.Name()),
		tag.Count(len(packages)))
	res, err := g.Run(ctx, script, guest.RunOptions{Timeout: scriptTimeout})
	if err != nil {
		return fmt.Errorf("package installation failed on %s: %w", g.Name(), err)
	}
	if res.ExitCode != 0 {
		if missingOK == "skip" {
			logger.Warn(ctx, "Package installation failed, continuing",
				tag.Guest(g.Name()), tag.ExitCode(res.ExitCode))
			return nil
		}
		return fmt.Errorf("package installation exited with %d on %s", res.ExitCode, g.Name())
	}
	return nil
}
