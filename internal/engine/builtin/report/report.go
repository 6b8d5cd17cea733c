// Package report implements the display and yaml report plugins.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/result"
)

func init() {
	engine.RegisterReporter("display", func() engine.Reporter { return &displayReporter{} })
	engine.RegisterReporter("yaml", func() engine.Reporter { return &yamlReporter{} })
}

type displayReporter struct{}

// Report renders the finalized result list as a terminal table.
func (r *displayReporter) Report(_ context.Context, sctx *engine.StepContext, _ plan.Phase) error {
	results := sctx.Store.Results()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(sctx.Plan.Name)
	t.AppendHeader(table.Row{"result", "test", "guest", "duration", "note"})
	for _, res := range results {
		note := ""
		if len(res.Note) > 0 {
			note = res.Note[0]
		}
		t.AppendRow(table.Row{colorize(res.Result), res.Name, res.Guest.Name, res.Duration, note})
	}

	summary := sctx.Store.Summarize()
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d tests", summary.Total), "", "", ""})
	t.Render()
	return nil
}

func colorize(outcome result.Outcome) string {
	switch outcome {
	case result.OutcomePass:
		return text.FgGreen.Sprint(outcome)
	case result.OutcomeFail:
		return text.FgRed.Sprint(outcome)
	case result.OutcomeError:
		return text.FgHiRed.Sprint(outcome)
	case result.OutcomeWarn:
		return text.FgYellow.Sprint(outcome)
	case result.OutcomeInfo, result.OutcomeSkip:
		return text.FgCyan.Sprint(outcome)
	default:
		return string(outcome)
	}
}

type yamlReporter struct{}

// Report writes the finalized ordered result list into the report step
// workdir.
func (r *yamlReporter) Report(_ context.Context, sctx *engine.StepContext, _ plan.Phase) error {
	return fileutil.WriteYAML(filepath.Join(sctx.StepDir, engine.ResultsFile), sctx.Store.Results())
}
