package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tmx-org/tmx/internal/cmn/config"
	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/run"
	"github.com/tmx-org/tmx/internal/rules"
)

type runFlags struct {
	id             string
	last           bool
	scratch        bool
	keep           bool
	remove         bool
	root           string
	names          []string
	context        []string
	force          []string
	again          []string
	failedOnly     bool
	exitFirst      bool
	ignoreDuration bool
	debug          bool
}

func newRunCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run test plans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runRun(cmd, cfg, flags)
		},
	}

	cmd.Flags().StringVar(&flags.id, "id", "", "run workdir path (absolute)")
	cmd.Flags().BoolVar(&flags.last, "last", false, "continue the most recent run")
	cmd.Flags().BoolVar(&flags.scratch, "scratch", false, "purge the run directory before starting")
	cmd.Flags().BoolVar(&flags.keep, "keep", false, "cancel any removal intent for the workdir")
	cmd.Flags().BoolVar(&flags.remove, "remove", false, "remove the workdir on successful finalization")
	cmd.Flags().StringVar(&flags.root, "root", ".", "metadata tree root (or any directory below it)")
	cmd.Flags().StringSliceVar(&flags.names, "name", nil, "regular expressions selecting plans")
	cmd.Flags().StringSliceVarP(&flags.context, "context", "c", nil, "context dimension key=value")
	cmd.Flags().StringSliceVar(&flags.force, "force", nil, "steps to re-execute, discarding downstream state")
	cmd.Flags().StringSliceVar(&flags.again, "again", nil, "steps to re-execute preserving their workdirs")
	cmd.Flags().BoolVar(&flags.failedOnly, "failed-only", false, "run only tests that failed in the previous run")
	cmd.Flags().BoolVar(&flags.exitFirst, "exit-first", false, "skip remaining tests after the first fail or error")
	cmd.Flags().BoolVar(&flags.ignoreDuration, "ignore-duration", false, "run tests without a timeout, whatever their duration (allows duration 0)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	return cmd
}

func runRun(cmd *cobra.Command, cfg *config.Config, flags *runFlags) error {
	r, err := resolveRun(cfg, flags)
	if err != nil {
		return err
	}
	if flags.remove {
		r.Info.Remove = true
	}
	if flags.keep {
		r.Info.Remove = false
	}
	if err := r.Save(); err != nil {
		return err
	}

	runContext, err := buildContext(cfg, flags.context)
	if err != nil {
		return err
	}

	opts, err := buildOptions(cfg, flags)
	if err != nil {
		return err
	}

	treeRoot, err := metadata.Find(flags.root)
	if err != nil {
		return err
	}
	tree, err := metadata.Load(treeRoot)
	if err != nil {
		return err
	}

	// the engine log tees to stderr and the run's log.txt
	writer, closer, err := logger.TeeFile(os.Stderr, r.LogPath())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	log := logger.New(logger.WithWriter(writer), logger.WithDebug(flags.debug || cfg.Debug))
	ctx := logger.WithLogger(cmd.Context(), log)

	logger.Info(ctx, "Run started", tag.RunID(r.Info.ID), tag.Dir(r.Root))
	if err := run.RecordLast(cfg.Paths.LastRunFile, r.Root); err != nil {
		logger.Warn(ctx, "Failed to record last run", tag.Error(err))
	}

	summary, err := engine.New(cfg, tree, r, runContext, opts).Run(ctx)
	if err != nil {
		return err
	}

	code := summary.ExitCode()
	logger.Info(ctx, "Run finished", tag.RunID(r.Info.ID), tag.Count(len(summary.Results)),
		tag.ExitCode(code))
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func resolveRun(cfg *config.Config, flags *runFlags) (*run.Run, error) {
	switch {
	case flags.id != "":
		root, err := filepath.Abs(flags.id)
		if err != nil {
			return nil, err
		}
		if flags.scratch {
			if err := run.Scratch(root); err != nil {
				return nil, err
			}
		}
		return run.OpenOrNew(root)
	case flags.last:
		root, err := run.Last(cfg.Paths.LastRunFile)
		if err != nil {
			return nil, err
		}
		if flags.scratch {
			if err := run.Scratch(root); err != nil {
				return nil, err
			}
			return run.OpenOrNew(root)
		}
		return run.Open(root)
	default:
		return run.New(cfg.Paths.RunsDir)
	}
}

func buildContext(cfg *config.Config, pairs []string) (rules.Context, error) {
	ctx := rules.NewContext(cfg.Context)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context %q: expected key=value", pair)
		}
		ctx[strings.ToLower(key)] = []string{value}
	}
	return ctx, nil
}

func buildOptions(cfg *config.Config, flags *runFlags) (engine.Options, error) {
	opts := engine.Options{
		FailedOnly:     flags.failedOnly,
		ExitFirst:      flags.exitFirst,
		IgnoreDuration: flags.ignoreDuration,
		RebootTimeout:  cfg.RebootTimeout,
		Debug:          flags.debug || cfg.Debug,
		ArtifactsURL:   os.Getenv("TMT_REPORT_ARTIFACTS_URL"),
		Names:          flags.names,
	}
	var err error
	if opts.Force, err = parseSteps(flags.force); err != nil {
		return opts, err
	}
	if opts.Again, err = parseSteps(flags.again); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseSteps(names []string) ([]plan.StepName, error) {
	var steps []plan.StepName
	for _, name := range names {
		step := plan.StepName(name)
		valid := false
		for _, known := range plan.StepOrder {
			if step == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown step %q", name)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
