// Package cli wires the cobra command surface of tmx.
package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tmx-org/tmx/internal/cmn/config"

	// step plugins register themselves on import
	_ "github.com/tmx-org/tmx/internal/engine/builtin/discover"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/execute"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/finish"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/prepare"
	_ "github.com/tmx-org/tmx/internal/engine/builtin/report"
	// provisioners register themselves on import
	_ "github.com/tmx-org/tmx/internal/guest/sshguest"
)

// ExitInternalError is returned on uncaught engine conditions.
const ExitInternalError = 3

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tmx",
		Short:         "Declarative test orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "engine config file")
	cmd.AddCommand(newRunCommand())
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.message != "" {
				fmt.Fprintln(os.Stderr, exitErr.message)
			}
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "tmx: %v\n", err)
		printTraceback()
		return ExitInternalError
	}
	return 0
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var opts []config.LoaderOption
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		opts = append(opts, config.WithConfigFile(file))
	}
	return config.Load(opts...)
}

// exitCodeError carries a non-zero exit code through cobra.
type exitCodeError struct {
	code    int
	message string
}

func (e *exitCodeError) Error() string { return e.message }

// printTraceback honors TMT_SHOW_TRACEBACK: unset or 0 prints nothing,
// anything else dumps the goroutine stacks.
func printTraceback() {
	level := os.Getenv("TMT_SHOW_TRACEBACK")
	if level == "" || level == "0" {
		return
	}
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, level == "2")
	fmt.Fprintln(os.Stderr, string(buf[:n]))
}
