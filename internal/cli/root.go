// Package cli implements the volley command line.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/logging"
)

var version = "0.1.0"

// Process exit codes.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitThresholdsFailed = 99
	ExitAborted          = 108
)

// ExitError carries the exit code of a command that did not succeed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// rootState is shared by all subcommands.
type rootState struct {
	verbose bool
	logger  *zap.Logger
}

func (s *rootState) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// NewRootCmd builds the volley command tree.
func NewRootCmd() *cobra.Command {
	state := &rootState{}

	root := &cobra.Command{
		Use:     "volley",
		Short:   "Stage-driven HTTP load generator",
		Version: version,
		Long: `Volley drives virtual users against an HTTP service following a staged
load profile, records k6-style metrics and checks thresholds on them.

Quick mode:
  volley run --url http://localhost:8080/chat/ --stages "30s:50,1m:100!,30s:0"

Config file mode:
  volley run --config test.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := logging.FromEnv()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg, state.verbose)
			if err != nil {
				return err
			}
			state.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().BoolVarP(&state.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newRunCmd(state))
	root.AddCommand(newValidateCmd(state))
	root.AddCommand(newTargetCmd(state))

	return root
}

// Execute runs the command line with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exitErr.Err)
		}
		return exitErr.Code
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFailure
}
