package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vk/rnaflow/internal/app"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/run"
)

// Exit codes besides the run's own.
const (
	ExitUsage = 2
	ExitFatal = 1
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// options are the flags shared by every command.
type options struct {
	envFile    string
	logFormat  string
	logLevel   string
	statusPort int
	jobStore   string
}

func (o *options) addFlags(c *cobra.Command) {
	c.PersistentFlags().StringVar(&o.envFile, "env-file", "", "Load environment variables (e.g. AWS credentials) from this file. Defaults to .env when present.")
	c.PersistentFlags().StringVar(&o.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	c.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
}

// loadEnv reads the env file. A missing default .env is not an error.
func (o *options) loadEnv() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("loading env file: %v", err)}
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("loading .env: %v", err)}
	}
	return nil
}

func (o *options) config(c app.Config) (*app.Config, error) {
	c.LogFormat = strings.ToLower(o.logFormat)
	c.LogLevel = strings.ToLower(o.logLevel)
	c.StatusPort = o.statusPort
	if c.JobStore == "" {
		c.JobStore = o.jobStore
	}
	cfg, err := app.NewConfig(c)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return cfg, nil
}

// NewCmdRoot creates the `rnaflow` command. Reports go to outW, logs to errW.
// Extra run options are handed to the coordinator.
func NewCmdRoot(outW, errW io.Writer, runOpts ...run.Option) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "rnaflow",
		Short: "Run an RNA-seq pipeline over a batch of samples",
		Long: `rnaflow runs the RNA-seq stages of every sample in a run file as a
dependency graph, admits stages against a fixed core and memory capacity,
records every stage in a job store and packages one archive per sample.

A run that was interrupted continues with 'rnaflow resume'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.loadEnv()
		},
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	// Subcommands inherit the flag error func.
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})
	root.SetOut(outW)
	root.SetErr(errW)
	o.addFlags(root)

	root.AddCommand(
		newCmdRun(o, outW, errW, runOpts),
		newCmdResume(o, outW, errW, runOpts),
		newCmdStatus(o, outW, errW),
	)
	return root
}

// Execute runs the command line in args. Errors are *ExitError.
func Execute(ctx context.Context, outW, errW io.Writer, args []string, runOpts ...run.Option) error {
	root := NewCmdRoot(outW, errW, runOpts...)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	code := ExitFatal
	if flowerr.Is(err, flowerr.ErrInvalidConfig) {
		code = ExitUsage
	}
	return &ExitError{Code: code, Message: err.Error()}
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Message: err.Error()}
}

// noArgs is cobra.NoArgs reporting a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError(err)
	}
	return nil
}

// requireFlags reports a usage error for the first named flag left empty.
// Called from RunE, since cobra's own required-flag errors carry no type.
func requireFlags(cmd *cobra.Command, names ...string) error {
	for _, name := range names {
		if f := cmd.Flags().Lookup(name); f == nil || f.Value.String() == "" {
			return usageError(fmt.Errorf("required flag --%s not set", name))
		}
	}
	return nil
}

// reportExit maps a finished run onto the process exit code.
func reportExit(report *run.Report, jobStore string, err error) error {
	if err != nil {
		return err
	}
	switch report.ExitCode() {
	case run.ExitOK:
		return nil
	case run.ExitCancelled:
		return &ExitError{Code: run.ExitCancelled, Message: fmt.Sprintf("run %s cancelled; continue with: rnaflow resume --job-store %s", report.RunID, jobStore)}
	default:
		return &ExitError{Code: report.ExitCode(), Message: fmt.Sprintf("run %s: every sample failed", report.RunID)}
	}
}
