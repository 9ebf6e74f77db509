package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/vk/rnaflow/internal/app"
	"github.com/vk/rnaflow/internal/run"
)

func newCmdRun(o *options, outW, errW io.Writer, runOpts []run.Option) *cobra.Command {
	var (
		configPath string
		resume     bool
		maxCores   int
		workers    int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run from an HCL run file",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "config"); err != nil {
				return err
			}
			cfg, err := o.config(app.Config{ConfigPath: configPath, Resume: resume, MaxCores: maxCores, Workers: workers})
			if err != nil {
				return err
			}
			a := app.NewApp(outW, errW, cfg, runOpts...)
			report, err := a.Run(cmd.Context())
			return reportExit(report, a.JobStore(), err)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the HCL run file (required).")
	cmd.Flags().BoolVar(&resume, "resume", false, "Skip stages the job store already records as succeeded.")
	cmd.Flags().StringVar(&o.jobStore, "job-store", "", "Job store location (file://, pebble://, s3://, mem://). Overrides the run file.")
	cmd.Flags().IntVar(&maxCores, "max-cores", 0, "Total cores available to stages. Overrides the run file.")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of concurrent stage slots. Overrides the run file.")
	cmd.Flags().IntVar(&o.statusPort, "status-port", 0, "Port for the /health, /metrics and /status server. 0 is disabled.")
	return cmd
}

func newCmdResume(o *options, outW, errW io.Writer, runOpts []run.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted run from its job store",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "job-store"); err != nil {
				return err
			}
			cfg, err := o.config(app.Config{})
			if err != nil {
				return err
			}
			a := app.NewApp(outW, errW, cfg, runOpts...)
			report, err := a.Resume(cmd.Context())
			return reportExit(report, cfg.JobStore, err)
		},
	}
	cmd.Flags().StringVar(&o.jobStore, "job-store", "", "Job store location of the run (required).")
	cmd.Flags().IntVar(&o.statusPort, "status-port", 0, "Port for the /health, /metrics and /status server. 0 is disabled.")
	return cmd
}

func newCmdStatus(o *options, outW, errW io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state of a run",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "job-store"); err != nil {
				return err
			}
			cfg, err := o.config(app.Config{})
			if err != nil {
				return err
			}
			return app.NewApp(outW, errW, cfg).Status(cmd.Context(), asJSON)
		},
	}
	cmd.Flags().StringVar(&o.jobStore, "job-store", "", "Job store location of the run (required).")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table.")
	return cmd
}
