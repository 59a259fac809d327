package cmd

import (
	"github.com/spf13/cobra"

	"billops/internal/app"
	"billops/internal/jobs"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print schedule, last runs and health of every job type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOneShot(cmd.Context(), opts, func(a *app.App) error {
				views, err := a.Orchestrator().Status(cmd.Context())
				if views == nil {
					views = []jobs.JobStatus{}
				}
				if perr := printJSON(cmd, views); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		typ   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := jobs.Filter{Limit: limit}
			if typ != "" {
				t, err := jobs.ParseType(typ)
				if err != nil {
					return err
				}
				f.Type = &t
			}
			return withOneShot(cmd.Context(), opts, func(a *app.App) error {
				runs, err := a.Store().ListRuns(cmd.Context(), f)
				if err != nil {
					return err
				}
				if runs == nil {
					runs = []jobs.Run{}
				}
				return printJSON(cmd, runs)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only runs of this job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	return cmd
}
