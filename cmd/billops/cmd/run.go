package cmd

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"billops/internal/app"
	"billops/internal/jobs"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "run <type>",
		Short:     "Run one job now and print the recorded run",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobTypeNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := jobs.ParseType(args[0])
			if err != nil {
				return err
			}
			return withOneShot(cmd.Context(), opts, func(a *app.App) error {
				run, err := a.Orchestrator().Run(cmd.Context(), t, jobs.TriggerManual)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, run); err != nil {
					return err
				}
				if run.Status == jobs.StatusError {
					return errors.Newf("%s failed: %s", t, run.Error)
				}
				return nil
			})
		},
	}
}

func jobTypeNames() []string {
	out := make([]string, 0, len(jobs.AllTypes()))
	for _, t := range jobs.AllTypes() {
		out = append(out, t.String())
	}
	return out
}
