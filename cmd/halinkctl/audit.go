package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-halink/internal/audit"
)

func newAuditCmd(c *cli) *cobra.Command {
	var filter audit.Filter

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent operator actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := c.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			res, err := l.audit.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if c.cfg.json {
				return writeJSON(cmd.OutOrStdout(), res)
			}

			red := color.New(color.FgRed).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tINSTANCE\tCALLER\tOUTCOME")
			for _, e := range res.Entries {
				outcome := e.Outcome
				switch outcome {
				case audit.OutcomeFailed:
					outcome = red(outcome)
				case audit.OutcomeRefused:
					outcome = yellow(outcome)
				}
				instanceID := "-"
				if e.InstanceID != 0 {
					instanceID = fmt.Sprint(e.InstanceID)
				}
				caller := e.Caller
				if caller == "" {
					caller = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.Action, instanceID, caller, outcome)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(res.Entries), res.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Action, "action", "", "only this action (start, stop, restart, enqueue, call)")
	cmd.Flags().Int64Var(&filter.InstanceID, "instance", 0, "only this instance")
	cmd.Flags().StringVar(&filter.Caller, "caller", "", "only this token subject")
	cmd.Flags().IntVar(&filter.Limit, "limit", audit.DefaultLimit, "maximum entries")

	return cmd
}
