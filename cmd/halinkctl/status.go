package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-halink/internal/instance"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status [instance-id]",
		Short: "Show whether instances are running, from heartbeats in the shared database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := c.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			sup := l.supervisor(c.cfg.heartbeatInterval)

			var statuses []instance.Status
			if len(args) == 1 {
				id, err := parseInstanceID(args[0])
				if err != nil {
					return err
				}
				st, err := sup.Status(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("instance %d: %w", id, err)
				}
				statuses = []instance.Status{st}
			} else {
				statuses, err = sup.Statuses(cmd.Context())
				if err != nil {
					return fmt.Errorf("listing instances: %w", err)
				}
			}

			if c.cfg.json {
				return writeJSON(cmd.OutOrStdout(), statuses)
			}
			return writeStatusTable(cmd.OutOrStdout(), statuses, time.Now())
		},
	}
}

func newConfigChangedCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config-changed <instance-id>",
		Short: "Report whether stored connection settings differ from the running session's",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			l, err := c.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			changed, err := l.supervisor(c.cfg.heartbeatInterval).IsConfigChanged(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("instance %d: %w", id, err)
			}

			if c.cfg.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"instance_id":    id,
					"config_changed": changed,
				})
			}
			if changed {
				fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("changed"))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("unchanged"))
			}
			return nil
		},
	}
}

func writeStatusTable(out io.Writer, statuses []instance.Status, now time.Time) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tRUNNING\tSTATE\tHOST\tPID\tHEARTBEAT")
	for _, st := range statuses {
		running := yellow("stopped")
		if st.Running {
			running = green("running")
		}
		enabled := "yes"
		if !st.Enabled {
			enabled = faint("no")
		}
		state := st.State
		if state == "" {
			state = "-"
		}
		host, pid := "-", "-"
		if st.Host != "" {
			host = st.Host
		}
		if st.PID != 0 {
			pid = strconv.Itoa(st.PID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.InstanceID, st.Name, enabled, running, state, host, pid, ago(st.LastHeartbeatAt, now))
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseInstanceID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}
