package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-halink/internal/queue"
)

func newCallCmd(c *cli) *cobra.Command {
	var (
		payload      string
		subscription bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <instance-id> <message-type>",
		Short: "Send a request through the shared queue and wait for the worker's answer",
		Long: "call enqueues a request for the worker owning the instance's session and\n" +
			"polls until it completes or the timeout elapses. With --subscribe the\n" +
			"pushed events are collected until the subscription ends.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}
			raw, err := parsePayload(payload)
			if err != nil {
				return err
			}

			l, err := c.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			if _, err := l.repo.Get(cmd.Context(), id); err != nil {
				return fmt.Errorf("instance %d: %w", id, err)
			}

			outcome := queue.NewClient(l.queue, queue.ClientConfig{}).Call(cmd.Context(), queue.CallRequest{
				InstanceID:   id,
				MessageType:  args[1],
				Payload:      raw,
				Subscription: subscription,
				Timeout:      timeout,
			})

			if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if !outcome.Success {
				return fmt.Errorf("request %s %s: %s", outcome.RequestID, outcome.State, outcome.Error)
			}
			if !c.cfg.json {
				fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("request %s %s", outcome.RequestID, outcome.State))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "{}", "request payload as a JSON object")
	cmd.Flags().BoolVar(&subscription, "subscribe", false, "collect pushed events until the subscription completes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the answer (default depends on --subscribe)")

	return cmd
}

// parsePayload requires a JSON object; the message type travels separately.
func parsePayload(s string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return json.RawMessage(s), nil
}
