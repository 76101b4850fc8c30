package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-halink/internal/auth"
)

const (
	// controlTokenTTL is the lifetime of tokens minted for one API call.
	controlTokenTTL = 2 * time.Minute

	controlSubject = "halinkctl"
	httpTimeout    = 30 * time.Second
)

var errNoSecret = errors.New("a JWT secret is required (--secret, HALINKCTL_SECRET or --config)")

// apiError mirrors the worker's structured error body.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func newLifecycleCmd(c *cli, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.post(cmd.Context(), fmt.Sprintf("/api/v1/instances/%d/%s", id, action), &out); err != nil {
				return fmt.Errorf("%s instance %d: %w", action, id, err)
			}
			return c.report(cmd, out, fmt.Sprintf("instance %d: %s ok", id, action))
		},
	}
}

func newRestartCmd(c *cli) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restart <instance-id>",
		Short: "Restart an instance's session, honouring the restart cooldown unless forced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/v1/instances/%d/restart?force=%s", id, strconv.FormatBool(force))
			var out map[string]any
			if err := c.post(cmd.Context(), path, &out); err != nil {
				return fmt.Errorf("restart instance %d: %w", id, err)
			}
			return c.report(cmd, out, fmt.Sprintf("instance %d: restarted", id))
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the restart cooldown")

	return cmd
}

func (c *cli) report(cmd *cobra.Command, out map[string]any, summary string) error {
	if c.cfg.json {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString(summary))
	return nil
}

// post calls the worker API with an operator token and decodes the JSON body.
func (c *cli) post(ctx context.Context, path string, out any) error {
	if c.cfg.secret == "" {
		return errNoSecret
	}
	token, err := auth.GenerateServiceToken(controlSubject, auth.RoleOperator, c.cfg.secret, controlTokenTTL)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			apiErr.Message += " (retry after " + retry + "s)"
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
