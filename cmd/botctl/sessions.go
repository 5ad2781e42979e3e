package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/service"
)

func newListCmd(opts *options) *cobra.Command {
	var status, platform string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if platform != "" {
				q.Set("platform", platform)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
				q.Set("offset", strconv.Itoa(offset))
			}

			var sessions []model.Session
			if err := newClient(opts.baseURL).do(cmd.Context(), "GET", "/api/multisessions", q, nil, &sessions); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tSTATUS\tCHATS\tMESSAGES\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					s.ID, s.Name, s.Platform, s.Status, s.ActiveChats, s.TotalMessages,
					s.LastActivityAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newCreateCmd(opts *options) *cobra.Command {
	var name, platform, handle string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": name, "platform": platform}
			if handle != "" {
				body["handle"] = handle
			}

			var session model.Session
			if err := newClient(opts.baseURL).do(cmd.Context(), "POST", "/api/multisessions", nil, body, &session); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), session)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s, %s)\n", session.ID, session.Name, session.Platform)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&platform, "platform", "", "messaging platform (required)")
	cmd.Flags().StringVar(&handle, "handle", "", "platform handle")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(opts.baseURL).do(cmd.Context(), "DELETE", "/api/multisessions/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}

// newCommandCmd builds start, stop and restart, which share one response shape.
func newCommandCmd(opts *options, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result service.StartResult
			path := "/bots/" + url.PathEscape(args[0]) + "/" + action
			if err := newClient(opts.baseURL).do(cmd.Context(), "POST", path, nil, nil, &result); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s is %s\n", args[0], result.Status)
			if result.QRCode != "" {
				fmt.Fprintf(out, "Pairing code: %s\n", result.QRCode)
			}
			if result.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires at:   %s\n", result.ExpiresAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Show recent log entries for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var resp struct {
				Logs []model.LogEntry `json:"logs"`
			}
			path := "/bots/" + url.PathEscape(args[0]) + "/logs"
			if err := newClient(opts.baseURL).do(cmd.Context(), "GET", path, q, nil, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp.Logs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDIRECTION\tTYPE\tMESSAGE")
			for _, e := range resp.Logs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Direction, e.Type, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "number of entries to show")
	return cmd
}

func newBulkCmd(opts *options) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "bulk <session-id>...",
		Short: "Apply start, stop or restart to many sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"sessionIds": args, "action": action}

			var results []model.BulkActionResult
			if err := newClient(opts.baseURL).do(cmd.Context(), "POST", "/api/multisessions/bulk", nil, body, &results); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), results)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tOUTCOME\tERROR")
			failed := 0
			for _, r := range results {
				reason := ""
				if r.ErrorKind != nil {
					reason = *r.ErrorKind
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.SessionID, r.Outcome, reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed\n", len(results)-failed, failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "start, stop or restart (required)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newMetricsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show real-time fleet metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var m service.RealTimeMetrics
			if err := newClient(opts.baseURL).do(cmd.Context(), "GET", "/api/analytics/real-time-metrics", nil, nil, &m); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), m)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Sessions:\t%d\n", m.TotalSessions)
			for _, status := range model.SessionStatuses {
				fmt.Fprintf(w, "  %s:\t%d\n", status, m.ByStatus[status])
			}
			fmt.Fprintf(w, "Active chats:\t%d\n", m.ActiveChats)
			fmt.Fprintf(w, "Messages:\t%d\n", m.TotalMessages)
			fmt.Fprintf(w, "Window messages:\t%d (%+.1f%%)\n", m.WindowMessages, m.MessageGrowth)
			fmt.Fprintf(w, "Avg response:\t%.0fms (%+.1f%%)\n", m.AverageResponseMs, m.ResponseTimeGrowth)
			return w.Flush()
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
