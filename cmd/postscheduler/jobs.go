package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"postscheduler/internal/app"
	"postscheduler/internal/executor"
	"postscheduler/internal/jobs"
)

const jobsLong = `Inspect and edit the action queue directly in the configured store.

With the file driver the store belongs to one process: stop "serve" first.
The sqlite and postgres drivers are safe to use alongside a running server.`

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "inspect and edit scheduled actions",
		Long:  jobsLong,
	}
	cmd.AddCommand(
		newJobsListCommand(opts),
		newJobsShowCommand(opts),
		newJobsCancelCommand(opts),
		newJobsAddCommand(opts),
	)
	return cmd
}

// withQueue opens the store for the duration of fn.
func withQueue(ctx context.Context, opts *rootOptions, fn func(q *jobs.Queue, loc *time.Location) error) error {
	q, st, cfg, err := app.OpenQueue(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer st.Close()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return fn(q, loc)
}

func newJobsListCommand(opts *rootOptions) *cobra.Command {
	var (
		state  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list actions, newest target first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd.Context(), opts, func(q *jobs.Queue, loc *time.Location) error {
				actions, err := q.List(cmd.Context(), jobs.State(state), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), actions)
				}
				return writeTable(cmd.OutOrStdout(), actions, loc)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state: pending, firing, completed, failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows; 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newJobsShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "print one action as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(q *jobs.Queue, _ *time.Location) error {
				a, err := q.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), a)
			})
		},
	}
}

func newJobsCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "delete a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(q *jobs.Queue, _ *time.Location) error {
				ok, err := q.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not pending", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled", args[0])
				return nil
			})
		},
	}
}

func newJobsAddCommand(opts *rootOptions) *cobra.Command {
	var (
		p  jobs.Payload
		at string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "schedule a post for later",
		Long: `Schedule a post. --at accepts RFC 3339 or "2006-01-02 15:04" in the
configured timezone. Posting right away needs the running server's /submit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd.Context(), opts, func(q *jobs.Queue, loc *time.Location) error {
				target, err := parseAt(at, loc)
				if err != nil {
					return err
				}
				now := time.Now()
				if !target.After(now.Add(executor.ImmediateWindow)) {
					return errors.New("--at must be in the future; use the HTTP intake to post now")
				}
				a, err := q.Enqueue(cmd.Context(), jobs.NewID(p.Subreddit, now), target, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s for %s\n", a.ID, a.TargetTime.In(loc).Format(time.DateTime))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Subreddit, "sub", "", "subreddit name without r/")
	f.StringVar(&p.Title, "title", "", "post title")
	f.StringVar(&p.Text, "text", "", "self-post body")
	f.StringVar(&p.Link, "link", "", "link to post")
	f.StringVar(&p.ImagePath, "image", "", "image file path")
	f.StringVar(&p.VideoPath, "video", "", "video file path")
	f.BoolVar(&p.LikeComments, "like-comments", false, "upvote comments on the post")
	f.BoolVar(&p.ReplyToComments, "reply-to-comments", false, "reply to comments on the post")
	f.StringVar(&p.ReplyMessage, "reply-message", "", "fixed reply text; empty generates replies")
	f.StringVar(&at, "at", "", "when to post")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func parseAt(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", time.DateTime} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --at %q", raw)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, actions []jobs.Action, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tTARGET\tSUBREDDIT\tTITLE\tRESULT")
	for _, a := range actions {
		result := a.ResultLink
		if result == "" {
			result = a.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.State, a.TargetTime.In(loc).Format(time.DateTime), a.Payload.Subreddit, truncate(a.Payload.Title, 40), result)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
