package ctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSubmitCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <json|->",
		Short: "Submit one task; use - to read the payload from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[0])
			if args[0] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = b
			}
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}
			id, err := o.client().Submit(payload)
			if err != nil {
				return err
			}
			return o.out.print(map[string]string{"id": id}, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "ID\t%s\n", id)
			})
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show orchestrator, store and batcher counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := o.client().Stats()
			if err != nil {
				return err
			}
			return o.out.print(st, nil)
		},
	}
}

func newResultsCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List the most recent persisted results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := o.client().Results(limit)
			if err != nil {
				return err
			}
			return o.out.print(recs, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ITEM\tOK\tATTEMPTS\tDURATION\tCREATED\tDETAIL")
				for _, r := range recs {
					detail := string(r.Value)
					if !r.Success {
						detail = r.Error
					}
					fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\t%s\n",
						r.ItemID, r.Success, r.Attempts,
						time.Duration(r.DurationMs)*time.Millisecond,
						humanize.Time(r.CreatedAt), truncate(detail, 60))
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results to list")
	return cmd
}

func newDeadLettersCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List, replay or delete dead-lettered tasks",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := o.client().DeadLetters(limit)
			if err != nil {
				return err
			}
			return o.out.print(recs, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tITEM\tRETRIES\tFAILED\tREASON")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						r.ID, r.ItemID, r.Retries, humanize.Time(r.FailedAt), truncate(r.Reason, 60))
				}
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	var all bool
	replay := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Requeue dead letters by id, or every one with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("give dead letter ids or --all")
			}
			if len(args) > 0 && all {
				return errors.New("--all cannot be combined with ids")
			}
			res, err := o.client().Replay(args)
			if err != nil {
				return err
			}
			return o.out.print(res, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Replayed\t%d\n", len(res.Replayed))
				for _, id := range res.Missing {
					fmt.Fprintf(tw, "Missing\t%s\n", id)
				}
				if res.Error != "" {
					fmt.Fprintf(tw, "Stopped\t%s\n", res.Error)
				}
			})
		},
	}
	replay.Flags().BoolVar(&all, "all", false, "replay every stored dead letter")

	del := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete dead letters without replaying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			deleted := make([]string, 0, len(args))
			var errs []error
			for _, id := range args {
				if err := c.DeleteDeadLetter(id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				deleted = append(deleted, id)
			}
			if err := o.out.print(map[string][]string{"deleted": deleted}, func(tw *tabwriter.Writer) {
				for _, id := range deleted {
					fmt.Fprintf(tw, "Deleted\t%s\n", id)
				}
			}); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	cmd.AddCommand(list, replay, del)
	return cmd
}

func newPauseCmd(o *options) *cobra.Command {
	return toggleCmd(o, "pause", "Stop accepting new tasks; queued tasks keep running", (*Client).Pause)
}

func newResumeCmd(o *options) *cobra.Command {
	return toggleCmd(o, "resume", "Accept new tasks again", (*Client).Resume)
}

func toggleCmd(o *options, use, short string, fn func(*Client) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paused, err := fn(o.client())
			if err != nil {
				return err
			}
			return o.out.print(map[string]bool{"paused": paused}, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Paused\t%t\n", paused)
			})
		},
	}
}

func newPurgeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run dead-letter retention now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := o.client().Purge()
			if err != nil {
				return err
			}
			return o.out.print(map[string]int{"purged": n}, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Purged\t%s\n", humanize.Comma(int64(n)))
			})
		},
	}
}

