package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/service"
)

// session is what every subcommand works against.
type session struct {
	jobs   service.JobService
	listen func(ctx context.Context, fn func(events.Event)) error
	close  func()
}

type connector func(ctx context.Context) (*session, error)

func newRootCommand(connect connector) *cobra.Command {
	root := &cobra.Command{
		Use:          "evalctl",
		Short:        "Inspect and repair the grading job queue",
		SilenceUsage: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show queue depth per state",
			Args:  cobra.NoArgs,
			RunE: withSession(connect, func(cmd *cobra.Command, s *session, _ []string) error {
				stats, err := s.jobs.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			}),
		},
		newDeadCommand(connect),
		&cobra.Command{
			Use:   "stuck",
			Short: "List active jobs past the stuck threshold",
			Args:  cobra.NoArgs,
			RunE: withSession(connect, func(cmd *cobra.Command, s *session, _ []string) error {
				jobs, err := s.jobs.ListStuck(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			}),
		},
		&cobra.Command{
			Use:   "retry <job-id>",
			Short: "Requeue a dead or stuck job",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(connect, func(cmd *cobra.Command, s *session, args []string) error {
				job, err := s.jobs.RetryJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			}),
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Stream evaluation lifecycle events until interrupted",
			Args:  cobra.NoArgs,
			RunE: withSession(connect, func(cmd *cobra.Command, s *session, _ []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				out := cmd.OutOrStdout()
				err := s.listen(ctx, func(event events.Event) {
					_ = printJSON(out, event)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}),
		},
	)

	return root
}

func newDeadCommand(connect connector) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List jobs that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: withSession(connect, func(cmd *cobra.Command, s *session, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("limit must not be negative")
			}
			jobs, err := s.jobs.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		}),
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func withSession(connect connector, run func(*cobra.Command, *session, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
			cmd.SetContext(ctx)
		}
		s, err := connect(ctx)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if s.close != nil {
			defer s.close()
		}
		return run(cmd, s, args)
	}
}

func printJSON(w io.Writer, value interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
