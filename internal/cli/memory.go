package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/shrink/internal/app"
)

func newMemoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Read and reset conversational memory",
	}

	list := &cobra.Command{
		Use:   "list [thread-id...]",
		Short: "List recent turns, merged across threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				turns := b.Memory.ForThreads(cmd.Context(), args, limit)
				for i := range turns {
					turns[i].Embedding = nil
				}
				return printJSON(cmd.OutOrStdout(), turns)
			})
		},
	}
	list.Flags().IntP("limit", "l", 10, "Max turns per thread")

	relevant := &cobra.Command{
		Use:   "relevant <thread-id> <query>",
		Short: "Rank a thread's turns by similarity to a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			limit, _ := cmd.Flags().GetInt("limit")
			query := strings.Join(args[1:], " ")
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				if !cmd.Flags().Changed("threshold") {
					threshold = b.Config.RelevanceThreshold
				}
				scored, err := b.Memory.Relevant(cmd.Context(), args[0], query, threshold, limit)
				if err != nil {
					return err
				}
				for i := range scored {
					scored[i].Embedding = nil
				}
				return printJSON(cmd.OutOrStdout(), scored)
			})
		},
	}
	relevant.Flags().Float64("threshold", 0, "Minimum cosine score (default from MEMORY_RELEVANCE_THRESHOLD)")
	relevant.Flags().IntP("limit", "l", 5, "Max results")

	reset := &cobra.Command{
		Use:   "reset <thread-id>",
		Short: "Delete every turn of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				n, err := b.Memory.Reset(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"thread_id": args[0], "deleted": n})
			})
		},
	}

	cmd.AddCommand(list, relevant, reset)
	return cmd
}

func newProfileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <thread-id>",
		Short: "Show a thread's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				p, err := b.Memory.Profile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}
