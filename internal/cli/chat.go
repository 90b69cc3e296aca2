package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/shrink/internal/app"
	"github.com/ent0n29/shrink/internal/engine"
	"github.com/ent0n29/shrink/internal/signal"
)

func newRecallCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recall <text>",
		Short: "Show which corpus passages a prompt would recall",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("signal")
			tags, _ := cmd.Flags().GetStringSlice("tone")
			text := strings.Join(args, " ")
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				res, err := b.Recall.Recall(cmd.Context(), text, signal.Normalize(raw), tags)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().String("signal", string(signal.Medium), "Signal label to filter by (low|medium|high)")
	cmd.Flags().StringSlice("tone", nil, "Tone tags to filter by")
	return cmd
}

func newClassifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Predict the signal label and tone tags of a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				out := map[string]any{}
				label, err := b.Signals.Predict(cmd.Context(), text)
				if err != nil {
					out["signal_error"] = err.Error()
					label = signal.Default
				}
				out["signal"] = label
				tags, err := b.Tones.Infer(cmd.Context(), text)
				if err != nil {
					out["tone_error"] = err.Error()
				}
				out["tone_tags"] = tags
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <text>",
		Short: "Run one chat turn through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")
			threads, _ := cmd.Flags().GetStringSlice("thread")
			text := strings.Join(args, " ")
			return withApp(cmd.Context(), opts, func(b *app.BuildResult) error {
				res, err := b.Engine.Respond(cmd.Context(), engine.Request{
					Prompt:    text,
					SessionID: session,
					ThreadIDs: threads,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringP("session", "s", "", "Session id")
	cmd.Flags().StringSliceP("thread", "t", nil, "Thread ids whose memory to use")
	return cmd
}
