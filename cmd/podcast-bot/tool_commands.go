package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"podcast-bot/internal/fetch"
	"podcast-bot/internal/pipeline"
)

func newEpisodesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "episodes",
		Short: "List the episodes the bot would offer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			episodes, err := ctx.catalog().ListEpisodes(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(episodes) == 0 {
				fmt.Fprintln(out, "No episodes found")
				return nil
			}
			for _, episode := range episodes {
				fmt.Fprintf(out, "%s\t%s\n", episode.ID, episode.Title)
			}
			return nil
		},
	}
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "fetch <episode id or watch URL>",
		Short: "Download and normalize one episode into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acquirer, _, err := ctx.pipeline()
			if err != nil {
				return err
			}
			defer acquirer.Close()
			id := episodeIDFromArg(args[0])
			progress := func(stage pipeline.Stage) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", stage, id)
			}
			artifact, err := acquirer.Acquire(cmd.Context(), id, force, progress)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), artifact.Path)
			if ctx.config.DownloadURL != "" {
				fmt.Fprintln(cmd.OutOrStdout(), ctx.config.DownloadLink(id))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Discard a cached file and download again")
	return cmd
}

func newNormalizeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <file>",
		Short: "Write a loudness-normalized mp3 next to a local audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := ctx.normalizer().Normalize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
}

// episodeIDFromArg accepts a bare id or a watch URL.
func episodeIDFromArg(arg string) string {
	arg = strings.TrimSpace(arg)
	if id, ok := strings.CutPrefix(arg, fetch.WatchURL("")); ok {
		if i := strings.IndexByte(id, '&'); i >= 0 {
			id = id[:i]
		}
		return id
	}
	return arg
}
