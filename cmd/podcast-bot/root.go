package main

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"podcast-bot/internal/audio"
	"podcast-bot/internal/cache"
	"podcast-bot/internal/catalog"
	"podcast-bot/internal/config"
	"podcast-bot/internal/fetch"
	"podcast-bot/internal/pipeline"
)

const configEnv = "PODBOT_CONFIG"

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "podcast-bot",
		Short:         "Telegram bot that downloads and normalizes playlist episodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (overrides "+configEnv+")")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newBotCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newEpisodesCommand(ctx))
	rootCmd.AddCommand(newFetchCommand(ctx))
	rootCmd.AddCommand(newNormalizeCommand(ctx))

	return rootCmd
}

// commandContext lazily builds what the subcommands share.
type commandContext struct {
	configFlag *string
	logger     *log.Logger

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		logger:     log.New(os.Stdout, "podcast-bot ", log.LstdFlags|log.Lmsgprefix),
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.configFlag != nil {
			if path := strings.TrimSpace(*c.configFlag); path != "" {
				if err := os.Setenv(configEnv, path); err != nil {
					c.configErr = err
					return
				}
			}
		}
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

func (c *commandContext) catalog() *catalog.Resolver {
	return catalog.NewResolver(c.config.PlaylistID, c.config.EpisodeLimit, nil)
}

func (c *commandContext) normalizer() *audio.Normalizer {
	return audio.NewNormalizer(audio.NewFFmpeg(c.config.FFmpegBinary), c.logger)
}

func (c *commandContext) pipeline() (*pipeline.Pipeline, *cache.Cache, error) {
	store, err := cache.New(c.config.CacheDir)
	if err != nil {
		return nil, nil, err
	}
	fetcher := fetch.New(store.Dir(), nil, c.logger)
	p := pipeline.New(store, fetcher, c.normalizer(), pipeline.Options{
		FetchTimeout:     c.config.FetchTimeout,
		NormalizeTimeout: c.config.NormalizeTimeout,
	}, c.logger)
	return p, store, nil
}
