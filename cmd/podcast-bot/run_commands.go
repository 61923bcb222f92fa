package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"podcast-bot/internal/auth"
	"podcast-bot/internal/cache"
	"podcast-bot/internal/flow"
	"podcast-bot/internal/library"
	"podcast-bot/internal/server"
	"podcast-bot/internal/session"
	"podcast-bot/internal/telegram"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot and the download gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.config.ValidateBot(); err != nil {
				return err
			}
			group, groupCtx := errgroup.WithContext(cmd.Context())
			group.Go(func() error { return ctx.runBot(groupCtx) })
			group.Go(func() error { return ctx.runServer(groupCtx) })
			return group.Wait()
		},
	}
}

func newBotCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run only the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.config.ValidateBot(); err != nil {
				return err
			}
			return ctx.runBot(cmd.Context())
		},
	}
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the cache directory over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runServer(cmd.Context())
		},
	}
}

func (c *commandContext) runBot(ctx context.Context) error {
	cfg := c.config

	allowList, err := auth.NewAllowList(cfg.AllowedUsers, cfg.AllowListFile, cfg.RefreshDebounce, c.logger)
	if err != nil {
		return fmt.Errorf("initialise allow-list: %w", err)
	}
	defer func() {
		if err := allowList.Close(); err != nil {
			c.logger.Printf("error closing allow-list: %v", err)
		}
	}()
	if allowList.Len() == 0 {
		c.logger.Println("warning: no users are allowed; set ADMIN_USERS or PODBOT_ALLOWLIST_FILE")
	}

	acquirer, store, err := c.pipeline()
	if err != nil {
		return fmt.Errorf("initialise cache: %w", err)
	}
	// Runs cancelled here remove their partial downloads before we exit.
	defer acquirer.Close()

	bot, err := telegram.New(cfg.BotToken, nil, c.logger)
	if err != nil {
		return fmt.Errorf("connect to telegram: %w", err)
	}

	machine := flow.New(flow.Dependencies{
		Messenger: bot,
		Catalog:   c.catalog(),
		Acquirer:  acquirer,
		Cache:     store,
		AllowList: allowList,
		Sessions:  session.NewStore(cfg.SessionCapacity, cfg.SessionTTL),
		Link:      cfg.DownloadLink,
	}, c.logger)

	c.logger.Printf("polling for updates (cache directory: %s)", store.Dir())
	if err := bot.Run(ctx, machine); err != nil {
		return err
	}
	c.logger.Println("bot stopped")
	return nil
}

func (c *commandContext) runServer(ctx context.Context) error {
	cfg := c.config

	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("initialise cache: %w", err)
	}

	lib, err := library.NewLibrary(store.Dir(), cfg.RefreshDebounce, c.logger)
	if err != nil {
		return fmt.Errorf("initialise library: %w", err)
	}
	defer func() {
		if err := lib.Close(); err != nil {
			c.logger.Printf("error closing library: %v", err)
		}
	}()

	opts := server.Options{
		Feed: server.FeedMetadata{
			Title:       cfg.Feed.Title,
			Description: cfg.Feed.Description,
			Language:    cfg.Feed.Language,
			Author:      cfg.Feed.Author,
		},
	}
	if cfg.DownloadURL != "" {
		opts.Link = cfg.DownloadLink
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(lib, store, opts, c.logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Printf("graceful shutdown error: %v", err)
		}
	}()

	c.logger.Printf("listening on %s (cache directory: %s)", cfg.ListenAddr, store.Dir())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	c.logger.Println("shutdown complete")
	return nil
}
