package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dcrelay/internal/api"
	"dcrelay/internal/bridge"
	"dcrelay/internal/config"
	"dcrelay/internal/database"
	"dcrelay/internal/platforms/deltachat"
	"dcrelay/internal/platforms/discord"
	"dcrelay/internal/platforms/telegram"
	"dcrelay/internal/types"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closer, err := setup(flags)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Bool("discord", cfg.EnableDiscord).Bool("deltachat", cfg.EnableDeltaChat).Msg("Bridge starting")

	store, err := database.Open(cfg.StoreBackend, cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var opts []bridge.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		prefix := "dcrelay:" + cfg.Deployment + ":dedup:"
		opts = append(opts, bridge.WithHashIndex(bridge.NewRedisIndex(rdb, prefix, cfg.DedupRetention)))
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis dedup index")
	}
	if cfg.EnableAlerts {
		notifier, err := telegram.NewNotifier(telegram.Config{
			BotToken:   cfg.TelegramBotToken,
			ChatID:     cfg.TelegramChatID,
			Deployment: cfg.Deployment,
			Cooldown:   cfg.AlertCooldown,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("Telegram alerts disabled")
		} else {
			opts = append(opts, bridge.WithNotifier(notifier))
		}
	}

	core := bridge.NewCore(bridge.OptionsFromConfig(cfg), store, log, opts...)

	var dcAdapter *bridge.DeltaChatAdapter
	if cfg.EnableDeltaChat {
		client := deltachat.NewClient(deltachat.Config{
			ServerPath:  cfg.DeltaChatRPCServer,
			AccountsDir: cfg.DeltaChatAccountsDir,
			AccountID:   int64(cfg.DeltaChatAccountID),
			Addr:        cfg.DeltaChatAddr,
			Password:    cfg.DeltaChatPassword,
			DisplayName: cfg.DeltaChatDisplayName,
		}, log)
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start delta chat: %w", err)
		}
		defer client.Close()

		dcAdapter = bridge.NewDeltaChatAdapter(client)
		core.AddBridgeAccount(types.NetworkB, client.SelfAddr())
		core.RegisterPlatform(dcAdapter)
	}

	if cfg.EnableDiscord {
		client, err := discord.NewClient(cfg.DiscordBotToken, cfg.DiscordGuildID, log)
		if err != nil {
			return err
		}
		handler := discord.NewMessageHandler(client, log)
		handler.SetAdminUsers(cfg.DiscordAdminUsers)
		handler.SetReadyCallback(func(botUserID string) {
			core.AddBridgeAccount(types.NetworkA, botUserID)
		})
		var chatName func(context.Context, string) string
		if dcAdapter != nil {
			chatName = dcAdapter.ChatName
		}
		handler.SetCommander(bridge.NewCommands(core, chatName))

		core.RegisterPlatform(bridge.NewDiscordAdapter(client, handler, cfg.DiscordUseWebhooks))
		handler.SetupHandlers()
		if err := client.Connect(); err != nil {
			return err
		}
		defer client.Disconnect()
	}

	// the core outlives ctx so that Shutdown can drain within the grace period
	if err := core.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if dcAdapter != nil {
		dcAdapter.Listen(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *api.Server
	if cfg.APIEnable {
		srv = api.NewServer(core, store, core.Stats().Registry(), log)
		g.Go(func() error { return srv.Start(cfg.APIAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin API shutdown failed")
			}
		}
		if err := core.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Bridge shutdown incomplete, pending messages resume on restart")
		}
		return nil
	})

	log.Info().Msg("Bridge is running")
	return g.Wait()
}
