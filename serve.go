package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/config"
	"github.com/onnwee/chatpool/db"
	"github.com/onnwee/chatpool/fanout"
	"github.com/onnwee/chatpool/realtime"
	"github.com/onnwee/chatpool/server"
	"github.com/onnwee/chatpool/telemetry"
	"github.com/onnwee/chatpool/twitchapi"
	"github.com/onnwee/chatpool/youtubeapi"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat pool, auto-watch scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	telemetry.Init()

	// Tracing is optional; InitTracing is a no-op without an OTLP endpoint.
	shutdownTracing, err := telemetry.InitTracing(serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer shutdownTracing()

	if err := cfg.ValidateProviderReady(); err != nil {
		// Readiness reports this too; sessions will fail to connect until fixed.
		slog.Warn("chat provider not ready", slog.Any("err", err), slog.String("provider", cfg.ChatProvider))
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := db.NewStore(database)

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	pool := chat.NewPool(provider, store, chat.Options{
		Session: chat.SessionConfig{
			HistorySize:     cfg.Chat.HistorySize,
			CheckpointEvery: cfg.Chat.CheckpointEvery,
			ConnectTimeout:  cfg.Chat.ConnectTimeout,
		},
		ReclaimInterval: cfg.Chat.ReclaimInterval,
		StatsInterval:   cfg.Chat.StatsInterval,
	})
	scheduler := chat.NewScheduler(pool, store, chat.SchedulerOptions{
		Interval:       cfg.Chat.AutoPollInterval,
		Spacing:        cfg.Chat.ProbeSpacing,
		LoadDelay:      cfg.Chat.AutoLoadDelay,
		FirstTickDelay: cfg.Chat.FirstTickDelay,
		EnableDelay:    cfg.Chat.EnableDelay,
	})

	hub := realtime.NewHub(server.OriginChecker(cfg), nil)
	var emitter fanout.Emitter = hub
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		mirror := fanout.NewRedisMirror(rdb, cfg.Redis.ChannelPrefix, nil)
		emitter = fanout.Multi{hub, mirror}
		go func() {
			if err := mirror.Relay(ctx, hub); err != nil {
				slog.Error("redis relay exited", slog.Any("err", err), slog.String("component", "fanout"))
			}
		}()
		slog.Info("redis fanout enabled", slog.String("addr", cfg.Redis.Addr))
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = pool.Run(ctx)
	}()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = scheduler.Run(ctx)
	}()
	go func() { _ = fanout.NewDispatcher(emitter, nil).Run(ctx, pool.Events()) }()

	slog.Info("chatpool starting", slog.String("provider", cfg.ChatProvider), slog.String("version", version))
	err = server.Start(ctx, server.Deps{
		Config:  cfg,
		Pool:    pool,
		Watcher: scheduler,
		Store:   store,
		Hub:     hub,
		Redis:   rdb,
	})

	// The pool finalizes every session once ctx is done and refuses new
	// starts, so in-flight probes end too. Wait for both before the database
	// handle goes away.
	cancel()
	<-schedDone
	<-poolDone
	slog.Info("shutting down")
	return err
}

func newProvider(ctx context.Context, cfg *config.Config) (chat.Provider, error) {
	switch cfg.ChatProvider {
	case config.ProviderTwitch:
		helix := &twitchapi.HelixClient{
			ClientID:       cfg.TwitchClientID,
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		}
		p := twitchapi.NewProvider(helix, nil)
		p.BotUsername = cfg.TwitchBotUsername
		p.BotToken = cfg.TwitchOAuthToken
		p.OfflinePoll = cfg.Chat.TwitchOfflinePoll
		return p, nil
	default:
		p, err := youtubeapi.New(ctx, cfg.YouTubeAPIKey, nil)
		if err != nil {
			return nil, err
		}
		p.MinPoll = cfg.Chat.YouTubeMinPoll
		return p, nil
	}
}
