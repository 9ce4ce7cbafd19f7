package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/pocketagent/bridge/internal/agent"
	"github.com/pocketagent/bridge/internal/bridge"
	"github.com/pocketagent/bridge/internal/bridge/adapters/discord"
	"github.com/pocketagent/bridge/internal/bridge/adapters/line"
	"github.com/pocketagent/bridge/internal/bridge/adapters/matrix"
	"github.com/pocketagent/bridge/internal/bridge/adapters/slack"
	"github.com/pocketagent/bridge/internal/bridge/adapters/telegram"
	"github.com/pocketagent/bridge/internal/bridge/adapters/webchat"
	"github.com/pocketagent/bridge/internal/bridge/conversation"
	"github.com/pocketagent/bridge/internal/config"
	"github.com/pocketagent/bridge/internal/handlers"
	"github.com/pocketagent/bridge/internal/logger"
	"github.com/pocketagent/bridge/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLinkStore,
			provideMapper,
			provideLineAdapter,
			provideRegistry,
			provideConfigStore,
			provideEngine,
			provideRouter,
			bridge.NewTracker,
			provideOrchestrator,
			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(handlers.NewStatusHandler),
			provideServerHandler(handlers.NewLineWebhookHandler),
			provideServerHandler(handlers.NewAgentReplyHandler),
			provideServer,
		),
		fx.Invoke(
			startRouter,
			startOrchestrator,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("BRIDGE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideLinkStore(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*conversation.SQLiteStore, error) {
	store, err := conversation.NewSQLiteStore(cfg.Storage.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("open link store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideMapper(log *slog.Logger, store *conversation.SQLiteStore) (*conversation.Mapper, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conversation.NewMapper(ctx, log, store)
}

func provideLineAdapter(log *slog.Logger) *line.Adapter {
	return line.NewAdapter(log)
}

func provideRegistry(log *slog.Logger, lineAdapter *line.Adapter, store *conversation.SQLiteStore) *bridge.Registry {
	registry := bridge.NewRegistry()
	registry.MustRegister(telegram.NewAdapter(log))
	registry.MustRegister(discord.NewAdapter(log))
	registry.MustRegister(slack.NewAdapter(log))
	registry.MustRegister(matrix.NewAdapter(log, store))
	registry.MustRegister(lineAdapter)
	registry.MustRegister(webchat.NewAdapter(log))
	return registry
}

func provideConfigStore(cfg config.Config) *bridge.ConfigStore {
	return bridge.NewConfigStore(cfg.ChannelConfigs())
}

func provideEngine(log *slog.Logger, cfg config.Config) bridge.Engine {
	timeout := time.Duration(cfg.Agent.TimeoutSeconds) * time.Second
	return agent.NewGatewayClient(log, cfg.Agent.BaseURL(), cfg.Agent.Token, timeout)
}

func provideRouter(log *slog.Logger, registry *bridge.Registry, configs *bridge.ConfigStore, mapper *conversation.Mapper, engine bridge.Engine) *bridge.Router {
	return bridge.NewRouter(log, registry, configs, mapper, engine)
}

func provideOrchestrator(log *slog.Logger, registry *bridge.Registry, configs *bridge.ConfigStore, tracker *bridge.Tracker, router *bridge.Router) *bridge.Orchestrator {
	return bridge.NewOrchestrator(log, registry, configs, tracker, bridge.NopLifecycle{}, router.OnInbound)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startRouter(lc fx.Lifecycle, router *bridge.Router) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { router.Start(ctx); return nil },
		OnStop:  func(ctx context.Context) error { return router.Shutdown(ctx) },
	})
}

func startOrchestrator(lc fx.Lifecycle, orchestrator *bridge.Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { orchestrator.StartAll(ctx); return nil },
		OnStop:  func(ctx context.Context) error { return orchestrator.Shutdown(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting bridged %s\n", version)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
