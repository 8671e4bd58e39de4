package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/wecomgw/internal/agent"
	"github.com/nextlevelbuilder/wecomgw/internal/bus"
	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/gateway"
	"github.com/nextlevelbuilder/wecomgw/internal/store"
	"github.com/nextlevelbuilder/wecomgw/internal/tracing"
	"github.com/nextlevelbuilder/wecomgw/pkg/protocol"
)

// drainTimeout bounds how long shutdown waits for agent runs in flight.
const drainTimeout = 30 * time.Second

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	dedup, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open dedup store", "error", err)
		os.Exit(1)
	}
	defer dedup.Close()

	pruner, err := store.NewPruneScheduler(dedup, cfg.Database.PruneCron, store.DefaultDedupTTL)
	if err != nil {
		slog.Error("invalid dedup prune schedule", "error", err)
		os.Exit(1)
	}
	pruner.Start(ctx)
	defer pruner.Stop()

	msgBus := bus.New()
	runner, closeRunner := newRunner(ctx, cfg, msgBus)
	defer closeRunner()

	channelMgr := channels.NewManager(msgBus)
	ch, err := wecom.New(cfg, wecom.Options{
		Runner:      runner,
		Dedup:       dedup,
		RateLimiter: channels.NewWebhookRateLimiter(cfg.Gateway.WebhookRateLimitRPM, cfg.Gateway.WebhookRateBurst),
		RunTimeout:  time.Duration(cfg.Agent.RunTimeoutSec) * time.Second,
	})
	if err != nil {
		slog.Error("failed to create wecom channel", "error", err)
		os.Exit(1)
	}
	channelMgr.RegisterChannel(wecom.ChannelName, ch)

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		watcher := config.NewWatcher(cfgPath, cfg, 0, func(next *config.Config) {
			cfg.ReplaceWeCom(next)
			if err := ch.Reload(); err != nil {
				slog.Warn("wecom reload failed", "error", err)
				return
			}
			slog.Info("wecom config reloaded")
		})
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	slog.Info("wecomgw starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agent", orDefault(cfg.Agent.Mode, "echo"),
		"dedup", orDefault(cfg.Database.Driver, store.DriverMemory),
	)

	server := gateway.NewServer(cfg, channelMgr)
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
	}

	slog.Info("graceful shutdown initiated")
	_ = channelMgr.StopAll(context.Background())

	drained := make(chan struct{})
	go func() {
		ch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		slog.Warn("agent runs still in flight at shutdown")
	}
}

// newRunner picks the agent runtime. The returned func releases it.
func newRunner(ctx context.Context, cfg *config.Config, msgBus bus.MessageRouter) (agent.Runner, func()) {
	if cfg.Agent.Mode != "remote" {
		return agent.Echo{}, func() {}
	}
	r := agent.NewRemote(agent.RemoteConfig{
		URL:     cfg.Agent.URL,
		Token:   cfg.Agent.Token,
		Version: Version,
	}, msgBus)
	r.Start(ctx)
	return r, func() { _ = r.Close() }
}
