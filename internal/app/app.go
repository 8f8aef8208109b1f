// Package app wires the bridge together: config, spool, resilience,
// pipeline, supervisor, webhook, monitors, and the MCP stdio server, with
// one errgroup owning every long-running loop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	bk "github.com/okrause/bridgekeeper"
	"github.com/okrause/bridgekeeper/frontend/telegram"
	"github.com/okrause/bridgekeeper/internal/bridge"
	"github.com/okrause/bridgekeeper/internal/config"
	"github.com/okrause/bridgekeeper/internal/tools"
	"github.com/okrause/bridgekeeper/internal/webhook"
	"github.com/okrause/bridgekeeper/mcp"
	"github.com/okrause/bridgekeeper/observer"
	"github.com/okrause/bridgekeeper/spool"
)

// Exit codes the binary reports.
const (
	ExitOK      = 0
	ExitConfig  = 1 // startup failure: misconfiguration
	ExitRuntime = 2 // unrecoverable runtime fault after drain
)

// App owns the assembled components.
type App struct {
	cfg        config.Config
	cfgPath    string
	logger     *slog.Logger
	hub        *bk.Hub
	breakers   *bk.BreakerSet
	mw         *bk.Middleware
	spool      *spool.Spool
	pipeline   *bk.Pipeline
	classifier *bk.Classifier
	orch       *bk.Orchestrator
	degrader   *bk.Degrader
	health     *bk.HealthRegistry
	monitor    *bk.Monitor
	supervisor *bridge.Supervisor
	webhook    *webhook.Server
	mcpServer  *mcp.Server
}

// New builds the full component graph. Errors here are configuration
// problems; the caller exits with ExitConfig.
func New(cfg config.Config, cfgPath string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := buildLogger(cfg.Log)

	hub := bk.NewHub(0, 0)
	breakers := bk.NewBreakerSet(bk.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		FailureWindow:    cfg.Circuit.Window(),
		Cooldown:         cfg.Circuit.CooldownDur(),
		MaxCooldown:      cfg.Circuit.MaxCooldownDur(),
	})
	breakers.OnTransition = func(name string, from, to bk.CircuitState) {
		if to == bk.CircuitOpen {
			hub.Inc(bk.MetricCircuitOpens)
		}
		logger.Warn("circuit transition", "name", name, "from", string(from), "to", string(to))
	}

	mw := bk.NewMiddleware(breakers, hub,
		bk.WithLogger(logger),
		bk.WithRetryPolicy(bk.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay(),
		}),
	)

	sp, err := spool.Open(spool.Config{Dir: cfg.SpoolDir}, logger)
	if err != nil {
		return nil, err
	}

	limiter := bk.NewKeyedLimiter(bk.LimiterConfig{
		Rate:      cfg.RateLimit.PerSecond,
		Burst:     cfg.RateLimit.Burst,
		HighWater: cfg.RateLimit.HighWater,
	})
	degrader := bk.NewDegrader()

	classifier := bk.NewClassifier(bk.DefaultPatterns())
	orch := bk.NewOrchestrator(classifier, hub,
		bk.WithMaxActive(cfg.Recovery.MaxActive),
		bk.WithOrchestratorLogger(logger),
	)

	var chat bk.ChatSender
	if cfg.Chat.BotToken != "" {
		chat = telegram.New(cfg.Chat.BotToken, cfg.Chat.APIBase)
	}
	pipeline := bk.NewPipeline(
		bk.PipelineConfig{Source: cfg.Source, DefaultTarget: cfg.Chat.DefaultTarget},
		sp, sp, mw, hub,
		bk.WithChat(chat),
		bk.WithDegrader(degrader),
		bk.WithLimiter(limiter),
		bk.WithRecovery(classifier, orch),
		bk.WithPipelineLogger(logger),
	)

	sup := bridge.New(bridge.Config{
		Command:        cfg.Bridge.Command,
		HealthURL:      cfg.Bridge.HealthURL,
		StartupTimeout: cfg.Bridge.StartupTimeout(),
		HealthInterval: cfg.Bridge.HealthInterval(),
		MaxRestarts:    cfg.Bridge.MaxRestarts,
		RestartWindow:  cfg.Bridge.RestartWindow(),
	}, breakers, hub, logger)

	registerStrategies(orch, sup, breakers, degrader, pipeline, logger)
	registerPlans(orch)

	// Supervisor faults run through the same classify-and-recover path as
	// delivery failures; the bridge_restart plan owns the actual restart.
	sup.OnFailure = func(ctx context.Context, cause *bk.Error) {
		cl := classifier.Classify(cause, cause.Context)
		if _, err := orch.Recover(ctx, cause, cl, nil); err != nil {
			logger.Error("bridge recovery exhausted", "code", cause.Code, "error", err)
		}
	}

	health := bk.NewHealthRegistry()
	monitorCfg := bk.MonitorConfig{
		Interval:       cfg.Memory.Interval(),
		HeapCapMB:      cfg.Memory.HeapCapMB,
		GrowthMBPerMin: cfg.Memory.GrowthMBPerMin,
		FileCountMax:   cfg.Memory.FileCountMax,
	}
	if cfg.HeapDumps.Enabled {
		monitorCfg.HeapDumpDir = cfg.HeapDumps.Dir
		monitorCfg.HeapDumpMax = cfg.HeapDumps.Max
	}
	monitor := bk.NewMonitor(monitorCfg, hub, logger)
	monitor.RegisterSampler(bk.AreaEventFiles, func() bk.AreaSample {
		files, bytes := sp.Stats()
		return bk.AreaSample{Items: files, Bytes: bytes}
	})
	monitor.RegisterSampler(bk.AreaRateLimiter, func() bk.AreaSample {
		return bk.AreaSample{Items: int64(limiter.Keys())}
	})
	monitor.OnCleanup = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := sp.Prune(ctx, 0); err != nil {
			logger.Warn("spool cleanup", "error", err)
		}
	}

	registerHealthChecks(health, sp, sup, breakers, hub)

	wh := webhook.New(webhook.Config{
		Addr:         cfg.Webhook.Addr,
		AuthEnabled:  cfg.Auth.Enabled,
		APIKey:       cfg.Auth.APIKey,
		AuthHeader:   cfg.Auth.Header,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		ReadTimeout:  time.Duration(cfg.Webhook.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Webhook.WriteTimeoutMS) * time.Millisecond,
	}, pipeline, bk.NewKeyedLimiter(bk.LimiterConfig{
		Rate:  cfg.RateLimit.PerSecond,
		Burst: cfg.RateLimit.Burst,
	}), health, hub, logger)

	srv := mcp.New("bridgekeeper", "1.0.0", logger)
	reg := &tools.Registry{
		Pipeline:   pipeline,
		Supervisor: sup,
		Spool:      sp,
		Health:     health,
		Hub:        hub,
		Logger:     logger,
	}
	if err := reg.Register(srv); err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		hub:        hub,
		breakers:   breakers,
		mw:         mw,
		spool:      sp,
		pipeline:   pipeline,
		classifier: classifier,
		orch:       orch,
		degrader:   degrader,
		health:     health,
		monitor:    monitor,
		supervisor: sup,
		webhook:    wh,
		mcpServer:  srv,
	}, nil
}

// Run starts every loop and blocks until ctx ends or a loop fails.
// Shutdown is cooperative: the webhook drains, the worker stops, metrics
// flush, then Run returns.
func (a *App) Run(ctx context.Context) error {
	var obsShutdown func(context.Context) error
	if a.cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			a.logger.Warn("otel init failed, continuing without export", "error", err)
		} else {
			obsShutdown = shutdown
			go observer.Mirror(ctx, a.hub, inst)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.mcpServer.Serve(gctx) })
	g.Go(func() error { return a.webhook.Run(gctx) })
	g.Go(func() error { return ignoreCancel(a.monitor.Run(gctx)) })

	if len(a.cfg.Bridge.Command) > 0 {
		g.Go(func() error {
			if err := a.supervisor.Start(gctx); err != nil {
				a.logger.Error("bridge worker failed to start", "error", err)
			}
			return ignoreCancel(a.supervisor.Monitor(gctx))
		})
	}

	// Config invalidation: announce changes on the fan-out so sessions know
	// current behavior may no longer match the file.
	g.Go(func() error {
		err := config.Watch(gctx, a.cfgPath, a.logger, func(ch config.Change) {
			_, serr := a.pipeline.SendEvent(gctx, bk.Event{
				Type:  bk.EventInfoMessage,
				Title: "Configuration file changed",
				Description: fmt.Sprintf("%s was modified at %s; restart to apply.",
					ch.Path, ch.At.Format(time.RFC3339)),
			})
			if serr != nil {
				a.logger.Warn("config change event", "error", serr)
			}
		})
		return ignoreCancel(err)
	})

	a.logger.Info("bridgekeeper running",
		"spool", a.cfg.SpoolDir,
		"webhook", a.cfg.Webhook.Addr)

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if stopErr := a.supervisor.Stop(stopCtx); stopErr != nil {
		a.logger.Warn("stopping bridge worker", "error", stopErr)
	}
	if obsShutdown != nil {
		if flushErr := obsShutdown(stopCtx); flushErr != nil {
			a.logger.Warn("flushing telemetry", "error", flushErr)
		}
	}

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown and
// maps the outcome to an exit code.
func (a *App) RunWithSignal() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		a.logger.Error("unrecoverable fault", "error", err)
		return ExitRuntime
	}
	a.logger.Info("clean shutdown")
	return ExitOK
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(observer.NewRedactingHandler(inner, cfg.RedactKeys))
}
