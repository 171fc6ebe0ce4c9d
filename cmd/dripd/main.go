package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driplab/drip/internal/config"
	"github.com/driplab/drip/internal/delivery"
	"github.com/driplab/drip/internal/httpapi"
	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/render"
	"github.com/driplab/drip/internal/splitter"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	profileSpecs, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		logger.Fatal("profiles load failed", zap.Error(err))
	}
	profiles, err := buildProfiles(profileSpecs)
	if err != nil {
		logger.Fatal("profiles invalid", zap.Error(err))
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	registry := delivery.NewRegistry(cfg.SessionMaxAge)
	hub := httpapi.NewBridgeHub(metrics, logger.Named("bridge"))

	var sink delivery.Sink = hub
	if cfg.ConvertMarkdown {
		sink = render.NewSink(hub, logger.Named("render"))
	}

	scheduler := delivery.NewScheduler(
		registry,
		sink,
		pacing.NewTypingController(cfg.TypingIdle),
		metrics,
		logger.Named("scheduler"),
		delivery.SchedulerConfig{
			FirstMessageDelay: cfg.FirstMessageDelay,
			RetryCount:        cfg.RetryCount,
			RetryBackoffBase:  cfg.RetryBackoffBase,
			RetryBackoffCap:   cfg.RetryBackoffCap,
			DispatchTimeout:   cfg.DispatchTimeout,
		},
	)

	defaultMode, _ := splitter.ParseMode(cfg.SplitMode)
	defaultStrategy, _ := pacing.ParseStrategy(cfg.DelayStrategy)
	defaults := delivery.Profile{
		SplitMode: defaultMode,
		SplitCfg: splitter.Config{
			MaxChunkLen: cfg.SplitMaxChunkLen,
			MinChunkLen: cfg.SplitMinChunkLen,
		},
		Delay: pacing.DelaySpec{
			Strategy:    defaultStrategy,
			Min:         cfg.DelayMin,
			Max:         cfg.DelayMax,
			CharsPerSec: cfg.DelayCharsPerSec,
		},
	}

	pipeline := delivery.NewPipeline(scheduler, defaults, profiles, metrics, logger.Named("pipeline"))
	coordinator := delivery.NewCoordinator(registry, metrics, logger.Named("coordinator"), hub.AnnounceTurn)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	hub.SetUserMessageHandler(func(_ context.Context, evt delivery.InterruptEvent) {
		// Interrupt handling outlives the adapter connection that
		// carried the message.
		coordinator.OnInterrupt(runCtx, evt)
	})

	registry.StartJanitor(runCtx, 10*time.Second)

	api := httpapi.New(runCtx, cfg, pipeline, registry, coordinator, hub, metrics, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	sigCtx, stop := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildProfiles(specs map[string]config.ProfileSpec) (map[string]delivery.Profile, error) {
	out := make(map[string]delivery.Profile, len(specs))
	for name, spec := range specs {
		mode, ok := splitter.ParseMode(spec.SplitMode)
		if !ok {
			return nil, errors.New("profile " + name + ": unknown split mode " + spec.SplitMode)
		}
		strategy, ok := pacing.ParseStrategy(spec.Delay.Strategy)
		if !ok {
			return nil, errors.New("profile " + name + ": unknown delay strategy " + spec.Delay.Strategy)
		}
		out[name] = delivery.Profile{
			SplitMode: mode,
			SplitCfg: splitter.Config{
				MaxChunkLen: spec.MaxChunkLen,
				MinChunkLen: spec.MinChunkLen,
			},
			Delay: pacing.DelaySpec{
				Strategy:    strategy,
				Min:         time.Duration(spec.Delay.Min),
				Max:         time.Duration(spec.Delay.Max),
				CharsPerSec: spec.Delay.CharsPerSec,
			},
		}
	}
	return out, nil
}
