package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/streamgate/streamgate/internal/admission"
	"github.com/streamgate/streamgate/internal/bitrate"
	"github.com/streamgate/streamgate/internal/breaker"
	"github.com/streamgate/streamgate/internal/config"
	httpserver "github.com/streamgate/streamgate/internal/http"
	"github.com/streamgate/streamgate/internal/http/handlers"
	"github.com/streamgate/streamgate/internal/loadmetrics"
	"github.com/streamgate/streamgate/internal/medialib"
	"github.com/streamgate/streamgate/internal/observability"
	"github.com/streamgate/streamgate/internal/session"
	"github.com/streamgate/streamgate/internal/transcode"
	"github.com/streamgate/streamgate/internal/version"
)

// serveCmd starts the streamgate service.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamgate service",
	Long: `Start the HTTP API, the session registry, and the admission control
plane. The process runs until it receives SIGINT or SIGTERM, then drains
active sessions and shuts down.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.Default()
	logger.Info("starting streamgate",
		slog.String("version", version.Short()),
		slog.Int("port", cfg.Server.Port))

	metrics := observability.NewMetrics()
	collector := loadmetrics.NewCollector(cfg.Admission.MetricsWindow)

	limiter := admission.NewLimiter(admission.LimiterConfig{
		GlobalRate:  cfg.Admission.GlobalRate,
		GlobalBurst: cfg.Admission.GlobalBurst,
		ClientRate:  cfg.Admission.ClientRate,
		ClientBurst: cfg.Admission.ClientBurst,
	})
	admit := admission.NewController(admission.ControllerConfig{
		MaxConcurrent:  cfg.Admission.MaxConcurrent,
		DegradeLatency: cfg.Admission.DegradeLatency,
		CeilingLatency: cfg.Admission.CeilingLatency,
	}, limiter, collector).WithLogger(observability.WithComponent(logger, "admission"))

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
		// A missing media item is a client mistake, not a library outage,
		// and a canceled call reflects the caller going away.
		Classifier: func(err error) bool {
			return !errors.Is(err, medialib.ErrNotFound) && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(from, to breaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	ladder, err := bitrate.NewLadder(cfg.Bitrate.Ladder)
	if err != nil {
		return fmt.Errorf("building bitrate ladder: %w", err)
	}

	resolver := medialib.NewHTTPResolver(cfg.MediaLibrary.BaseURL, cfg.MediaLibrary.Timeout,
		observability.WithComponent(logger, "medialib"))

	registry := session.NewRegistry(session.RegistryConfig{
		IdleTimeout:      cfg.Session.IdleTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
		HousekeepingCron: cfg.Session.HousekeepingCron,
		Session: session.Config{
			ControlInterval: cfg.Bitrate.ControlInterval,
			TelemetryGrace:  cfg.Session.TelemetryGrace,
			PID: bitrate.PIDConfig{
				Kp:           cfg.Bitrate.Kp,
				Ki:           cfg.Bitrate.Ki,
				Kd:           cfg.Bitrate.Kd,
				TargetBuffer: cfg.Bitrate.TargetBuffer,
				MinDwell:     cfg.Bitrate.MinDwell,
			},
		},
	}, session.Deps{
		Admission: admit,
		Limiter:   limiter,
		Resolver:  resolver,
		Breakers:  breakers,
		Spawner:   transcode.NewExecSpawner(observability.WithComponent(logger, "transcode")),
		Transcode: transcode.ManagerConfig{
			FFmpegPath:    cfg.Transcode.FFmpegPath,
			SpawnTimeout:  cfg.Transcode.SpawnTimeout,
			StopGrace:     cfg.Transcode.StopGrace,
			RetryAttempts: cfg.Transcode.RetryAttempts,
			RetryBackoff:  cfg.Transcode.RetryBackoff,
			OutputDir:     cfg.Transcode.OutputDir,
		},
		Ladder:  ladder,
		Metrics: metrics,
		Logger:  observability.WithComponent(logger, "session"),
	})
	if err := registry.Start(); err != nil {
		return fmt.Errorf("starting session registry: %w", err)
	}

	server := httpserver.NewServer(cfg.Server, observability.WithComponent(logger, "http"), version.Short())

	handlers.NewSessionHandler(registry).Register(server.API())
	handlers.NewHealthHandler(version.Short(), breakers, registry, collector).Register(server.API())

	server.Router().Handle("/metrics", metrics.Handler(func() {
		metrics.SetActiveSessions(registry.Len())
	}))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("draining sessions: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("streamgate stopped")
	return nil
}
