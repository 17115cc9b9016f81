// Package main wires together the claim coordination service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rclaim/claimd/internal/claim"
	"github.com/rclaim/claimd/internal/clock/system"
	"github.com/rclaim/claimd/internal/config"
	"github.com/rclaim/claimd/internal/engine"
	"github.com/rclaim/claimd/internal/extract"
	"github.com/rclaim/claimd/internal/fetch"
	"github.com/rclaim/claimd/internal/gateway"
	"github.com/rclaim/claimd/internal/id/uuid"
	"github.com/rclaim/claimd/internal/logging"
	"github.com/rclaim/claimd/internal/progress"
	"github.com/rclaim/claimd/internal/progress/sinks"
	"github.com/rclaim/claimd/internal/ratelimit"
	"github.com/rclaim/claimd/internal/registry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	reg := registry.New(registry.Config{GracePeriod: cfg.GracePeriod()}, clock, idGen, logger.Named("registry"))
	go reg.RunSweeper(ctx, cfg.SweepInterval())

	inbound := ratelimit.NewInbound(ratelimit.InboundConfig{
		RPS:   cfg.Inbound.RPS,
		Burst: cfg.Inbound.Burst,
	})
	outbound := ratelimit.NewOutbound(ratelimit.OutboundConfig{
		RPS:       cfg.Outbound.RPS,
		Burst:     cfg.Outbound.Burst,
		MaxWait:   cfg.OutboundMaxWait(),
		Overrides: cfg.Outbound.Overrides,
	})

	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	strategies := buildStrategies(cfg)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := sinks.NewPrometheusSink(promRegistry)
	if err != nil {
		logger.Fatal("prometheus sink init failed", zap.Error(err))
	}

	wsHandler := gateway.NewWSHandler(nil, inbound, gateway.WSConfig{
		Token: cfg.Auth.Token,
	}, logger.Named("ws"))

	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		wsHandler,
	)

	eng := engine.New(
		ctx,
		reg,
		outbound,
		fetcher,
		strategies,
		hub,
		clock,
		engine.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: claim.Backoff{
				Base:       cfg.BackoffBase(),
				Multiplier: cfg.Retry.BackoffMult,
				Max:        cfg.BackoffMax(),
			},
		},
		logger.Named("engine"),
	)
	wsHandler.SetEngine(eng)

	server := gateway.NewServer(wsHandler, promRegistry, logger.Named("http"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildStrategies turns per-host target config into an extraction registry.
// The "default" entry, when present, becomes the fallback for unlisted hosts.
func buildStrategies(cfg config.Config) *extract.Registry {
	var fallback claim.Strategy
	if tc, ok := cfg.Targets["default"]; ok {
		fallback = strategyFrom(tc)
	}
	strategies := extract.NewRegistry(fallback)
	for host, tc := range cfg.Targets {
		if host == "default" {
			continue
		}
		strategies.Register(host, strategyFrom(tc))
	}
	return strategies
}

func strategyFrom(tc config.TargetConfig) *extract.SelectorStrategy {
	return &extract.SelectorStrategy{
		Root:            tc.Root,
		Fields:          tc.Fields,
		Required:        tc.Required,
		RejectedMarkers: tc.RejectedMarkers,
	}
}
