// Command gridbot runs the grid market-making engine against a single
// asset pair, grounded on the teacher's cmd/live_server.main flag/logger/
// telemetry/signal-handling skeleton.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexgrid/internal/assets"
	"dexgrid/internal/bootstrap"
	"dexgrid/internal/chainclient"
	"dexgrid/internal/config"
	"dexgrid/internal/core"
	"dexgrid/internal/execution"
	"dexgrid/internal/store"
	"dexgrid/pkg/logging"
	"dexgrid/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/gridbot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gridbot version dev")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("starting gridbot", "app", cfg.App.Name, "engine_type", cfg.App.EngineType, "pair", cfg.Market.BaseSymbol+"/"+cfg.Market.QuoteSymbol)

	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without it", "error", err.Error())
	}
	var metricsServer *http.Server
	if cfg.Telemetry.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err.Error())
			}
		}()
		logger.Info("metrics server listening", "port", cfg.Telemetry.MetricsPort)
	}

	chain := chainclient.New(chainclient.Config{
		Endpoint:        cfg.Chain.Endpoint,
		AccountID:       cfg.Chain.AccountID,
		RateLimitPerSec: cfg.Chain.RateLimitPerSec,
		RequestTimeout:  time.Duration(cfg.Chain.RequestTimeout) * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chain.Connect(ctx); err != nil {
		logger.Error("failed to connect to chain endpoint", "error", err.Error())
		os.Exit(1)
	}

	persist, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		logger.Error("failed to open persistence store", "error", err.Error())
		os.Exit(1)
	}

	assetTable := assets.New([]core.AssetInfo{
		{ID: cfg.Market.BaseAssetID, Symbol: cfg.Market.BaseSymbol, Precision: cfg.Market.BasePrecision},
		{ID: cfg.Market.QuoteAssetID, Symbol: cfg.Market.QuoteSymbol, Precision: cfg.Market.QuotePrecision},
	}, persist, cfg.App.Name)

	built, err := bootstrap.Build(ctx, cfg, logger, chain, persist, persist)
	if err != nil {
		logger.Error("failed to bootstrap grid engine", "error", err.Error())
		os.Exit(1)
	}
	if err := built.Manager.Start(ctx); err != nil {
		logger.Error("manager failed to start", "error", err.Error())
		os.Exit(1)
	}

	execr := execution.New(chain, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	eng := newRunner(built, chain, persist, assetTable, execr, cfg, logger)

	switch cfg.App.EngineType {
	case "dbos":
		durable, err := newDurableRunner(eng)
		if err != nil {
			logger.Error("failed to start durable engine", "error", err.Error())
			os.Exit(1)
		}
		go durable.Run(ctx)
		defer durable.Stop()
	default:
		go eng.RunSimple(ctx)
	}

	<-sigCh
	logger.Info("received shutdown signal, stopping gridbot")
	cancel()

	if cfg.System.CancelOnExit {
		eng.cancelAllOnChain(context.Background())
	}

	if err := built.Manager.Stop(); err != nil {
		logger.Warn("manager stop reported an error", "error", err.Error())
	}
	if err := chain.Close(); err != nil {
		logger.Warn("chain client close reported an error", "error", err.Error())
	}
	if err := persist.Close(); err != nil {
		logger.Warn("persistence store close reported an error", "error", err.Error())
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if tel != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown reported an error", "error", err.Error())
		}
		shutdownCancel()
	}

	logger.Info("gridbot stopped")
}
