package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logvault/logvault/internal/engine"
	"github.com/logvault/logvault/internal/index"
	"github.com/logvault/logvault/internal/segment"
	"github.com/logvault/logvault/internal/server"
	"github.com/logvault/logvault/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("logvault starting",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("retention", cfg.Retention))

	segs, err := segment.Open(cfg.DataDir, segment.Options{
		MaxSize: cfg.SegmentMaxSize,
		MaxAge:  cfg.SegmentMaxAge,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open segment store", zap.Error(err))
	}

	ix, err := index.Open(filepath.Join(cfg.DataDir, "index.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open index", zap.Error(err))
	}
	defer ix.Close()

	repairer := index.NewRepairer(ix, logger)

	agg := stats.New(cfg.DataDir, logger)

	eng, err := engine.New(segs, ix, repairer, agg, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	srv := server.New(eng, cfg.DataDir, logger)
	addr := fmt.Sprintf(":%d", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.StartRateTicker(ctx, defaultRateInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr))
		return srv.Start(addr)
	})
	g.Go(func() error {
		return eng.RunCleaner(gctx, cfg.CleanInterval, cfg.Retention)
	})
	g.Go(func() error {
		return repairer.Run(gctx)
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("run group exited", zap.Error(err))
	}

	if err := eng.Close(); err != nil {
		logger.Error("closing engine", zap.Error(err))
	}
	logger.Info("logvault exited gracefully")
}
