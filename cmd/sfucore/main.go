package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mycelia-live/sfu-core/internals/clock"
	"github.com/mycelia-live/sfu-core/internals/config"
	"github.com/mycelia-live/sfu-core/internals/core"
	"github.com/mycelia-live/sfu-core/internals/receipt"
	"github.com/mycelia-live/sfu-core/internals/sfu"
	"github.com/mycelia-live/sfu-core/internals/state"
	"github.com/mycelia-live/sfu-core/internals/utils"
)

func main() {
	cfg := config.LoadConfig()

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.GetLogger()
	logger.Info("Starting SFU core")

	var store state.Store
	var rds *state.Redis
	if cfg.Redis.Enabled {
		var err error
		rds, err = state.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("Redis connection failed, running without persistence", zap.Error(err))
		}
	}
	if rds != nil {
		store = rds
	} else {
		store = state.NewMemory()
	}

	keyring := receipt.NewKeyring()
	if _, err := keyring.Generate(cfg.Signing.KeyID); err != nil {
		logger.Fatal("Failed to generate signing key", zap.Error(err))
	}

	coord := sfu.NewCoordinator(cfg, sfu.Deps{
		Clock:     clock.NewSystem(),
		Store:     store,
		Index:     core.NopIndexPublisher{},
		Transport: core.NopTransport{},
		Signer:    keyring,
		Logger:    logger,
	})

	if rds != nil {
		ch, cancel := coord.Bus().Subscribe()
		defer cancel()
		go rds.MirrorEvents(context.Background(), ch)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")

	coord.Stop()
	if metricsServer != nil {
		metricsServer.Close()
	}
	if rds != nil {
		rds.Close()
	}
	logger.Info("SFU core stopped")
	utils.Sync()
}
