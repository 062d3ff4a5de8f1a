package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/app"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/db"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/router"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("❌ Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatalf("❌ Failed to open database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewServiceContainer(ctx, cfg, gdb, logger)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize services: %v", err)
	}
	container.Start(ctx)

	srv := router.SetupRouter(container)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("🌐 HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("❌ HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("⚠️ HTTP server shutdown incomplete")
	}
	srv.Close()
	container.Shutdown()

	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("👋 Bye")
}
