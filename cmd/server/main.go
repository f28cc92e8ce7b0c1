package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kolabdoc/core/internal/authext"
	"github.com/kolabdoc/core/internal/config"
	"github.com/kolabdoc/core/internal/doccache"
	"github.com/kolabdoc/core/internal/logger"
	"github.com/kolabdoc/core/internal/store"
	"github.com/kolabdoc/core/pkg/server"
)

func main() {
	logger.Init()
	cfg := config.Load()

	logger.Info("starting kolabdoc core")
	logger.Info("listen port: %s", cfg.ListenPort)

	if cfg.DurableStoreURL == "" {
		log.Fatal("DURABLE_STORE_URL is required")
	}
	st, err := store.Open(cfg.DurableStoreURL)
	if err != nil {
		logger.Error("failed to open durable store: %v", err)
		log.Fatalf("failed to open durable store: %v", err)
	}
	defer st.Close()

	cache := doccache.New(cfg.HotTierURL)
	defer cache.Close()

	verifier := authext.New(cfg.TokenSecret, cfg.ExpiryDays)

	srv := server.New(cfg, st, cache, verifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Startup(ctx); err != nil {
		logger.Error("startup failed: %v", err)
		log.Fatalf("startup failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", cfg.ListenPort)
	logger.Info("listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, srv))
}
