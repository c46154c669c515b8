package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/cnn-lens/internal/catalog"
	"github.com/Brownie44l1/cnn-lens/internal/config"
	"github.com/Brownie44l1/cnn-lens/internal/handlers"
	"github.com/Brownie44l1/cnn-lens/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	log, err := config.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		stdlog.Fatalf("Failed to create logger: %v", err)
	}
	defer log.Sync()

	log.Infow("Loading model catalog", "path", cfg.CatalogPath)
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalw("Failed to load catalog", "error", err)
	}

	reg, closeModels, err := catalog.Open(cat, cfg.ONNXRuntimeLib, log)
	if err != nil {
		log.Fatalw("Failed to open models", "error", err)
	}
	defer closeModels()

	handler := handlers.NewHandler(pipeline.NewService(reg, log, cfg.MaxImagePixels), log, cfg.MaxUploadBytes)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Shutdown did not complete", "error", err)
		}
	}()

	log.Infow("Server starting", "port", cfg.Port, "models", reg.IDs())
	log.Info("Endpoints: GET /health, GET /api/models, POST /api/process")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("Server failed", "error", err)
		return
	}
	log.Info("Server stopped")
}
