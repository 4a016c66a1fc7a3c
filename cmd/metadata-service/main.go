package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/api"
	"github.com/Gammanik/chunkxfer/internal/config"
	"github.com/Gammanik/chunkxfer/internal/logging"
	"github.com/Gammanik/chunkxfer/internal/metastore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "metadata-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadMetadata()
	if err != nil {
		return err
	}
	log := logging.New("metadata", cfg.Debug)
	defer log.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := metastore.NewBoltStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}
	defer store.Close()

	if cfg.Token == "" {
		log.Warn("METADATA_TOKEN is empty, authentication disabled")
	}

	router := mux.NewRouter()
	(&api.FileHandler{
		Store: store,
		Token: cfg.Token,
		Log:   log,
		NewID: uuid.NewString,
	}).Routes(router)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("metadata service starting", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("metadata service stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
