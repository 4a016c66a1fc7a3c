package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/Gammanik/chunkxfer/internal/api"
	"github.com/Gammanik/chunkxfer/internal/config"
	"github.com/Gammanik/chunkxfer/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blockstore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.LoadBlockStore()
	if err != nil {
		return err
	}
	log := logging.New("blockstore", cfg.Debug)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureDir(cfg.BucketURL); err != nil {
		return err
	}
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", cfg.BucketURL, err)
	}
	defer bucket.Close()

	router := mux.NewRouter()
	(&api.ChunkHandler{
		Bucket:       bucket,
		MaxChunkSize: int64(cfg.MaxChunkSize),
		Log:          log,
	}).Routes(router)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("block store starting",
			zap.String("addr", cfg.Addr),
			zap.String("bucket", cfg.BucketURL),
			zap.Stringer("max_chunk_size", cfg.MaxChunkSize),
		)
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

	log.Info("block store stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// ensureDir creates the directory behind a file:// bucket URL, which
// fileblob requires to exist.
func ensureDir(bucketURL string) error {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return fmt.Errorf("parse bucket url: %w", err)
	}
	if u.Scheme != "file" {
		return nil
	}
	if err := os.MkdirAll(u.Path, 0o755); err != nil {
		return fmt.Errorf("create bucket directory: %w", err)
	}
	return nil
}
