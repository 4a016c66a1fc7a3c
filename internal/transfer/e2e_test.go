package transfer

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/Gammanik/chunkxfer/internal/api"
	"github.com/Gammanik/chunkxfer/internal/chunker"
	"github.com/Gammanik/chunkxfer/internal/config"
	"github.com/Gammanik/chunkxfer/internal/metastore"
	"github.com/Gammanik/chunkxfer/internal/registrar"
	"github.com/Gammanik/chunkxfer/internal/storage"
)

const e2eToken = "e2e-token"

type services struct {
	blockStore *httptest.Server
	metadata   *httptest.Server
	bucket     *blob.Bucket
	// failChunk makes every upload whose chunk id ends with it answer 500.
	failChunk atomic.Value
}

func startServices(t *testing.T) *services {
	t.Helper()

	bucket, err := blob.OpenBucket(testContext(t), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })

	store, err := metastore.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := &services{bucket: bucket}
	s.failChunk.Store("")

	chunks := mux.NewRouter()
	(&api.ChunkHandler{Bucket: bucket}).Routes(chunks)
	s.blockStore = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suffix := s.failChunk.Load().(string)
		if suffix != "" && r.Method == http.MethodPost && r.URL.Path == "/chunks" {
			if err := r.ParseMultipartForm(32 << 20); err == nil && strings.HasSuffix(r.FormValue("chunk_id"), suffix) {
				http.Error(w, "injected failure", http.StatusInternalServerError)
				return
			}
		}
		chunks.ServeHTTP(w, r)
	}))
	t.Cleanup(s.blockStore.Close)

	files := mux.NewRouter()
	(&api.FileHandler{Store: store, Token: e2eToken, NewID: uuid.NewString}).Routes(files)
	s.metadata = httptest.NewServer(files)
	t.Cleanup(s.metadata.Close)

	return s
}

func (s *services) config() config.Config {
	cfg := config.Default()
	cfg.BlockStoreURL = s.blockStore.URL
	cfg.MetadataURL = s.metadata.URL
	cfg.Token = e2eToken
	cfg.BaseDelay = config.Duration{Duration: time.Millisecond}
	cfg.RequestTimeout = config.Duration{Duration: 10 * time.Second}
	return cfg
}

func TestEndToEnd_RoundTrip(t *testing.T) {
	s := startServices(t)
	cfg := s.config()
	cfg.ChunkSize = 1 << 20

	coord, err := NewFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := coord.Health(testContext(t)); err != nil {
		t.Fatalf("health: %v", err)
	}

	data := pattern(2621440)
	up, err := coord.Upload(testContext(t), "report.bin", data)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(up.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(up.Chunks))
	}

	fh, refs, err := coord.Info(testContext(t), up.File.FileID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if fh.Filename != "report.bin" || fh.TotalSize != 2621440 || fh.ChunkCount != 3 {
		t.Errorf("unexpected file record %+v", fh)
	}
	for i, ref := range refs {
		if ref.Index != i || ref.StorageID != chunker.StorageID(fh.FileID, i) {
			t.Errorf("unexpected ref %+v", ref)
		}
	}

	got, _, err := coord.Download(testContext(t), fh.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}

	files, err := coord.List(testContext(t))
	if err != nil || len(files) != 1 || files[0].FileID != fh.FileID {
		t.Fatalf("list: %+v %v", files, err)
	}

	if err := coord.Delete(testContext(t), fh.FileID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := coord.Info(testContext(t), fh.FileID); !errors.Is(err, registrar.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if ok, _ := s.bucket.Exists(testContext(t), "chunks/"+chunker.StorageID(fh.FileID, 0)); ok {
		t.Error("chunk blob survived delete")
	}
}

func TestEndToEnd_PartialFailureThenRetry(t *testing.T) {
	s := startServices(t)
	cfg := s.config()
	cfg.ChunkSize = 64 << 10
	cfg.Concurrency = 2

	coord, err := NewFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	s.failChunk.Store("-chunk-2")
	data := pattern(5 * 64 << 10)
	up, err := coord.Upload(testContext(t), "f", data)

	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if !errors.Is(err, storage.ErrExhausted) {
		t.Errorf("expected exhausted retries, got %v", err)
	}
	if !reflect.DeepEqual(pf.FailedIndices(), []int{2}) || pf.Failed[0].Attempts != cfg.MaxRetries {
		t.Fatalf("unexpected failures %+v", pf.Failed)
	}

	// The other chunks are already retrievable on their own.
	transport, err := storage.New(storage.Options{BaseURL: s.blockStore.URL, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	for _, idx := range []int{0, 1, 3, 4} {
		b, err := transport.DownloadChunk(testContext(t), chunker.StorageID(up.File.FileID, idx))
		if err != nil {
			t.Errorf("chunk %d: %v", idx, err)
			continue
		}
		if !bytes.Equal(b, data[idx*64<<10:(idx+1)*64<<10]) {
			t.Errorf("chunk %d has wrong bytes", idx)
		}
	}

	if _, _, err := coord.Download(testContext(t), up.File.FileID); !errors.Is(err, registrar.ErrNotFound) {
		t.Errorf("download of incomplete file should report the missing chunk, got %v", err)
	}

	s.failChunk.Store("")
	if _, err := coord.Retry(testContext(t), up.File, data, pf); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _, err := coord.Download(testContext(t), up.File.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch after retry")
	}
}

func TestEndToEnd_WrongToken(t *testing.T) {
	s := startServices(t)
	cfg := s.config()
	cfg.Token = "wrong"

	coord, err := NewFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if _, err := coord.Upload(testContext(t), "f", pattern(10)); !errors.Is(err, registrar.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
