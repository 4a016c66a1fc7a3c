package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gammanik/chunkxfer/internal/utils"
)

func newTestClient(t *testing.T, url string, maxRetries int) *HTTPClient {
	t.Helper()
	c, err := New(Options{
		BaseURL:        url,
		MaxRetries:     maxRetries,
		BaseDelay:      time.Millisecond,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestUploadChunk_SendsMultipartForm(t *testing.T) {
	payload := []byte("hello chunk")

	var gotID, gotChecksum string
	var gotData []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chunks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		gotID = r.FormValue("chunk_id")
		gotChecksum = r.FormValue("checksum")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		gotData, _ = io.ReadAll(f)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Ack{ChunkID: gotID, Size: int64(len(gotData))})
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 3)
	ack, err := c.UploadChunk(testContext(t), "file-chunk-0", payload)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if gotID != "file-chunk-0" {
		t.Errorf("expected chunk_id file-chunk-0, got %q", gotID)
	}
	if gotChecksum != utils.CalculateSHA256(payload) {
		t.Errorf("unexpected checksum %q", gotChecksum)
	}
	if !bytes.Equal(gotData, payload) {
		t.Errorf("server received %q", gotData)
	}
	if ack.ChunkID != "file-chunk-0" || ack.Size != int64(len(payload)) {
		t.Errorf("unexpected ack %+v", ack)
	}
}

func TestUploadChunk_UsesIDAssignedByStore(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"chunk_id":"assigned-42","size":3}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 1)
	ack, err := c.UploadChunk(testContext(t), "wanted", []byte("abc"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ack.ChunkID != "assigned-42" {
		t.Errorf("expected assigned-42, got %q", ack.ChunkID)
	}
}

func TestUploadChunk_TransientFailuresThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 3)
	if _, err := c.UploadChunk(testContext(t), "c", []byte("x")); err != nil {
		t.Fatalf("upload should succeed on the last attempt: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestUploadChunk_Exhausted(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 4)
	_, err := c.UploadChunk(testContext(t), "c", []byte("x"))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if te.Attempts != 4 {
		t.Errorf("expected 4 attempts in error, got %d", te.Attempts)
	}
	if got := attempts.Load(); got != 4 {
		t.Errorf("expected 4 requests, got %d", got)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Errorf("expected last status 400 in chain, got %v", err)
	}
}

func TestUploadChunk_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newTestClient(t, url, 2)
	_, err := c.UploadChunk(testContext(t), "c", []byte("x"))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestDownloadChunk_NotFoundIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 3)
	_, err := c.DownloadChunk(testContext(t), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("not-found must not be reported as exhausted")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single request, got %d", got)
	}
}

func TestDownloadChunk_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chunks/f-chunk-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 3)
	data, err := c.DownloadChunk(testContext(t), "f-chunk-1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", data)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestDownloadChunk_CanceledDuringBackoff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c, err := New(Options{BaseURL: ts.URL, MaxRetries: 5, BaseDelay: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(testContext(t), 50*time.Millisecond)
	defer cancel()

	_, err = c.DownloadChunk(ctx, "c")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
}

func TestBackoff_IsLinear(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, err := New(Options{BaseURL: ts.URL, MaxRetries: 3, BaseDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, _ = c.DownloadChunk(testContext(t), "c")

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 20*time.Millisecond {
		t.Errorf("first wait %s shorter than base delay", gap)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 40*time.Millisecond {
		t.Errorf("second wait %s shorter than 2x base delay", gap)
	}
}

func TestDeleteAndHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/health":
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/chunks/present":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL, 3)
	if err := c.Health(testContext(t)); err != nil {
		t.Errorf("health: %v", err)
	}
	if err := c.DeleteChunk(testContext(t), "present"); err != nil {
		t.Errorf("delete: %v", err)
	}
	if err := c.DeleteChunk(testContext(t), "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for empty base URL")
	}
	if _, err := New(Options{BaseURL: "http://x", MaxRetries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	c, err := New(Options{BaseURL: "http://x/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.opts.MaxRetries != DefaultMaxRetries || c.opts.BaseDelay != DefaultBaseDelay {
		t.Errorf("defaults not applied: %+v", c.opts)
	}
	if c.baseURL != "http://x" {
		t.Errorf("trailing slash not trimmed: %q", c.baseURL)
	}
}
