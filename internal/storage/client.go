package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/utils"
)

// Defaults for Options.
const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Ack is the block store's answer to a chunk upload.
type Ack struct {
	ChunkID string `json:"chunk_id"`
	Size    int64  `json:"size"`
}

// Client transfers single chunks to and from a block store.
type Client interface {
	// UploadChunk stores payload under storageID.
	UploadChunk(ctx context.Context, storageID string, payload []byte) (Ack, error)

	// DownloadChunk returns the bytes stored under storageID.
	DownloadChunk(ctx context.Context, storageID string) ([]byte, error)

	// DeleteChunk removes the chunk stored under storageID.
	DeleteChunk(ctx context.Context, storageID string) error

	// Health reports whether the block store is reachable and healthy.
	Health(ctx context.Context) error
}

// Options configures the HTTP block-store client.
type Options struct {
	// BaseURL is the block store root, e.g. http://localhost:8003.
	BaseURL string

	// MaxRetries is the total number of attempts per chunk operation.
	// Default: 3
	MaxRetries int

	// BaseDelay is the backoff unit. The wait before attempt n+1 is BaseDelay*n.
	// Default: 1s
	BaseDelay time.Duration

	// RequestTimeout bounds a single attempt.
	// Default: 30s
	RequestTimeout time.Duration

	// MaxIdleConnsPerHost sizes the connection pool.
	// Default: 100
	MaxIdleConnsPerHost int

	// Logger receives retry warnings. Default: no-op.
	Logger *zap.Logger
}

// HTTPClient implements Client against the block store REST API.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	opts    Options
	log     *zap.Logger
}

// New creates a block-store client. Zero-valued options fall back to defaults;
// negative values are rejected.
func New(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("storage: base URL is required")
	}
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("storage: invalid base URL: %w", err)
	}
	if opts.MaxRetries < 0 || opts.BaseDelay < 0 {
		return nil, fmt.Errorf("storage: invalid retry policy (max retries %d, base delay %s)", opts.MaxRetries, opts.BaseDelay)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		opts:    opts,
		log:     log,
	}, nil
}

// UploadChunk posts the chunk as multipart form data. Every failure, whatever
// the status code, is retried until the attempts are used up.
func (c *HTTPClient) UploadChunk(ctx context.Context, storageID string, payload []byte) (Ack, error) {
	body, contentType, err := encodeChunkForm(storageID, payload)
	if err != nil {
		return Ack{}, &TransportError{Kind: ErrNetwork, Op: "upload", StorageID: storageID, Err: err}
	}

	var ack Ack
	err = c.withRetry(ctx, "upload", storageID, false, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chunks", bytes.NewReader(body))
		if err != nil {
			return errPermanent{fmt.Errorf("create request: %w", err)}
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return err
		}

		ack = Ack{}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &ack); err != nil {
				return fmt.Errorf("decode ack: %w", err)
			}
		}
		if ack.ChunkID == "" {
			ack.ChunkID = storageID
		}
		if ack.Size == 0 {
			ack.Size = int64(len(payload))
		}
		return nil
	})
	if err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// DownloadChunk fetches the chunk bytes. A 404 is reported immediately as
// ErrNotFound; anything else is retried.
func (c *HTTPClient) DownloadChunk(ctx context.Context, storageID string) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, "download", storageID, true, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.chunkURL(storageID), nil)
		if err != nil {
			return errPermanent{fmt.Errorf("create request: %w", err)}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return err
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read chunk body: %w", err)
		}
		if resp.ContentLength >= 0 && int64(len(b)) != resp.ContentLength {
			return fmt.Errorf("short chunk body: got %d of %d bytes", len(b), resp.ContentLength)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteChunk removes a chunk with a single request.
func (c *HTTPClient) DeleteChunk(ctx context.Context, storageID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.chunkURL(storageID), nil)
	if err != nil {
		return &TransportError{Kind: ErrNetwork, Op: "delete", StorageID: storageID, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Kind: ErrNetwork, Op: "delete", StorageID: storageID, Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		kind := ErrNetwork
		if isNotFound(err) {
			kind = ErrNotFound
		}
		return &TransportError{Kind: kind, Op: "delete", StorageID: storageID, Attempts: 1, Err: err}
	}
	return nil
}

// Health calls GET /health once.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &TransportError{Kind: ErrNetwork, Op: "health", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Kind: ErrNetwork, Op: "health", Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return &TransportError{Kind: ErrNetwork, Op: "health", Attempts: 1, Err: err}
	}
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// errPermanent marks an attempt error that retrying cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// withRetry runs fn up to MaxRetries times, sleeping BaseDelay*n after the n-th
// failure. With notFoundIsFinal a 404 ends the loop at once.
func (c *HTTPClient) withRetry(ctx context.Context, op, storageID string, notFoundIsFinal bool, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return &TransportError{Kind: ErrNetwork, Op: op, StorageID: storageID, Attempts: attempt - 1, Err: err}
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if notFoundIsFinal && isNotFound(lastErr) {
			return &TransportError{Kind: ErrNotFound, Op: op, StorageID: storageID, Attempts: attempt, Err: lastErr}
		}
		var perm errPermanent
		if errors.As(lastErr, &perm) {
			return &TransportError{Kind: ErrNetwork, Op: op, StorageID: storageID, Attempts: attempt, Err: perm.err}
		}

		c.log.Warn("chunk attempt failed",
			zap.String("op", op),
			zap.String("storage_id", storageID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.MaxRetries),
			zap.Error(lastErr),
		)
	}

	return &TransportError{Kind: ErrExhausted, Op: op, StorageID: storageID, Attempts: c.opts.MaxRetries, Err: lastErr}
}

// backoff waits BaseDelay*failures, or until ctx is done.
func (c *HTTPClient) backoff(ctx context.Context, failures int) error {
	t := time.NewTimer(c.opts.BaseDelay * time.Duration(failures))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *HTTPClient) chunkURL(storageID string) string {
	return c.baseURL + "/chunks/" + url.PathEscape(storageID)
}

// encodeChunkForm builds the multipart body once so each attempt can replay it.
func encodeChunkForm(storageID string, payload []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("chunk_id", storageID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("checksum", utils.CalculateSHA256(payload)); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("file", storageID)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// checkStatus drains the body of a failed response into a StatusError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound
}

// Verify HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
