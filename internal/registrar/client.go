package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FileHandle describes a file registered with the metadata service.
type FileHandle struct {
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	TotalSize  int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkRef binds a chunk index to the block-store id holding its bytes.
type ChunkRef struct {
	Index     int    `json:"chunk_index"`
	StorageID string `json:"storage_path"`
}

// Registrar records and retrieves chunk placement. Calls are never retried.
type Registrar interface {
	CreateFile(ctx context.Context, filename string, size int64) (FileHandle, error)
	RegisterChunk(ctx context.Context, fileID string, index int, storageID string) error
	// ListChunks returns the file's chunks sorted by ascending index.
	ListChunks(ctx context.Context, fileID string) ([]ChunkRef, error)
	GetFile(ctx context.Context, fileID string) (FileHandle, error)
	ListFiles(ctx context.Context) ([]FileHandle, error)
	DeleteFile(ctx context.Context, fileID string) error
	Health(ctx context.Context) error
}

// Options configures HTTPRegistrar.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// HTTPRegistrar talks to the metadata service REST API.
type HTTPRegistrar struct {
	client  *http.Client
	baseURL string
	token   string
	log     *zap.Logger
}

// New creates a registrar client.
func New(opts Options) (*HTTPRegistrar, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("registrar: base URL is required")
	}
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("registrar: invalid base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPRegistrar{
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		log:     log,
	}, nil
}

type createFileRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// CreateFile registers a new file and returns the id assigned by the service.
func (r *HTTPRegistrar) CreateFile(ctx context.Context, filename string, size int64) (FileHandle, error) {
	var fh FileHandle
	err := r.do(ctx, "create file", "", http.MethodPost, "/files", createFileRequest{Filename: filename, Size: size}, &fh)
	if err != nil {
		return FileHandle{}, err
	}
	if fh.FileID == "" {
		return FileHandle{}, &RegistrationError{Kind: ErrNetwork, Op: "create file", Err: errors.New("response carries no file_id")}
	}
	if fh.Filename == "" {
		fh.Filename = filename
	}
	if fh.TotalSize == 0 {
		fh.TotalSize = size
	}
	return fh, nil
}

// RegisterChunk binds (fileID, index) to storageID. Registering the same index
// again overwrites the previous binding.
func (r *HTTPRegistrar) RegisterChunk(ctx context.Context, fileID string, index int, storageID string) error {
	body := ChunkRef{Index: index, StorageID: storageID}
	if err := r.do(ctx, "register chunk", fileID, http.MethodPost, filePath(fileID)+"/chunks", body, nil); err != nil {
		return err
	}
	r.log.Debug("chunk registered",
		zap.String("file_id", fileID),
		zap.Int("index", index),
		zap.String("storage_id", storageID),
	)
	return nil
}

// ListChunks fetches the chunk list and sorts it by index; the service does
// not guarantee any order.
func (r *HTTPRegistrar) ListChunks(ctx context.Context, fileID string) ([]ChunkRef, error) {
	var refs []ChunkRef
	if err := r.do(ctx, "list chunks", fileID, http.MethodGet, filePath(fileID)+"/chunks", nil, &refs); err != nil {
		return nil, err
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
	return refs, nil
}

func (r *HTTPRegistrar) GetFile(ctx context.Context, fileID string) (FileHandle, error) {
	var fh FileHandle
	if err := r.do(ctx, "get file", fileID, http.MethodGet, filePath(fileID), nil, &fh); err != nil {
		return FileHandle{}, err
	}
	if fh.FileID == "" {
		fh.FileID = fileID
	}
	return fh, nil
}

func (r *HTTPRegistrar) ListFiles(ctx context.Context) ([]FileHandle, error) {
	var files []FileHandle
	if err := r.do(ctx, "list files", "", http.MethodGet, "/files", nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (r *HTTPRegistrar) DeleteFile(ctx context.Context, fileID string) error {
	return r.do(ctx, "delete file", fileID, http.MethodDelete, filePath(fileID), nil, nil)
}

// Health calls GET /health, which needs no token.
func (r *HTTPRegistrar) Health(ctx context.Context) error {
	return r.do(ctx, "health", "", http.MethodGet, "/health", nil, nil)
}

// do performs one request. in is JSON-encoded when non-nil; out is decoded
// from a 2xx body when non-nil.
func (r *HTTPRegistrar) do(ctx context.Context, op, fileID, method, path string, in, out any) error {
	fail := func(kind error, status int, err error) error {
		return &RegistrationError{Kind: kind, Op: op, FileID: fileID, Status: status, Err: err}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fail(ErrNetwork, 0, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fail(ErrNetwork, 0, fmt.Errorf("create request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fail(ErrNetwork, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fail(ErrAuthFailed, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode == http.StatusNotFound:
		return fail(ErrNotFound, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fail(ErrNetwork, resp.StatusCode, readErrorBody(resp.Body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fail(ErrNetwork, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func readErrorBody(r io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func filePath(fileID string) string {
	return "/files/" + url.PathEscape(fileID)
}

// Verify HTTPRegistrar implements Registrar.
var _ Registrar = (*HTTPRegistrar)(nil)
