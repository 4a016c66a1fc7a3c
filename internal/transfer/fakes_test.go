package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gammanik/chunkxfer/internal/config"
	"github.com/Gammanik/chunkxfer/internal/registrar"
	"github.com/Gammanik/chunkxfer/internal/storage"
)

// memStore is an in-memory storage.Client with failure injection.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// failUploads maps a storage id to how many more uploads of it fail;
	// a negative count fails forever.
	failUploads map[string]int
	failDeletes map[string]bool
	uploads     map[string]int
	downloads   atomic.Int64

	delay       time.Duration
	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	// hook runs at the start of every upload, outside the lock.
	hook func(ctx context.Context, storageID string) error
}

func newMemStore() *memStore {
	return &memStore{
		blobs:       make(map[string][]byte),
		failUploads: make(map[string]int),
		failDeletes: make(map[string]bool),
		uploads:     make(map[string]int),
	}
}

func (s *memStore) UploadChunk(ctx context.Context, storageID string, payload []byte) (storage.Ack, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if cur <= peak || s.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	if s.hook != nil {
		if err := s.hook(ctx, storageID); err != nil {
			return storage.Ack{}, err
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[storageID]++

	if n, ok := s.failUploads[storageID]; ok && n != 0 {
		if n > 0 {
			s.failUploads[storageID] = n - 1
		}
		return storage.Ack{}, &storage.TransportError{
			Kind: storage.ErrExhausted, Op: "upload", StorageID: storageID, Attempts: 3,
			Err: &storage.StatusError{Code: 503},
		}
	}

	s.blobs[storageID] = append([]byte(nil), payload...)
	return storage.Ack{ChunkID: storageID, Size: int64(len(payload))}, nil
}

func (s *memStore) DownloadChunk(_ context.Context, storageID string) ([]byte, error) {
	s.downloads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[storageID]
	if !ok {
		return nil, &storage.TransportError{Kind: storage.ErrNotFound, Op: "download", StorageID: storageID, Attempts: 1,
			Err: &storage.StatusError{Code: 404}}
	}
	return append([]byte(nil), b...), nil
}

func (s *memStore) DeleteChunk(_ context.Context, storageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes[storageID] {
		return &storage.TransportError{Kind: storage.ErrNetwork, Op: "delete", StorageID: storageID, Attempts: 1,
			Err: errors.New("connection reset")}
	}
	if _, ok := s.blobs[storageID]; !ok {
		return &storage.TransportError{Kind: storage.ErrNotFound, Op: "delete", StorageID: storageID, Attempts: 1}
	}
	delete(s.blobs, storageID)
	return nil
}

func (s *memStore) Health(context.Context) error { return nil }

func (s *memStore) has(storageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[storageID]
	return ok
}

func (s *memStore) uploadCount(storageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[storageID]
}

// memRegistrar is an in-memory registrar.Registrar.
type memRegistrar struct {
	mu        sync.Mutex
	files     map[string]registrar.FileHandle
	chunks    map[string]map[int]string
	nextID    int
	createErr error
	// failRegister maps a chunk index to how many more registrations fail;
	// a negative count fails forever.
	failRegister map[int]int
	registers    int
}

func newMemRegistrar() *memRegistrar {
	return &memRegistrar{
		files:        make(map[string]registrar.FileHandle),
		chunks:       make(map[string]map[int]string),
		failRegister: make(map[int]int),
	}
}

func (r *memRegistrar) CreateFile(_ context.Context, filename string, size int64) (registrar.FileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return registrar.FileHandle{}, r.createErr
	}
	r.nextID++
	fh := registrar.FileHandle{FileID: fmt.Sprintf("file%d", r.nextID), Filename: filename, TotalSize: size, CreatedAt: time.Now()}
	r.files[fh.FileID] = fh
	r.chunks[fh.FileID] = make(map[int]string)
	return fh, nil
}

func (r *memRegistrar) RegisterChunk(_ context.Context, fileID string, index int, storageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	if n, ok := r.failRegister[index]; ok && n != 0 {
		if n > 0 {
			r.failRegister[index] = n - 1
		}
		return &registrar.RegistrationError{Kind: registrar.ErrNetwork, Op: "register chunk", FileID: fileID, Status: 500}
	}
	m, ok := r.chunks[fileID]
	if !ok {
		return &registrar.RegistrationError{Kind: registrar.ErrNotFound, Op: "register chunk", FileID: fileID, Status: 404}
	}
	m[index] = storageID
	return nil
}

func (r *memRegistrar) ListChunks(_ context.Context, fileID string) ([]registrar.ChunkRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.chunks[fileID]
	if !ok {
		return nil, &registrar.RegistrationError{Kind: registrar.ErrNotFound, Op: "list chunks", FileID: fileID, Status: 404}
	}
	refs := make([]registrar.ChunkRef, 0, len(m))
	for idx, id := range m {
		refs = append(refs, registrar.ChunkRef{Index: idx, StorageID: id})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
	return refs, nil
}

func (r *memRegistrar) GetFile(_ context.Context, fileID string) (registrar.FileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fh, ok := r.files[fileID]
	if !ok {
		return registrar.FileHandle{}, &registrar.RegistrationError{Kind: registrar.ErrNotFound, Op: "get file", FileID: fileID, Status: 404}
	}
	fh.ChunkCount = len(r.chunks[fileID])
	return fh, nil
}

func (r *memRegistrar) ListFiles(context.Context) ([]registrar.FileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registrar.FileHandle, 0, len(r.files))
	for _, fh := range r.files {
		out = append(out, fh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

func (r *memRegistrar) DeleteFile(_ context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[fileID]; !ok {
		return &registrar.RegistrationError{Kind: registrar.ErrNotFound, Op: "delete file", FileID: fileID, Status: 404}
	}
	delete(r.files, fileID)
	delete(r.chunks, fileID)
	return nil
}

func (r *memRegistrar) Health(context.Context) error { return nil }

func (r *memRegistrar) registered(fileID string) map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.chunks[fileID]))
	for k, v := range r.chunks[fileID] {
		out[k] = v
	}
	return out
}

func testConfig(chunkSize int64) config.Config {
	cfg := config.Default()
	cfg.Token = "test-token"
	cfg.ChunkSize = config.ByteSize(chunkSize)
	cfg.BaseDelay = config.Duration{Duration: time.Millisecond}
	return cfg
}

func newTestCoordinator(t *testing.T, cfg config.Config, store *memStore, reg *memRegistrar, observer Observer) *Coordinator {
	t.Helper()
	c, err := New(cfg, store, reg, nil, observer)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
