package metastore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a file id is unknown.
var ErrNotFound = errors.New("file not found")

// FileRecord is the metadata kept for one file.
type FileRecord struct {
	FileID    string         `json:"file_id"`
	Filename  string         `json:"filename"`
	Size      int64          `json:"size"`
	CreatedAt time.Time      `json:"created_at"`
	Chunks    map[int]string `json:"chunks"` // chunk index -> block-store id
}

// ChunkCount is the number of registered chunk indices.
func (r *FileRecord) ChunkCount() int {
	return len(r.Chunks)
}

// ChunkEntry is one (index, storage id) registration.
type ChunkEntry struct {
	Index     int
	StorageID string
}

// MetaStore persists file records and chunk registrations.
type MetaStore interface {
	// CreateFile stores a new record with no chunks.
	CreateFile(fileID, filename string, size int64) (*FileRecord, error)

	// PutChunk binds index to storageID, replacing any earlier binding.
	PutChunk(fileID string, index int, storageID string) error

	// GetFile returns the record or ErrNotFound.
	GetFile(fileID string) (*FileRecord, error)

	// ListFiles returns every record ordered by file id.
	ListFiles() ([]FileRecord, error)

	// ListChunks returns the registrations in no particular order.
	ListChunks(fileID string) ([]ChunkEntry, error)

	// DeleteFile removes the record and its registrations.
	DeleteFile(fileID string) error

	Close() error
}
