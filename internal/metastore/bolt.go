package metastore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var filesBucket = []byte("files")

// BoltStore implements MetaStore on a single bbolt file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (bs *BoltStore) CreateFile(fileID, filename string, size int64) (*FileRecord, error) {
	rec := &FileRecord{
		FileID:    fileID,
		Filename:  filename,
		Size:      size,
		CreatedAt: bs.now().UTC(),
		Chunks:    make(map[int]string),
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		if b.Get([]byte(fileID)) != nil {
			return fmt.Errorf("file %s already exists", fileID)
		}
		return putRecord(b, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (bs *BoltStore) PutChunk(fileID string, index int, storageID string) error {
	if index < 0 {
		return fmt.Errorf("invalid chunk index %d", index)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		rec, err := getRecord(b, fileID)
		if err != nil {
			return err
		}
		if rec.Chunks == nil {
			rec.Chunks = make(map[int]string)
		}
		rec.Chunks[index] = storageID
		return putRecord(b, rec)
	})
}

func (bs *BoltStore) GetFile(fileID string) (*FileRecord, error) {
	var rec *FileRecord
	err := bs.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(filesBucket), fileID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (bs *BoltStore) ListFiles() ([]FileRecord, error) {
	var out []FileRecord
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode file %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListChunks walks the registration map, so the order differs between calls.
func (bs *BoltStore) ListChunks(fileID string) ([]ChunkEntry, error) {
	rec, err := bs.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	out := make([]ChunkEntry, 0, len(rec.Chunks))
	for idx, id := range rec.Chunks {
		out = append(out, ChunkEntry{Index: idx, StorageID: id})
	}
	return out, nil
}

func (bs *BoltStore) DeleteFile(fileID string) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		if b.Get([]byte(fileID)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, fileID)
		}
		return b.Delete([]byte(fileID))
	})
}

func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

func getRecord(b *bolt.Bucket, fileID string) (*FileRecord, error) {
	data := b.Get([]byte(fileID))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode file %s: %w", fileID, err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, rec *FileRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.FileID), encoded)
}

// Verify BoltStore implements MetaStore.
var _ MetaStore = (*BoltStore)(nil)
