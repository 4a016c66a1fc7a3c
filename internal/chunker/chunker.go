package chunker

import (
	"errors"
	"fmt"
)

// DefaultChunkSize is the chunk size used when none is configured (1 MiB).
const DefaultChunkSize int64 = 1 << 20

var (
	// ErrInvalidChunkSize is returned for a chunk size <= 0.
	ErrInvalidChunkSize = errors.New("chunker: chunk size must be positive")

	// ErrInvalidLength is returned for a negative input length.
	ErrInvalidLength = errors.New("chunker: length must not be negative")
)

// Descriptor describes one chunk of a file: the byte range [Offset, Offset+Length).
type Descriptor struct {
	Index  int
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the chunk.
func (d Descriptor) End() int64 {
	return d.Offset + d.Length
}

// Count returns the number of chunks a file of the given length is split into.
// An empty file still has exactly one (zero-length) chunk.
func Count(length, chunkSize int64) (int, error) {
	if chunkSize <= 0 {
		return 0, ErrInvalidChunkSize
	}
	if length < 0 {
		return 0, ErrInvalidLength
	}
	if length == 0 {
		return 1, nil
	}
	return int((length + chunkSize - 1) / chunkSize), nil
}

// Split returns the ordered chunk descriptors covering [0, length) with no gap
// or overlap. Every chunk is chunkSize bytes except possibly the last one.
func Split(length, chunkSize int64) ([]Descriptor, error) {
	it, err := NewIterator(length, chunkSize)
	if err != nil {
		return nil, err
	}

	out := make([]Descriptor, 0, it.Len())
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		out = append(out, d)
	}
	return out, nil
}

// Iterator yields chunk descriptors one at a time. It holds no file content
// and can be rewound with Reset.
type Iterator struct {
	length    int64
	chunkSize int64
	count     int
	next      int
}

// NewIterator creates an iterator over the chunks of a file of the given length.
func NewIterator(length, chunkSize int64) (*Iterator, error) {
	count, err := Count(length, chunkSize)
	if err != nil {
		return nil, err
	}
	return &Iterator{length: length, chunkSize: chunkSize, count: count}, nil
}

// Len returns the total number of chunks.
func (it *Iterator) Len() int {
	return it.count
}

// Next returns the next descriptor, or false once all chunks were produced.
func (it *Iterator) Next() (Descriptor, bool) {
	if it.next >= it.count {
		return Descriptor{}, false
	}

	offset := int64(it.next) * it.chunkSize
	d := Descriptor{
		Index:  it.next,
		Offset: offset,
		Length: min(it.chunkSize, it.length-offset),
	}
	it.next++
	return d, true
}

// Reset rewinds the iterator to the first chunk.
func (it *Iterator) Reset() {
	it.next = 0
}

// StorageID returns the block-store identifier of chunk index of file fileID.
// It is deterministic: the same (fileID, index) pair always maps to the same id,
// so a chunk can be re-uploaded or fetched without consulting any other state.
func StorageID(fileID string, index int) string {
	return fmt.Sprintf("%s-chunk-%d", fileID, index)
}
