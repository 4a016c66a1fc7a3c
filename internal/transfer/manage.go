package transfer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/registrar"
	"github.com/Gammanik/chunkxfer/internal/storage"
)

// Delete removes every chunk of the file from the block store, then the
// file's metadata. Chunks already gone are ignored. The metadata is removed
// even when some chunk deletions fail; those chunks are returned in a
// *PartialFailureError so the caller can clean them up.
func (c *Coordinator) Delete(ctx context.Context, fileID string) error {
	refs, err := c.registrar.ListChunks(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list chunks of %s: %w", fileID, err)
	}

	c.setState(fileID, DirectionDelete, StateChunksInFlight, len(refs))
	results := c.fanOut(ctx, fileID, DirectionDelete,
		func(k int) int { return refs[k].Index },
		len(refs),
		func(ctx context.Context, k int) ChunkResult {
			ref := refs[k]
			res := ChunkResult{Index: ref.Index, StorageID: ref.StorageID}
			if err := c.transport.DeleteChunk(ctx, ref.StorageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				res.Attempts = attemptsOf(err)
				res.Err = err
			}
			return res
		})

	if err := c.registrar.DeleteFile(ctx, fileID); err != nil {
		c.setState(fileID, DirectionDelete, StateAborted, len(refs))
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}

	pf := &PartialFailureError{Op: "delete", FileID: fileID}
	for _, res := range results {
		if res.Err != nil {
			pf.Failed = append(pf.Failed, ChunkFailure{Index: res.Index, StorageID: res.StorageID, Attempts: res.Attempts, Err: res.Err})
		}
	}
	if len(pf.Failed) > 0 {
		sortFailures(pf.Failed)
		c.setState(fileID, DirectionDelete, StatePartiallyFailed, len(refs))
		c.log.Error("orphaned chunks after delete", zap.String("file_id", fileID), zap.Ints("failed", pf.FailedIndices()))
		return pf
	}

	c.setState(fileID, DirectionDelete, StateCompleted, len(refs))
	c.log.Info("file deleted", zap.String("file_id", fileID), zap.Int("chunks", len(refs)))
	return nil
}

// List returns every file known to the metadata service.
func (c *Coordinator) List(ctx context.Context) ([]registrar.FileHandle, error) {
	files, err := c.registrar.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// Info returns the file record and its chunk list sorted by index.
func (c *Coordinator) Info(ctx context.Context, fileID string) (registrar.FileHandle, []registrar.ChunkRef, error) {
	fh, err := c.registrar.GetFile(ctx, fileID)
	if err != nil {
		return registrar.FileHandle{}, nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	refs, err := c.registrar.ListChunks(ctx, fileID)
	if err != nil {
		return fh, nil, fmt.Errorf("list chunks of %s: %w", fileID, err)
	}
	return fh, refs, nil
}

// Health checks both services and joins their errors.
func (c *Coordinator) Health(ctx context.Context) error {
	var errs []error
	if err := c.transport.Health(ctx); err != nil {
		errs = append(errs, fmt.Errorf("block store: %w", err))
	}
	if err := c.registrar.Health(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metadata service: %w", err))
	}
	return errors.Join(errs...)
}
