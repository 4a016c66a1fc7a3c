package transfer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/assembler"
	"github.com/Gammanik/chunkxfer/internal/chunker"
	"github.com/Gammanik/chunkxfer/internal/registrar"
)

// DownloadResult summarizes a download. Chunks is ordered by index.
type DownloadResult struct {
	File   registrar.FileHandle
	State  State
	Chunks []ChunkResult
}

// Download fetches the file's chunk list, downloads every chunk in parallel
// and assembles them in index order. The bytes are returned only when every
// chunk arrived and the total matches the registered size. Gaps in the
// chunk list fail the download before any chunk is fetched. Missing chunks
// at the end of the list can only be told apart from a different chunk
// size once the listed chunks are in, so they are reported after the fetch.
func (c *Coordinator) Download(ctx context.Context, fileID string) ([]byte, *DownloadResult, error) {
	c.setState(fileID, DirectionDownload, StateInitiated, 0)

	abort := func(err error) ([]byte, *DownloadResult, error) {
		c.setState(fileID, DirectionDownload, StateAborted, 0)
		return nil, nil, err
	}

	fh, err := c.registrar.GetFile(ctx, fileID)
	if err != nil {
		return abort(fmt.Errorf("get file %s: %w", fileID, err))
	}
	refs, err := c.registrar.ListChunks(ctx, fileID)
	if err != nil {
		return abort(fmt.Errorf("list chunks of %s: %w", fileID, err))
	}

	plan, missing := denseChunks(refs)
	result := &DownloadResult{File: fh}

	if len(missing) > 0 {
		return nil, result, c.unregistered(fileID, result, missing, len(plan))
	}

	c.setState(fileID, DirectionDownload, StateChunksInFlight, len(plan))

	buffers := make([][]byte, len(plan))
	results := c.fanOut(ctx, fileID, DirectionDownload,
		func(k int) int { return plan[k].Index },
		len(plan),
		func(ctx context.Context, k int) ChunkResult {
			ref := plan[k]
			res := ChunkResult{Index: ref.Index, StorageID: ref.StorageID}
			data, err := c.transport.DownloadChunk(ctx, ref.StorageID)
			if err != nil {
				res.Attempts = attemptsOf(err)
				res.Err = err
				return res
			}
			buffers[k] = data
			res.Size = int64(len(data))
			return res
		})
	result.Chunks = results

	pf := &PartialFailureError{Op: "download", FileID: fileID}
	for _, res := range results {
		if res.Err != nil {
			pf.Failed = append(pf.Failed, ChunkFailure{Index: res.Index, StorageID: res.StorageID, Attempts: res.Attempts, Err: res.Err})
		}
	}
	if len(pf.Failed) > 0 {
		result.State = StatePartiallyFailed
		c.setState(fileID, DirectionDownload, StatePartiallyFailed, len(plan))
		c.log.Error("download partially failed", zap.String("file_id", fileID), zap.Ints("failed", pf.FailedIndices()))
		return nil, result, pf
	}

	if tail := missingTail(buffers, fh.TotalSize, int64(c.cfg.ChunkSize)); len(tail) > 0 {
		return nil, result, c.unregistered(fileID, result, tail, len(plan))
	}

	out, err := assembler.Assemble(buffers, fh.TotalSize)
	if err != nil {
		result.State = StateAborted
		c.setState(fileID, DirectionDownload, StateAborted, len(plan))
		c.log.Error("assemble failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, result, fmt.Errorf("assemble %s: %w", fileID, err)
	}

	result.State = StateCompleted
	c.setState(fileID, DirectionDownload, StateCompleted, len(plan))
	c.log.Info("download completed",
		zap.String("file_id", fileID),
		zap.Int("chunks", len(plan)),
		zap.Int("bytes", len(out)),
	)
	return out, result, nil
}

// denseChunks expects refs sorted by index. It returns one ref per index in
// [0, n), where n is one past the highest index (at least 1), and the indices
// that have no ref. A repeated index keeps its last ref.
func denseChunks(refs []registrar.ChunkRef) ([]registrar.ChunkRef, []int) {
	n := 1
	for _, r := range refs {
		if r.Index >= n {
			n = r.Index + 1
		}
	}

	plan := make([]registrar.ChunkRef, n)
	seen := make([]bool, n)
	for _, r := range refs {
		if r.Index < 0 {
			continue
		}
		plan[r.Index] = r
		seen[r.Index] = true
	}

	var missing []int
	for i, ok := range seen {
		if !ok {
			missing = append(missing, i)
		}
	}
	return plan, missing
}

// unregistered fails a download for chunk indices the metadata service does
// not list.
func (c *Coordinator) unregistered(fileID string, result *DownloadResult, missing []int, total int) error {
	pf := &PartialFailureError{Op: "download", FileID: fileID}
	for _, idx := range missing {
		err := fmt.Errorf("chunk %d is not registered: %w", idx, registrar.ErrNotFound)
		pf.Failed = append(pf.Failed, ChunkFailure{Index: idx, Err: err})
		result.Chunks = append(result.Chunks, ChunkResult{Index: idx, Err: err})
	}
	sortResults(result.Chunks)
	result.State = StatePartiallyFailed
	c.setState(fileID, DirectionDownload, StatePartiallyFailed, total)
	c.log.Error("chunks not registered", zap.String("file_id", fileID), zap.Ints("missing", missing))
	return pf
}

// missingTail returns the indices past the end of the chunk list when the
// list is a clean prefix of the file: every fetched chunk is exactly
// chunkSize long and together they fall short of totalSize. Anything else,
// such as a file uploaded with another chunk size, returns nil and is left
// to the size check.
func missingTail(buffers [][]byte, totalSize, chunkSize int64) []int {
	var got int64
	for _, b := range buffers {
		if int64(len(b)) != chunkSize {
			return nil
		}
		got += chunkSize
	}
	if got >= totalSize {
		return nil
	}
	n, err := chunker.Count(totalSize, chunkSize)
	if err != nil {
		return nil
	}
	tail := make([]int, 0, n-len(buffers))
	for i := len(buffers); i < n; i++ {
		tail = append(tail, i)
	}
	return tail
}
