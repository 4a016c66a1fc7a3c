package transfer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/chunker"
	"github.com/Gammanik/chunkxfer/internal/registrar"
)

// UploadResult summarizes an upload or a retry. Chunks is ordered by index
// and holds only the chunks this call worked on.
type UploadResult struct {
	File   registrar.FileHandle
	State  State
	Chunks []ChunkResult
}

// Upload splits data into chunks, stores each one and registers it as soon
// as it is stored. The file record is created first; if that fails nothing
// else happens. When some chunks fail, the result is returned together with
// a *PartialFailureError that can be passed to Retry. Stored chunks are
// never rolled back.
func (c *Coordinator) Upload(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	size := int64(len(data))
	descs, err := chunker.Split(size, int64(c.cfg.ChunkSize))
	if err != nil {
		return nil, err
	}

	c.setState("", DirectionUpload, StateInitiated, len(descs))

	fh, err := c.registrar.CreateFile(ctx, filename, size)
	if err != nil {
		c.setState("", DirectionUpload, StateAborted, len(descs))
		return nil, fmt.Errorf("create file %q: %w", filename, err)
	}

	c.log.Info("upload started",
		zap.String("file_id", fh.FileID),
		zap.String("filename", filename),
		zap.Int64("size", size),
		zap.Int("chunks", len(descs)),
	)

	jobs := make([]uploadJob, len(descs))
	for i, d := range descs {
		jobs[i] = uploadJob{desc: d}
	}
	return c.runUpload(ctx, fh, data, jobs)
}

// Retry re-runs only the chunks named by pf: Failed chunks are uploaded and
// registered again, Unregistered chunks are only registered again. data
// must be the same bytes given to Upload.
func (c *Coordinator) Retry(ctx context.Context, fh registrar.FileHandle, data []byte, pf *PartialFailureError) (*UploadResult, error) {
	if pf == nil {
		return nil, fmt.Errorf("retry %s: nothing to retry", fh.FileID)
	}
	if pf.Op != "upload" || pf.FileID != fh.FileID {
		return nil, fmt.Errorf("retry %s: failure is from %s of %q, not an upload of this file", fh.FileID, pf.Op, pf.FileID)
	}
	if int64(len(data)) != fh.TotalSize {
		return nil, fmt.Errorf("retry %s: data is %d bytes, file is %d", fh.FileID, len(data), fh.TotalSize)
	}

	descs, err := chunker.Split(fh.TotalSize, int64(c.cfg.ChunkSize))
	if err != nil {
		return nil, err
	}

	byIndex := func(idx int) (chunker.Descriptor, error) {
		if idx < 0 || idx >= len(descs) {
			return chunker.Descriptor{}, fmt.Errorf("retry %s: chunk index %d out of range [0,%d)", fh.FileID, idx, len(descs))
		}
		return descs[idx], nil
	}

	jobs := make([]uploadJob, 0, len(pf.Failed)+len(pf.Unregistered))
	for _, f := range pf.Failed {
		d, err := byIndex(f.Index)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, uploadJob{desc: d})
	}
	for _, f := range pf.Unregistered {
		d, err := byIndex(f.Index)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, uploadJob{desc: d, storedAs: f.StorageID})
	}

	c.log.Info("retrying chunks",
		zap.String("file_id", fh.FileID),
		zap.Int("upload", len(pf.Failed)),
		zap.Int("register", len(pf.Unregistered)),
	)

	c.setState(fh.FileID, DirectionUpload, StateInitiated, len(jobs))
	return c.runUpload(ctx, fh, data, jobs)
}

// uploadJob is one chunk to process. A non-empty storedAs means the bytes
// are already in the block store and only registration is needed.
type uploadJob struct {
	desc     chunker.Descriptor
	storedAs string
}

func (c *Coordinator) runUpload(ctx context.Context, fh registrar.FileHandle, data []byte, jobs []uploadJob) (*UploadResult, error) {
	c.setState(fh.FileID, DirectionUpload, StateChunksInFlight, len(jobs))

	// stored[k] reports whether job k's bytes are in the block store.
	stored := make([]bool, len(jobs))
	for k, job := range jobs {
		stored[k] = job.storedAs != ""
	}

	results := c.fanOut(ctx, fh.FileID, DirectionUpload,
		func(k int) int { return jobs[k].desc.Index },
		len(jobs),
		func(ctx context.Context, k int) ChunkResult {
			job := jobs[k]
			res := ChunkResult{Index: job.desc.Index, StorageID: job.storedAs, Size: job.desc.Length}

			if !stored[k] {
				payload := data[job.desc.Offset:job.desc.End()]
				ack, err := c.transport.UploadChunk(ctx, chunker.StorageID(fh.FileID, job.desc.Index), payload)
				if err != nil {
					res.Attempts = attemptsOf(err)
					res.Err = err
					return res
				}
				res.StorageID = ack.ChunkID
				stored[k] = true
			}

			if err := c.registrar.RegisterChunk(ctx, fh.FileID, job.desc.Index, res.StorageID); err != nil {
				res.Err = fmt.Errorf("register chunk %d: %w", job.desc.Index, err)
			}
			return res
		})

	pf := &PartialFailureError{Op: "upload", FileID: fh.FileID}
	for k, res := range results {
		if res.Err == nil {
			continue
		}
		f := ChunkFailure{Index: res.Index, StorageID: res.StorageID, Attempts: res.Attempts, Err: res.Err}
		if stored[k] {
			if f.StorageID == "" {
				f.StorageID = jobs[k].storedAs
			}
			pf.Unregistered = append(pf.Unregistered, f)
		} else {
			pf.Failed = append(pf.Failed, f)
		}
	}
	sortFailures(pf.Failed)
	sortFailures(pf.Unregistered)
	sortResults(results)

	out := &UploadResult{File: fh, Chunks: results}
	if len(pf.Failed) == 0 && len(pf.Unregistered) == 0 {
		out.State = StateCompleted
		c.setState(fh.FileID, DirectionUpload, StateCompleted, len(jobs))
		c.log.Info("upload completed", zap.String("file_id", fh.FileID), zap.Int("chunks", len(jobs)))
		return out, nil
	}

	out.State = StatePartiallyFailed
	c.setState(fh.FileID, DirectionUpload, StatePartiallyFailed, len(jobs))
	c.log.Error("upload partially failed",
		zap.String("file_id", fh.FileID),
		zap.Ints("failed", pf.FailedIndices()),
		zap.Ints("unregistered", pf.UnregisteredIndices()),
	)
	return out, pf
}

// Resume uploads and registers every chunk of fileID that the metadata
// service does not list yet. It is the out-of-process form of Retry: data
// and the configured chunk size must match the original upload.
func (c *Coordinator) Resume(ctx context.Context, fileID string, data []byte) (*UploadResult, error) {
	fh, err := c.registrar.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	refs, err := c.registrar.ListChunks(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", fileID, err)
	}

	n, err := chunker.Count(fh.TotalSize, int64(c.cfg.ChunkSize))
	if err != nil {
		return nil, err
	}
	have := make([]bool, n)
	for _, ref := range refs {
		if ref.Index < 0 || ref.Index >= n {
			return nil, fmt.Errorf("resume %s: chunk %d registered but a %s chunk size gives %d chunks",
				fileID, ref.Index, c.cfg.ChunkSize, n)
		}
		have[ref.Index] = true
	}

	pf := &PartialFailureError{Op: "upload", FileID: fileID}
	for idx, ok := range have {
		if !ok {
			pf.Failed = append(pf.Failed, ChunkFailure{Index: idx})
		}
	}
	if len(pf.Failed) == 0 {
		return &UploadResult{File: fh, State: StateCompleted}, nil
	}
	return c.Retry(ctx, fh, data, pf)
}
