// Package transfer moves whole files through the block store and the
// metadata service, one chunk per request.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/config"
	"github.com/Gammanik/chunkxfer/internal/logging"
	"github.com/Gammanik/chunkxfer/internal/registrar"
	"github.com/Gammanik/chunkxfer/internal/storage"
)

// ChunkResult is the outcome of one chunk. Err is nil on success.
type ChunkResult struct {
	Index     int
	StorageID string
	Size      int64
	Attempts  int
	Err       error
}

// Coordinator runs uploads and downloads. It is safe for concurrent use;
// each call owns its own chunk buffers and results.
type Coordinator struct {
	cfg       config.Config
	transport storage.Client
	registrar registrar.Registrar
	log       *zap.Logger

	observer Observer
	emitMu   sync.Mutex
}

// New validates cfg and returns a coordinator using the given collaborators.
// log and observer may be nil.
func New(cfg config.Config, transport storage.Client, reg registrar.Registrar, log *zap.Logger, observer Observer) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil || reg == nil {
		return nil, errors.New("transfer: transport and registrar are required")
	}
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		registrar: reg,
		log:       logging.OrNop(log),
		observer:  observer,
	}, nil
}

// NewFromConfig builds the HTTP transport and registrar described by cfg.
func NewFromConfig(cfg config.Config, log *zap.Logger, observer Observer) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logging.OrNop(log)

	transport, err := storage.New(storage.Options{
		BaseURL:        cfg.BlockStoreURL,
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.BaseDelay.Duration,
		RequestTimeout: cfg.RequestTimeout.Duration,
		Logger:         log.Named("transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	reg, err := registrar.New(registrar.Options{
		BaseURL: cfg.MetadataURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout.Duration,
		Logger:  log.Named("registrar"),
	})
	if err != nil {
		return nil, fmt.Errorf("create registrar: %w", err)
	}

	return New(cfg, transport, reg, log, observer)
}

// Config returns the coordinator's copy of its configuration.
func (c *Coordinator) Config() config.Config {
	return c.cfg
}

func (c *Coordinator) emit(ev Event) {
	if c.observer == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.observer(ev)
}

func (c *Coordinator) setState(fileID string, dir Direction, s State, total int) {
	c.log.Debug("transfer state",
		zap.String("file_id", fileID),
		zap.String("direction", string(dir)),
		zap.String("state", string(s)),
	)
	c.emit(Event{FileID: fileID, Direction: dir, Kind: EventState, State: s, Total: total})
}

// chunkFunc transfers the chunk at position k of the job list.
type chunkFunc func(ctx context.Context, k int) ChunkResult

// fanOut runs fn for every position in [0, n) and joins on all of them.
// At most Concurrency calls run at once (no limit when 0). One failure does
// not stop the others. Once ctx is done, positions that have not started
// fail with the context error; started ones run to completion on a
// context that ignores cancellation. results[k] is written only by the
// goroutine handling k.
func (c *Coordinator) fanOut(ctx context.Context, fileID string, dir Direction, indexOf func(k int) int, n int, fn chunkFunc) []ChunkResult {
	results := make([]ChunkResult, n)

	var sem chan struct{}
	if c.cfg.Concurrency > 0 {
		sem = make(chan struct{}, c.cfg.Concurrency)
	}

	var wg sync.WaitGroup
	var done atomic.Int64
	detached := context.WithoutCancel(ctx)

	finish := func(k int, res ChunkResult) {
		results[k] = res
		d := int(done.Add(1))
		ev := Event{FileID: fileID, Direction: dir, Index: res.Index, Bytes: res.Size, Done: d, Total: n}
		if res.Err == nil {
			ev.Kind = EventChunkDone
		} else {
			ev.Kind = EventChunkFailed
			ev.Err = res.Err
			c.log.Warn("chunk failed",
				zap.String("file_id", fileID),
				zap.String("direction", string(dir)),
				zap.Int("index", res.Index),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err),
			)
		}
		c.emit(ev)
	}

	notStarted := func(k int) {
		idx := indexOf(k)
		finish(k, ChunkResult{Index: idx, Err: fmt.Errorf("chunk %d not started: %w", idx, context.Cause(ctx))})
	}

	for k := 0; k < n; k++ {
		if ctx.Err() != nil {
			notStarted(k)
			continue
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				notStarted(k)
				continue
			}
			if ctx.Err() != nil {
				<-sem
				notStarted(k)
				continue
			}
		}

		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			finish(k, fn(detached, k))
		}(k)
	}

	wg.Wait()
	return results
}

// attemptsOf extracts the attempt count from a transport error.
func attemptsOf(err error) int {
	var te *storage.TransportError
	if errors.As(err, &te) {
		return te.Attempts
	}
	return 0
}

func sortResults(rs []ChunkResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Index < rs[j].Index })
}

func sortFailures(fs []ChunkFailure) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Index < fs[j].Index })
}
