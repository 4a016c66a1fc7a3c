package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/Gammanik/chunkxfer/internal/transfer"
)

// progress prints one status line per event. The coordinator serializes
// observer calls, so no locking is needed here.
type progress struct {
	w     io.Writer
	bytes int64
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) observe(ev transfer.Event) {
	switch ev.Kind {
	case transfer.EventState:
		if ev.State == transfer.StateChunksInFlight {
			p.bytes = 0
			fmt.Fprintf(p.w, "%s %s: %d chunk(s)\n", ev.Direction, ev.FileID, ev.Total)
		}
	case transfer.EventChunkDone:
		p.bytes += ev.Bytes
		fmt.Fprintf(p.w, "  [%d/%d] chunk %d ok (%s total)\n", ev.Done, ev.Total, ev.Index, humanize.IBytes(uint64(p.bytes)))
	case transfer.EventChunkFailed:
		fmt.Fprintf(p.w, "  [%d/%d] chunk %d FAILED: %v\n", ev.Done, ev.Total, ev.Index, ev.Err)
	}
}
