package transfer

// State is the lifecycle stage of one transfer.
type State string

const (
	StateInitiated       State = "initiated"
	StateChunksInFlight  State = "chunks_in_flight"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	// StateAborted is reached when the transfer stops before any chunk
	// outcome is known, e.g. file creation or lookup failed.
	StateAborted State = "aborted"
)

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionDelete   Direction = "delete"
)

type EventKind string

const (
	EventState       EventKind = "state"
	EventChunkDone   EventKind = "chunk_done"
	EventChunkFailed EventKind = "chunk_failed"
)

// Event reports progress. Index, Bytes and Err are set for chunk events;
// Done and Total count finished and expected chunks of the transfer.
// FileID is empty on the first Initiated event of an upload, and on its
// Aborted event when creating the file record fails, since the metadata
// service has not assigned an id yet.
type Event struct {
	FileID    string
	Direction Direction
	Kind      EventKind
	State     State
	Index     int
	Bytes     int64
	Done      int
	Total     int
	Err       error
}

// Observer receives events. Calls are serialized by the coordinator and
// must not block for long.
type Observer func(Event)

// ChannelObserver forwards events to ch, dropping them when ch is full.
func ChannelObserver(ch chan<- Event) Observer {
	return func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}
