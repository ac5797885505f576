package syncer

// EventKind identifies a progress event.
type EventKind int

const (
	EventChunkFetched EventKind = iota
	EventChunkReused
	EventFileDone
	EventFileFailed
)

func (k EventKind) String() string {
	switch k {
	case EventChunkFetched:
		return "chunk-fetched"
	case EventChunkReused:
		return "chunk-reused"
	case EventFileDone:
		return "file-done"
	case EventFileFailed:
		return "file-failed"
	}
	return "unknown"
}

// Event reports progress. Bytes is the chunk length for chunk events and
// the file size for EventFileDone.
type Event struct {
	Kind  EventKind
	Path  string
	Bytes int64
	Err   error
}

func (s *Syncer) emit(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}
