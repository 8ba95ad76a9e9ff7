package protocol

import "time"

// RunEvent is one entry in a narration run's timeline. It is journaled to
// the event store and broadcast on the bus.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	Chunk      int       `json:"chunk,omitempty"`
	Total      int       `json:"total,omitempty"`
	InputPath  string    `json:"input_path,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Voice      string    `json:"voice,omitempty"`
	Path       string    `json:"path,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event types.
const (
	EventRunStarted     = "run.started"
	EventStateChanged   = "run.state"
	EventChunkSynthed   = "chunk.synthesized"
	EventChunkProcessed = "chunk.post_processed"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
	EventCleanupFailed  = "run.cleanup_failed"
)

const (
	SubjectRunStarted   = "narrate.run.started"
	SubjectRunProgress  = "narrate.run.progress"
	SubjectRunCompleted = "narrate.run.completed"
	SubjectRunFailed    = "narrate.run.failed"
)

// SubjectFor maps an event type onto its bus subject.
func SubjectFor(eventType string) string {
	switch eventType {
	case EventRunStarted:
		return SubjectRunStarted
	case EventRunCompleted:
		return SubjectRunCompleted
	case EventRunFailed:
		return SubjectRunFailed
	default:
		return SubjectRunProgress
	}
}
