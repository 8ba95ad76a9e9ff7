package pipeline

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Run matches exactly one of these
// with errors.Is. ErrCleanup is never returned by Run; it is reported on
// Result.CleanupErr.
var (
	ErrInput       = errors.New("input error")
	ErrChunking    = errors.New("chunking error")
	ErrSynthesis   = errors.New("synthesis error")
	ErrPostProcess = errors.New("post-process error")
	ErrMerge       = errors.New("merge error")
	ErrCleanup     = errors.New("cleanup error")
)

var errEmptyArticle = errors.New("article has no words")

// StageError records where a run failed. Chunk is the 1-based chunk number,
// or 0 when the failure is not tied to a chunk.
type StageError struct {
	Kind  error
	State State
	Chunk int
	Err   error
}

func (e *StageError) Error() string {
	if e.Chunk > 0 {
		return fmt.Sprintf("%s: %s chunk %d: %v", e.Kind, e.State, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.State, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// StageOf returns the state in which err was raised.
func StageOf(err error) (State, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.State, true
	}
	return Failed, false
}

// State is a step of a narration run.
type State int

const (
	Idle State = iota
	ReadingInput
	Chunking
	Synthesizing
	PostProcessing
	Merging
	CleaningUp
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadingInput:
		return "reading_input"
	case Chunking:
		return "chunking"
	case Synthesizing:
		return "synthesizing"
	case PostProcessing:
		return "post_processing"
	case Merging:
		return "merging"
	case CleaningUp:
		return "cleaning_up"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
