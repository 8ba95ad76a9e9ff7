package tts

import "context"

// SynthRequest contains parameters to synthesize one chunk of speech.
type SynthRequest struct {
	RunID string
	Index int
	Text  string
	Voice string
}

// SynthChunk is one piece of the encoded audio stream for a request.
type SynthChunk struct {
	RunID    string
	Index    int
	Sequence int
	Audio    []byte
	Final    bool
}

// Synthesizer is the contract for producing audio. Chunks arrive in stream
// order; the error channel yields at most one error and both channels are
// closed when the stream ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
	Name() string
}
