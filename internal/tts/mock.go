package tts

import (
	"context"
	"time"
)

// silentFrame is a single MPEG-1 Layer III frame header followed by padding.
var silentFrame = append([]byte{0xFF, 0xFB, 0x90, 0x64}, make([]byte, 413)...)

type mockSynth struct {
	delay time.Duration
}

func NewMockSynth() Synthesizer {
	return &mockSynth{delay: 50 * time.Millisecond}
}

func (m *mockSynth) Name() string { return "mock" }

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		audio := make([]byte, len(silentFrame))
		copy(audio, silentFrame)
		chunks <- SynthChunk{
			RunID:    req.RunID,
			Index:    req.Index,
			Sequence: 0,
			Audio:    audio,
			Final:    true,
		}
	}()
	return chunks, errs
}
