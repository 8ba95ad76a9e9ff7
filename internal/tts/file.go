package tts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// ErrEmptyAudio is returned when a synthesis stream ends without any audio.
var ErrEmptyAudio = errors.New("synthesis returned no audio")

// WriteFile streams the synthesized audio for req into path and returns the
// number of bytes written. The file is removed on any failure so that a
// failed request leaves nothing behind.
func WriteFile(ctx context.Context, synth Synthesizer, req SynthRequest, path string) (written int64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create audio file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close audio file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
			written = 0
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := synth.Synthesize(ctx, req)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			n, werr := f.Write(chunk.Audio)
			written += int64(n)
			if werr != nil {
				cancel()
				drain(chunks, errs)
				return written, fmt.Errorf("write audio file: %w", werr)
			}
		case serr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if serr != nil {
				cancel()
				drain(chunks, nil)
				return written, serr
			}
		case <-ctx.Done():
			drain(chunks, errs)
			return written, ctx.Err()
		}
	}
	if written == 0 {
		return 0, ErrEmptyAudio
	}
	return written, nil
}

func drain(chunks <-chan SynthChunk, errs <-chan error) {
	if chunks != nil {
		for range chunks {
		}
	}
	if errs != nil {
		for range errs {
		}
	}
}

// Retryable reports whether a synthesis failure is worth another attempt.
// Throttling, server errors, timeouts and transport failures qualify;
// authentication and request errors do not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
