package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const streamBufferSize = 32 * 1024

// ElevenLabsConfig configures the ElevenLabs text-to-speech client.
// VoiceSettings is sent with every request unless all of its fields are nil.
type ElevenLabsConfig struct {
	Endpoint      string
	APIKey        string
	ModelID       string
	OutputFormat  string
	VoiceSettings *VoiceSettings
	HTTPClient    *http.Client
}

// VoiceSettings tunes the ElevenLabs voice. Unset fields fall back to the
// voice's stored defaults.
type VoiceSettings struct {
	Stability       *float64 `json:"stability,omitempty"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty"`
	Style           *float64 `json:"style,omitempty"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost,omitempty"`
}

func (v *VoiceSettings) empty() bool {
	return v == nil || (v.Stability == nil && v.SimilarityBoost == nil && v.Style == nil && v.UseSpeakerBoost == nil)
}

type elevenLabsSynth struct {
	endpoint     string
	apiKey       string
	modelID      string
	outputFormat string
	settings     *VoiceSettings
	client       *http.Client
}

type elevenLabsRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}

// NewElevenLabsSynth returns a Synthesizer backed by the ElevenLabs REST API.
func NewElevenLabsSynth(cfg ElevenLabsConfig) (Synthesizer, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("elevenlabs endpoint empty")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse elevenlabs endpoint: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs api key empty")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	synth := &elevenLabsSynth{
		endpoint:     endpoint,
		apiKey:       cfg.APIKey,
		modelID:      cfg.ModelID,
		outputFormat: cfg.OutputFormat,
		client:       client,
	}
	if !cfg.VoiceSettings.empty() {
		settings := *cfg.VoiceSettings
		synth.settings = &settings
	}
	return synth, nil
}

func (s *elevenLabsSynth) Name() string { return "elevenlabs" }

func (s *elevenLabsSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := s.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (s *elevenLabsSynth) stream(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	if req.Voice == "" {
		return errors.New("voice id required")
	}
	body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: s.modelID, VoiceSettings: s.settings})
	if err != nil {
		return err
	}

	target := s.endpoint + "/v1/text-to-speech/" + url.PathEscape(req.Voice)
	if s.outputFormat != "" {
		target += "?output_format=" + url.QueryEscape(s.outputFormat)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}

	sequence := 0
	for {
		buf := make([]byte, streamBufferSize)
		n, readErr := io.ReadFull(resp.Body, buf)
		final := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !final {
			return fmt.Errorf("read audio stream: %w", readErr)
		}
		// A body that ends on a buffer boundary still gets a zero-length
		// final chunk.
		if n > 0 || final {
			chunk := SynthChunk{RunID: req.RunID, Index: req.Index, Sequence: sequence, Audio: buf[:n], Final: final}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
			sequence++
		}
		if final {
			return nil
		}
	}
}

// APIError is a non-success response from the synthesis service.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("elevenlabs returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("elevenlabs returned %d: %s", e.StatusCode, e.Body)
}

type apiErrorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type apiErrorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}

	var envelope apiErrorBody
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Detail) == 0 {
		return apiErr
	}
	var detail apiErrorDetail
	if err := json.Unmarshal(envelope.Detail, &detail); err == nil && detail.Message != "" {
		apiErr.Status = detail.Status
		apiErr.Message = detail.Message
		return apiErr
	}
	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		apiErr.Message = text
	}
	return apiErr
}
