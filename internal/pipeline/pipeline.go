// Package pipeline turns an article into one narrated audio file: chunk,
// synthesize, optionally adjust tempo, merge, clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrate/internal/chunker"
	"github.com/loqalabs/loqa-narrate/internal/protocol"
	"github.com/loqalabs/loqa-narrate/internal/tts"
)

const tracerName = "github.com/loqalabs/loqa-narrate/internal/pipeline"

// PostProcessor rewrites one audio file with a different tempo.
type PostProcessor interface {
	AdjustTempo(ctx context.Context, in, out string, factor float64) error
}

// Merger concatenates audio files in order.
type Merger interface {
	Concat(ctx context.Context, inputs []string, out string) error
}

// Options is the immutable configuration of one run.
type Options struct {
	InputPath       string
	OutputPath      string
	IntermediateDir string
	MaxChunkSize    int
	Voice           string

	PostProcess bool
	SpeechRate  float64

	// Concurrency above 1 synthesizes chunks in parallel.
	Concurrency      int
	SynthesisTimeout time.Duration
	ToolTimeout      time.Duration

	MaxRetries           int
	RetryInitialInterval time.Duration

	KeepIntermediates bool
}

// Result describes a finished run.
type Result struct {
	RunID      string
	State      State
	OutputPath string
	Chunks     int
	Bytes      int64
	Duration   time.Duration
	// CleanupErr is set when intermediates could not be removed after a
	// successful merge. It does not fail the run.
	CleanupErr error
}

// Orchestrator runs the narration pipeline.
type Orchestrator struct {
	opts      Options
	synth     tts.Synthesizer
	post      PostProcessor
	merger    Merger
	observers []Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
	newRunID  func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObservers registers observers for run events.
func WithObservers(obs ...Observer) Option {
	return func(o *Orchestrator) {
		for _, ob := range obs {
			if ob != nil {
				o.observers = append(o.observers, ob)
			}
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithRunID overrides run ID generation.
func WithRunID(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// New validates wiring and returns an Orchestrator. post may be nil when
// post-processing is disabled.
func New(opts Options, synth tts.Synthesizer, post PostProcessor, merger Merger, logger *slog.Logger, options ...Option) (*Orchestrator, error) {
	if synth == nil {
		return nil, errors.New("pipeline requires a synthesizer")
	}
	if merger == nil {
		return nil, errors.New("pipeline requires a merger")
	}
	if opts.PostProcess && post == nil {
		return nil, errors.New("post-processing enabled without a post-processor")
	}
	if strings.TrimSpace(opts.OutputPath) == "" {
		return nil, errors.New("output path required")
	}
	if strings.TrimSpace(opts.IntermediateDir) == "" {
		return nil, errors.New("intermediate directory required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		opts:     opts,
		synth:    synth,
		post:     post,
		merger:   merger,
		logger:   logger.With(slog.String("component", "pipeline")),
		tracer:   otel.Tracer(tracerName),
		clock:    time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

type segment struct {
	path     string
	bytes    int64
	leftover []string
}

// Run executes one narration. On failure intermediates stay on disk for
// inspection and the returned error is a *StageError.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	start := o.clock()
	res := Result{RunID: o.newRunID(), State: Idle, OutputPath: o.opts.OutputPath}
	log := o.logger.With(slog.String("run_id", res.RunID))

	ctx, span := o.tracer.Start(ctx, "narrate.run", trace.WithAttributes(
		attribute.String("run.id", res.RunID),
		attribute.String("synthesizer", o.synth.Name()),
	))
	defer span.End()

	o.emit(ctx, res.RunID, protocol.RunEvent{
		Type:       protocol.EventRunStarted,
		State:      Idle.String(),
		InputPath:  o.opts.InputPath,
		OutputPath: o.opts.OutputPath,
		Voice:      o.opts.Voice,
	})

	fail := func(err error) (Result, error) {
		res.State = Failed
		res.Duration = o.clock().Sub(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stage, _ := StageOf(err)
		log.Error("narration failed", slog.String("stage", stage.String()), slog.String("error", err.Error()))
		o.emit(ctx, res.RunID, protocol.RunEvent{
			Type:       protocol.EventRunFailed,
			State:      stage.String(),
			Chunk:      chunkOf(err),
			Total:      res.Chunks,
			Error:      err.Error(),
			DurationMS: res.Duration.Milliseconds(),
		})
		return res, err
	}

	res.State = ReadingInput
	o.transition(ctx, res.RunID, ReadingInput, res.Chunks)
	article, err := o.readInput(ctx)
	if err != nil {
		return fail(err)
	}
	log.Info("article read", slog.String("path", o.opts.InputPath), slog.Int("chars", utf8.RuneCountInString(article)))

	res.State = Chunking
	o.transition(ctx, res.RunID, Chunking, res.Chunks)
	chunks, err := chunker.Split(article, o.opts.MaxChunkSize)
	if err != nil {
		return fail(&StageError{Kind: ErrChunking, State: Chunking, Err: err})
	}
	if len(chunks) == 0 {
		return fail(&StageError{Kind: ErrInput, State: Chunking, Err: errEmptyArticle})
	}
	res.Chunks = len(chunks)
	log.Info("article split", slog.Int("chunks", len(chunks)), slog.Int("max_size", o.opts.MaxChunkSize))

	res.State = Synthesizing
	if err := os.MkdirAll(o.opts.IntermediateDir, 0o755); err != nil {
		return fail(&StageError{Kind: ErrSynthesis, State: Synthesizing, Err: fmt.Errorf("create intermediate dir: %w", err)})
	}
	var segments []segment
	if o.opts.Concurrency > 1 && len(chunks) > 1 {
		segments, err = o.processParallel(ctx, res.RunID, chunks)
	} else {
		segments, err = o.processSequential(ctx, res.RunID, chunks)
	}
	if err != nil {
		return fail(err)
	}

	paths := make([]string, len(segments))
	var artifacts []string
	for i, seg := range segments {
		paths[i] = seg.path
		res.Bytes += seg.bytes
		artifacts = append(artifacts, seg.leftover...)
		artifacts = append(artifacts, seg.path)
	}

	res.State = Merging
	o.transition(ctx, res.RunID, Merging, res.Chunks)
	log.Info("combining audio chunks", slog.Int("files", len(paths)))
	if err := o.merge(ctx, paths); err != nil {
		return fail(err)
	}
	log.Info("final audio saved", slog.String("path", o.opts.OutputPath))

	res.State = CleaningUp
	o.transition(ctx, res.RunID, CleaningUp, res.Chunks)
	if !o.opts.KeepIntermediates {
		if err := removeAll(artifacts); err != nil {
			res.CleanupErr = &StageError{Kind: ErrCleanup, State: CleaningUp, Err: err}
			log.Warn("failed to remove intermediate files", slog.String("error", err.Error()))
			o.emit(ctx, res.RunID, protocol.RunEvent{Type: protocol.EventCleanupFailed, State: CleaningUp.String(), Error: err.Error()})
		}
	}

	res.State = Done
	res.Duration = o.clock().Sub(start)
	o.emit(ctx, res.RunID, protocol.RunEvent{
		Type:       protocol.EventRunCompleted,
		State:      Done.String(),
		Total:      res.Chunks,
		Path:       o.opts.OutputPath,
		Bytes:      res.Bytes,
		DurationMS: res.Duration.Milliseconds(),
	})
	span.SetAttributes(attribute.Int("chunks", res.Chunks), attribute.Int64("bytes", res.Bytes))
	log.Info("narration complete", slog.Int("chunks", res.Chunks), slog.Duration("duration", res.Duration))
	return res, nil
}

func (o *Orchestrator) readInput(ctx context.Context) (string, error) {
	_, span := o.tracer.Start(ctx, "narrate.read_input")
	defer span.End()

	data, err := os.ReadFile(o.opts.InputPath)
	if err != nil {
		return "", &StageError{Kind: ErrInput, State: ReadingInput, Err: err}
	}
	if !utf8.Valid(data) {
		return "", &StageError{Kind: ErrInput, State: ReadingInput, Err: errors.New("article is not valid UTF-8")}
	}
	return string(data), nil
}

func (o *Orchestrator) processSequential(ctx context.Context, runID string, chunks []string) ([]segment, error) {
	segments := make([]segment, 0, len(chunks))
	for i, text := range chunks {
		seg, err := o.processChunk(ctx, runID, i, text, len(chunks))
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// processParallel runs at most Concurrency chunks at once. Segments are
// slotted by chunk index so merge order never depends on completion order.
// The first failure cancels every other in-flight chunk.
func (o *Orchestrator) processParallel(ctx context.Context, runID string, chunks []string) ([]segment, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	segments := make([]segment, len(chunks))
	sema := make(chan struct{}, o.opts.Concurrency)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, text := range chunks {
		select {
		case sema <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			defer func() { <-sema }()
			seg, err := o.processChunk(ctx, runID, i, text, len(chunks))
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			segments[i] = seg
		}(i, text)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Kind: ErrSynthesis, State: Synthesizing, Err: err}
	}
	return segments, nil
}

func (o *Orchestrator) processChunk(ctx context.Context, runID string, index int, text string, total int) (segment, error) {
	number := index + 1
	log := o.logger.With(slog.String("run_id", runID), slog.Int("chunk", number))

	o.transition(ctx, runID, Synthesizing, total, number)
	if chunker.Oversized(text, o.opts.MaxChunkSize) {
		log.Warn("chunk is a single word longer than the size bound", slog.Int("chars", utf8.RuneCountInString(text)), slog.Int("max_size", o.opts.MaxChunkSize))
	}

	raw := filepath.Join(o.opts.IntermediateDir, fmt.Sprintf("chunk_%04d.mp3", number))
	log.Info("converting chunk to audio", slog.Int("total", total))
	started := o.clock()
	written, err := o.synthesize(ctx, runID, index, text, raw)
	if err != nil {
		return segment{}, &StageError{Kind: ErrSynthesis, State: Synthesizing, Chunk: number, Err: err}
	}
	o.emit(ctx, runID, protocol.RunEvent{
		Type:       protocol.EventChunkSynthed,
		State:      Synthesizing.String(),
		Chunk:      number,
		Total:      total,
		Path:       raw,
		Bytes:      written,
		DurationMS: o.clock().Sub(started).Milliseconds(),
	})
	log.Info("chunk converted", slog.Int64("bytes", written))

	if !o.opts.PostProcess {
		return segment{path: raw, bytes: written}, nil
	}

	o.transition(ctx, runID, PostProcessing, total, number)
	tempo := filepath.Join(o.opts.IntermediateDir, fmt.Sprintf("chunk_%04d.tempo.mp3", number))
	started = o.clock()
	if err := o.adjustTempo(ctx, raw, tempo); err != nil {
		_ = os.Remove(tempo)
		return segment{}, &StageError{Kind: ErrPostProcess, State: PostProcessing, Chunk: number, Err: err}
	}
	o.emit(ctx, runID, protocol.RunEvent{
		Type:       protocol.EventChunkProcessed,
		State:      PostProcessing.String(),
		Chunk:      number,
		Total:      total,
		Path:       tempo,
		DurationMS: o.clock().Sub(started).Milliseconds(),
	})

	seg := segment{path: tempo, bytes: written}
	if err := os.Remove(raw); err != nil {
		log.Warn("failed to remove pre-tempo audio", slog.String("path", raw), slog.String("error", err.Error()))
		seg.leftover = append(seg.leftover, raw)
	}
	return seg, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, runID string, index int, text, path string) (int64, error) {
	ctx, span := o.tracer.Start(ctx, "narrate.synthesize", trace.WithAttributes(
		attribute.Int("chunk", index+1),
		attribute.Int("chars", utf8.RuneCountInString(text)),
	))
	defer span.End()

	req := tts.SynthRequest{RunID: runID, Index: index, Text: text, Voice: o.opts.Voice}
	attempt := func() (int64, error) {
		callCtx, cancel := withTimeout(ctx, o.opts.SynthesisTimeout)
		defer cancel()
		n, err := tts.WriteFile(callCtx, o.synth, req, path)
		if err != nil && !tts.Retryable(err) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}

	var (
		written int64
		err     error
	)
	if o.opts.MaxRetries <= 0 {
		written, err = attempt()
	} else {
		policy := backoff.NewExponentialBackOff()
		if o.opts.RetryInitialInterval > 0 {
			policy.InitialInterval = o.opts.RetryInitialInterval
		}
		written, err = backoff.Retry(ctx, attempt,
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(o.opts.MaxRetries+1)),
			backoff.WithNotify(func(err error, wait time.Duration) {
				o.logger.Warn("retrying synthesis",
					slog.String("run_id", runID),
					slog.Int("chunk", index+1),
					slog.Duration("wait", wait),
					slog.String("error", err.Error()))
			}),
		)
	}
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64("bytes", written))
	return written, nil
}

func (o *Orchestrator) adjustTempo(ctx context.Context, in, out string) error {
	ctx, span := o.tracer.Start(ctx, "narrate.adjust_tempo", trace.WithAttributes(attribute.Float64("factor", o.opts.SpeechRate)))
	defer span.End()
	ctx, cancel := withTimeout(ctx, o.opts.ToolTimeout)
	defer cancel()
	if err := o.post.AdjustTempo(ctx, in, out, o.opts.SpeechRate); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) merge(ctx context.Context, paths []string) error {
	ctx, span := o.tracer.Start(ctx, "narrate.merge", trace.WithAttributes(attribute.Int("files", len(paths))))
	defer span.End()

	if dir := filepath.Dir(o.opts.OutputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StageError{Kind: ErrMerge, State: Merging, Err: fmt.Errorf("create output dir: %w", err)}
		}
	}
	ctx, cancel := withTimeout(ctx, o.opts.ToolTimeout)
	defer cancel()
	if err := o.merger.Concat(ctx, paths, o.opts.OutputPath); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Kind: ErrMerge, State: Merging, Err: err}
	}
	if _, err := os.Stat(o.opts.OutputPath); err != nil {
		return &StageError{Kind: ErrMerge, State: Merging, Err: fmt.Errorf("merged output missing: %w", err)}
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, runID string, state State, total int, chunk ...int) {
	evt := protocol.RunEvent{Type: protocol.EventStateChanged, State: state.String(), Total: total}
	if len(chunk) > 0 {
		evt.Chunk = chunk[0]
	}
	o.logger.Debug("state changed", slog.String("run_id", runID), slog.String("state", evt.State), slog.Int("chunk", evt.Chunk))
	o.emit(ctx, runID, evt)
}

func (o *Orchestrator) emit(ctx context.Context, runID string, evt protocol.RunEvent) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = o.clock().UTC()
	}
	for _, ob := range o.observers {
		ob.Observe(ctx, evt)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func removeAll(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func chunkOf(err error) int {
	var se *StageError
	if errors.As(err, &se) {
		return se.Chunk
	}
	return 0
}
