package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/protocol"
	"github.com/loqalabs/loqa-narrate/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	mu      sync.Mutex
	calls   []int
	texts   []string
	failAt  map[int][]error // chunk index -> errors returned in order, one per attempt
	delay   func(index int) time.Duration
	blockOn int // index that blocks until ctx is done; -1 disables
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{failAt: map[int][]error{}, blockOn: -1}
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Index)
	f.texts = append(f.texts, req.Text)
	var failure error
	if errs := f.failAt[req.Index]; len(errs) > 0 {
		failure = errs[0]
		f.failAt[req.Index] = errs[1:]
	}
	f.mu.Unlock()

	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if req.Index == f.blockOn {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if f.delay != nil {
			select {
			case <-time.After(f.delay(req.Index)):
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if failure != nil {
			errs <- failure
			return
		}
		chunks <- tts.SynthChunk{Index: req.Index, Audio: []byte(fmt.Sprintf("[%d:%s]", req.Index, req.Text)), Final: true}
	}()
	return chunks, errs
}

func (f *fakeSynth) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type fakeTool struct {
	mu         sync.Mutex
	tempoCalls []string
	factors    []float64
	tempoFail  map[string]error
	mergeErr   error
	merged     []string
	afterMerge func(inputs []string)
}

func (f *fakeTool) AdjustTempo(ctx context.Context, in, out string, factor float64) error {
	f.mu.Lock()
	f.tempoCalls = append(f.tempoCalls, filepath.Base(in))
	f.factors = append(f.factors, factor)
	err := f.tempoFail[filepath.Base(in)]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append([]byte("tempo"), data...), 0o644)
}

func (f *fakeTool) Concat(ctx context.Context, inputs []string, out string) error {
	f.mu.Lock()
	f.merged = append([]string(nil), inputs...)
	f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	var all []byte
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		all = append(all, data...)
	}
	if err := os.WriteFile(out, all, 0o644); err != nil {
		return err
	}
	if f.afterMerge != nil {
		f.afterMerge(inputs)
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.RunEvent
}

func (r *recorder) Observe(_ context.Context, evt protocol.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type != protocol.EventStateChanged {
			out = append(out, e.Type)
		}
	}
	return out
}

type fixture struct {
	opts    Options
	scratch string
}

func newFixture(t *testing.T, article string) *fixture {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "article.txt")
	if err := os.WriteFile(input, []byte(article), 0o644); err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(root, "audio_chunks")
	return &fixture{
		scratch: scratch,
		opts: Options{
			InputPath:       input,
			OutputPath:      filepath.Join(root, "out", "article.mp3"),
			IntermediateDir: scratch,
			MaxChunkSize:    10,
			Voice:           "voice-1",
			SpeechRate:      1.0,
		},
	}
}

func (f *fixture) scratchFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunSequentialSuccess(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma delta")
	synth := newFakeSynth()
	tool := &fakeTool{}
	rec := &recorder{}

	o, err := New(fx.opts, synth, nil, tool, newLogger(), WithObservers(rec), WithRunID(func() string { return "run-1" }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.State != Done || res.RunID != "run-1" || res.Chunks != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := synth.Calls(); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("synth calls = %v, want in-order 0..2", got)
	}
	if !reflect.DeepEqual(synth.texts, []string{"alpha beta", "gamma", "delta"}) {
		t.Fatalf("unexpected chunk texts %q", synth.texts)
	}
	wantMerged := []string{
		filepath.Join(fx.scratch, "chunk_0001.mp3"),
		filepath.Join(fx.scratch, "chunk_0002.mp3"),
		filepath.Join(fx.scratch, "chunk_0003.mp3"),
	}
	if !reflect.DeepEqual(tool.merged, wantMerged) {
		t.Fatalf("merged = %v, want %v", tool.merged, wantMerged)
	}
	out, err := os.ReadFile(fx.opts.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "[0:alpha beta][1:gamma][2:delta]" {
		t.Fatalf("output = %q", out)
	}
	if files := fx.scratchFiles(t); len(files) != 0 {
		t.Fatalf("intermediates left after success: %v", files)
	}
	if len(tool.tempoCalls) != 0 {
		t.Fatal("post-processor must not run when disabled")
	}

	want := []string{
		protocol.EventRunStarted,
		protocol.EventChunkSynthed, protocol.EventChunkSynthed, protocol.EventChunkSynthed,
		protocol.EventRunCompleted,
	}
	if got := rec.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunWithPostProcessing(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma delta")
	fx.opts.PostProcess = true
	fx.opts.SpeechRate = 1.3
	synth := newFakeSynth()
	tool := &fakeTool{}

	o, err := New(fx.opts, synth, tool, tool, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if want := []string{"chunk_0001.mp3", "chunk_0002.mp3", "chunk_0003.mp3"}; !reflect.DeepEqual(tool.tempoCalls, want) {
		t.Fatalf("tempo calls = %v, want %v", tool.tempoCalls, want)
	}
	for _, f := range tool.factors {
		if f != 1.3 {
			t.Fatalf("tempo factor = %v, want 1.3", f)
		}
	}
	for i, p := range tool.merged {
		if want := fmt.Sprintf("chunk_%04d.tempo.mp3", i+1); filepath.Base(p) != want {
			t.Fatalf("merged[%d] = %s, want %s", i, p, want)
		}
	}
	if files := fx.scratchFiles(t); len(files) != 0 {
		t.Fatalf("intermediates left after success: %v", files)
	}
}

func TestRunSynthesisFailureStopsAtChunk(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma delta")
	synth := newFakeSynth()
	boom := errors.New("quota exceeded")
	synth.failAt[2] = []error{boom}
	tool := &fakeTool{}
	rec := &recorder{}

	o, _ := New(fx.opts, synth, nil, tool, newLogger(), WithObservers(rec))
	res, err := o.Run(context.Background())

	if !errors.Is(err, ErrSynthesis) || !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want synthesis error wrapping %v", err, boom)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Chunk != 3 || se.State != Synthesizing {
		t.Fatalf("unexpected stage error %+v", se)
	}
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	if files := fx.scratchFiles(t); !reflect.DeepEqual(files, []string{"chunk_0001.mp3", "chunk_0002.mp3"}) {
		t.Fatalf("scratch files = %v, want the two successful chunks", files)
	}
	if tool.merged != nil {
		t.Fatal("merge must not be attempted after a synthesis failure")
	}
	if _, err := os.Stat(fx.opts.OutputPath); !os.IsNotExist(err) {
		t.Fatal("no output expected after failure")
	}
	types := rec.types()
	if types[len(types)-1] != protocol.EventRunFailed {
		t.Fatalf("last event = %s, want run.failed", types[len(types)-1])
	}
}

func TestRunSynthesisFailureSkipsLaterChunks(t *testing.T) {
	fx := newFixture(t, "one two three four five six seven eight nine ten")
	fx.opts.MaxChunkSize = 3
	synth := newFakeSynth()
	synth.failAt[3] = []error{errors.New("boom")}

	o, _ := New(fx.opts, synth, nil, &fakeTool{}, newLogger())
	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if got := synth.Calls(); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Fatalf("synth calls = %v, want no calls after chunk 4", got)
	}
}

func TestRunEmptyArticle(t *testing.T) {
	for _, article := range []string{"", "  \n\t "} {
		fx := newFixture(t, article)
		synth := newFakeSynth()
		o, _ := New(fx.opts, synth, nil, &fakeTool{}, newLogger())
		res, err := o.Run(context.Background())
		if !errors.Is(err, ErrInput) {
			t.Fatalf("Run(%q) error = %v, want ErrInput", article, err)
		}
		if res.State != Failed || len(synth.Calls()) != 0 {
			t.Fatalf("empty article must fail before synthesis")
		}
	}
}

func TestRunMissingInput(t *testing.T) {
	fx := newFixture(t, "alpha")
	fx.opts.InputPath = filepath.Join(t.TempDir(), "missing.txt")
	o, _ := New(fx.opts, newFakeSynth(), nil, &fakeTool{}, newLogger())
	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrInput) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Run() error = %v, want input error", err)
	}
	if stage, ok := StageOf(err); !ok || stage != ReadingInput {
		t.Fatalf("stage = %v, want reading_input", stage)
	}
}

func TestRunInvalidUTF8(t *testing.T) {
	fx := newFixture(t, "alpha")
	if err := os.WriteFile(fx.opts.InputPath, []byte{0xff, 0xfe, 'a'}, 0o644); err != nil {
		t.Fatal(err)
	}
	o, _ := New(fx.opts, newFakeSynth(), nil, &fakeTool{}, newLogger())
	if _, err := o.Run(context.Background()); !errors.Is(err, ErrInput) {
		t.Fatalf("Run() error = %v, want ErrInput", err)
	}
}

func TestRunInvalidChunkSize(t *testing.T) {
	fx := newFixture(t, "alpha beta")
	fx.opts.MaxChunkSize = 0
	o, _ := New(fx.opts, newFakeSynth(), nil, &fakeTool{}, newLogger())
	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrChunking) {
		t.Fatalf("Run() error = %v, want ErrChunking", err)
	}
}

func TestRunMergeFailureKeepsIntermediates(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma delta")
	tool := &fakeTool{mergeErr: errors.New("invalid data found when processing input")}
	o, _ := New(fx.opts, newFakeSynth(), nil, tool, newLogger())

	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrMerge) {
		t.Fatalf("Run() error = %v, want ErrMerge", err)
	}
	if files := fx.scratchFiles(t); len(files) != 3 {
		t.Fatalf("scratch files = %v, want all 3 intermediates kept", files)
	}
}

func TestRunPostProcessFailure(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma delta")
	fx.opts.PostProcess = true
	fx.opts.SpeechRate = 1.5
	synth := newFakeSynth()
	tool := &fakeTool{tempoFail: map[string]error{"chunk_0002.mp3": errors.New("atempo failed")}}

	o, _ := New(fx.opts, synth, tool, tool, newLogger())
	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrPostProcess) {
		t.Fatalf("Run() error = %v, want ErrPostProcess", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Chunk != 2 {
		t.Fatalf("unexpected stage error %+v", se)
	}
	if got := synth.Calls(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("synth calls = %v, chunk 3 must not be attempted", got)
	}
	if tool.merged != nil {
		t.Fatal("merge must not run after post-process failure")
	}
}

func TestRunRetriesTransientSynthesisErrors(t *testing.T) {
	fx := newFixture(t, "alpha beta")
	fx.opts.MaxRetries = 3
	fx.opts.RetryInitialInterval = time.Millisecond
	synth := newFakeSynth()
	synth.failAt[0] = []error{&tts.APIError{StatusCode: 503}, &tts.APIError{StatusCode: 429}}

	o, _ := New(fx.opts, synth, nil, &fakeTool{}, newLogger())
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := synth.Calls(); len(got) != 3 {
		t.Fatalf("synth calls = %v, want 3 attempts", got)
	}
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	fx := newFixture(t, "alpha beta")
	fx.opts.MaxRetries = 3
	fx.opts.RetryInitialInterval = time.Millisecond
	synth := newFakeSynth()
	authErr := &tts.APIError{StatusCode: 401, Message: "Invalid API key"}
	synth.failAt[0] = []error{authErr}

	o, _ := New(fx.opts, synth, nil, &fakeTool{}, newLogger())
	_, err := o.Run(context.Background())
	var apiErr *tts.APIError
	if !errors.Is(err, ErrSynthesis) || !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("Run() error = %v, want wrapped 401", err)
	}
	if got := synth.Calls(); len(got) != 1 {
		t.Fatalf("synth calls = %v, want a single attempt", got)
	}
}

func TestRunSynthesisTimeout(t *testing.T) {
	fx := newFixture(t, "alpha beta")
	fx.opts.SynthesisTimeout = 20 * time.Millisecond
	synth := newFakeSynth()
	synth.blockOn = 0

	o, _ := New(fx.opts, synth, nil, &fakeTool{}, newLogger())
	_, err := o.Run(context.Background())
	if !errors.Is(err, ErrSynthesis) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want synthesis timeout", err)
	}
}

func TestRunParallelKeepsChunkOrder(t *testing.T) {
	fx := newFixture(t, "one two three four five six seven eight nine ten")
	fx.opts.MaxChunkSize = 3
	fx.opts.Concurrency = 4
	synth := newFakeSynth()
	// later chunks finish first
	synth.delay = func(index int) time.Duration { return time.Duration(10-index) * 3 * time.Millisecond }
	tool := &fakeTool{}

	o, _ := New(fx.opts, synth, nil, tool, newLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Chunks != 10 || len(synth.Calls()) != 10 {
		t.Fatalf("chunks = %d, calls = %d", res.Chunks, len(synth.Calls()))
	}
	for i, p := range tool.merged {
		if want := fmt.Sprintf("chunk_%04d.mp3", i+1); filepath.Base(p) != want {
			t.Fatalf("merged[%d] = %s, want %s", i, filepath.Base(p), want)
		}
	}
	out, _ := os.ReadFile(fx.opts.OutputPath)
	if !strings.HasPrefix(string(out), "[0:one][1:two][2:three]") {
		t.Fatalf("output out of order: %q", out)
	}
}

func TestRunParallelFailureCancelsOthers(t *testing.T) {
	fx := newFixture(t, "one two three four")
	fx.opts.MaxChunkSize = 3
	fx.opts.Concurrency = 4
	synth := newFakeSynth()
	synth.blockOn = 0
	boom := errors.New("boom")
	synth.failAt[1] = []error{boom}
	tool := &fakeTool{}

	o, _ := New(fx.opts, synth, nil, tool, newLogger())
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run() error = %v, want first failure %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked chunk was not cancelled after a sibling failed")
	}
	if tool.merged != nil {
		t.Fatal("merge must not run after a failure")
	}
}

func TestRunCleanupFailureIsNotFatal(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma")
	tool := &fakeTool{afterMerge: func(inputs []string) {
		// replace the first intermediate with a non-empty directory so removal fails
		_ = os.Remove(inputs[0])
		_ = os.MkdirAll(filepath.Join(inputs[0], "stuck"), 0o755)
	}}
	rec := &recorder{}

	o, _ := New(fx.opts, newFakeSynth(), nil, tool, newLogger(), WithObservers(rec))
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, cleanup failure must not fail the run", err)
	}
	if res.State != Done {
		t.Fatalf("state = %v, want done", res.State)
	}
	if !errors.Is(res.CleanupErr, ErrCleanup) {
		t.Fatalf("CleanupErr = %v, want ErrCleanup", res.CleanupErr)
	}
	types := rec.types()
	if types[len(types)-2] != protocol.EventCleanupFailed || types[len(types)-1] != protocol.EventRunCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestRunKeepIntermediates(t *testing.T) {
	fx := newFixture(t, "alpha beta gamma")
	fx.opts.KeepIntermediates = true
	o, _ := New(fx.opts, newFakeSynth(), nil, &fakeTool{}, newLogger())
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if files := fx.scratchFiles(t); len(files) != 2 {
		t.Fatalf("scratch files = %v, want intermediates kept", files)
	}
}

func TestRunOversizedWord(t *testing.T) {
	fx := newFixture(t, "supercalifragilisticexpialidocious")
	synth := newFakeSynth()
	o, _ := New(fx.opts, synth, nil, &fakeTool{}, newLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 1 || synth.texts[0] != "supercalifragilisticexpialidocious" {
		t.Fatalf("oversized word must be synthesized whole, got %q", synth.texts)
	}
}

func TestNewValidation(t *testing.T) {
	opts := Options{OutputPath: "out.mp3", IntermediateDir: "tmp"}
	if _, err := New(opts, nil, nil, &fakeTool{}, nil); err == nil {
		t.Error("expected error without synthesizer")
	}
	if _, err := New(opts, newFakeSynth(), nil, nil, nil); err == nil {
		t.Error("expected error without merger")
	}
	withPost := opts
	withPost.PostProcess = true
	if _, err := New(withPost, newFakeSynth(), nil, &fakeTool{}, nil); err == nil {
		t.Error("expected error when post-processing lacks a post-processor")
	}
	noScratch := opts
	noScratch.IntermediateDir = ""
	if _, err := New(noScratch, newFakeSynth(), nil, &fakeTool{}, nil); err == nil {
		t.Error("expected error without intermediate dir")
	}
}

func TestStateString(t *testing.T) {
	if Synthesizing.String() != "synthesizing" || Failed.String() != "failed" {
		t.Fatal("unexpected state names")
	}
}
