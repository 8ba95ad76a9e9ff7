// Package runtime wires configuration, telemetry, journaling and the bus
// around a single narration run.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/bus"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/eventstore"
	"github.com/loqalabs/loqa-narrate/internal/media"
	"github.com/loqalabs/loqa-narrate/internal/natsserver"
	"github.com/loqalabs/loqa-narrate/internal/pipeline"
	"github.com/loqalabs/loqa-narrate/internal/tts"
)

const meterName = "github.com/loqalabs/loqa-narrate/internal/runtime"

// AudioTool post-processes and merges chunk audio.
type AudioTool interface {
	pipeline.PostProcessor
	pipeline.Merger
}

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool
	wg         sync.WaitGroup

	newSynth func(config.SynthesisConfig) (tts.Synthesizer, error)
	newTool  func(config.AudioConfig, *slog.Logger) (AudioTool, error)
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		newSynth: buildSynthesizer,
		newTool:  buildTool,
	}
}

// Run performs one narration and releases every resource before returning.
// Shutdown failures are logged; the returned error is the run's own.
func (r *Runtime) Run(ctx context.Context) (res pipeline.Result, err error) {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return res, fmt.Errorf("failed to setup telemetry: %w", err)
	}

	var closers []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](shutdownCtx))
		}
		errs = append(errs, tel.shutdown(shutdownCtx))
		if serr := errors.Join(errs...); serr != nil {
			r.logger.Error("shutdown error", slog.String("error", serr.Error()))
		}
	}()

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(tel.metrics); err != nil {
			return res, err
		}
		closers = append(closers, r.stopHTTP)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return res, fmt.Errorf("open run journal: %w", err)
	}
	closers = append(closers, func(context.Context) error { return store.Close() })
	observers := []pipeline.Observer{store}

	if r.cfg.Bus.Enabled {
		client, shutdown := r.connectBus(ctx)
		if shutdown != nil {
			closers = append(closers, shutdown)
		}
		if client != nil {
			closers = append(closers, func(context.Context) error {
				flushErr := client.Flush(2 * time.Second)
				client.Close()
				return flushErr
			})
			observers = append(observers, client)
		}
	}

	metrics, err := newMetricsObserver(tel.meterProvider.Meter(meterName))
	if err != nil {
		return res, fmt.Errorf("create metrics: %w", err)
	}
	observers = append(observers, metrics)

	synth, err := r.newSynth(r.cfg.Synthesis)
	if err != nil {
		return res, fmt.Errorf("create synthesizer: %w", err)
	}
	tool, err := r.newTool(r.cfg.Audio, r.logger)
	if err != nil {
		return res, fmt.Errorf("create audio tool: %w", err)
	}
	var post pipeline.PostProcessor
	if r.cfg.Audio.PostProcess {
		post = tool
	}

	orchestrator, err := pipeline.New(r.pipelineOptions(), synth, post, tool, r.logger, pipeline.WithObservers(observers...))
	if err != nil {
		return res, err
	}

	r.ready.Store(true)
	defer r.ready.Store(false)
	r.logger.Info("narration starting",
		slog.String("synthesizer", synth.Name()),
		slog.String("input", r.cfg.InputPath),
		slog.String("output", r.cfg.OutputPath))

	return orchestrator.Run(ctx)
}

func (r *Runtime) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		InputPath:            r.cfg.InputPath,
		OutputPath:           r.cfg.OutputPath,
		IntermediateDir:      r.cfg.IntermediateDir,
		MaxChunkSize:         r.cfg.Chunking.MaxSize,
		Voice:                r.cfg.Synthesis.VoiceID,
		PostProcess:          r.cfg.Audio.PostProcess,
		SpeechRate:           r.cfg.Audio.SpeechRate,
		Concurrency:          r.cfg.Synthesis.Concurrency,
		SynthesisTimeout:     r.cfg.Synthesis.SynthesisTimeout(),
		ToolTimeout:          r.cfg.Audio.ToolTimeout(),
		MaxRetries:           r.cfg.Synthesis.MaxRetries,
		RetryInitialInterval: time.Duration(r.cfg.Synthesis.RetryInitialMS) * time.Millisecond,
		KeepIntermediates:    r.cfg.Audio.KeepIntermediates,
	}
}

// connectBus starts the embedded server when configured and connects to it.
// Bus trouble never blocks a narration; it is logged and the run continues
// without progress publication.
func (r *Runtime) connectBus(ctx context.Context) (*bus.Client, func(context.Context) error) {
	cfg := r.cfg.Bus
	var shutdown func(context.Context) error
	srv, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		r.logger.Warn("embedded NATS server unavailable", slog.String("error", err.Error()))
		return nil, nil
	}
	if srv != nil {
		cfg.Servers = []string{srv.ClientURL()}
		shutdown = func(context.Context) error {
			srv.Shutdown()
			return nil
		}
	}
	client, err := bus.Connect(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Warn("progress publication disabled", slog.String("error", err.Error()))
		return nil, shutdown
	}
	return client, shutdown
}

func (r *Runtime) startHTTP(metrics http.Handler) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           r.routes(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the HTTP listen address, or "" when the server is not running.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runtime) stopHTTP(ctx context.Context) error {
	if r.httpServer == nil {
		return nil
	}
	err := r.httpServer.Shutdown(ctx)
	r.wg.Wait()
	return err
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func buildSynthesizer(cfg config.SynthesisConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "elevenlabs":
		return tts.NewElevenLabsSynth(tts.ElevenLabsConfig{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			ModelID:      cfg.ModelID,
			OutputFormat: cfg.OutputFormat,
			VoiceSettings: &tts.VoiceSettings{
				Stability:       cfg.VoiceSettings.Stability,
				SimilarityBoost: cfg.VoiceSettings.SimilarityBoost,
				Style:           cfg.VoiceSettings.Style,
				UseSpeakerBoost: cfg.VoiceSettings.UseSpeakerBoost,
			},
		})
	case "exec":
		return tts.NewExecSynth(cfg.Command)
	case "mock":
		return tts.NewMockSynth(), nil
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
}

func buildTool(cfg config.AudioConfig, logger *slog.Logger) (AudioTool, error) {
	tool, err := media.NewTool(cfg.FFmpegCommand, logger)
	if err != nil {
		return nil, err
	}
	return tool, nil
}
