package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrate/internal/protocol"
)

// metricsObserver turns run events into OpenTelemetry instruments.
type metricsObserver struct {
	chunks metric.Int64Counter
	bytes  metric.Int64Counter
	stage  metric.Float64Histogram
	runs   metric.Int64Counter
	clock  func() time.Time

	mu      sync.Mutex
	entered map[string]stageMark
}

type stageMark struct {
	state string
	at    time.Time
}

func newMetricsObserver(meter metric.Meter) (*metricsObserver, error) {
	chunks, err := meter.Int64Counter("narrate.chunks.synthesized",
		metric.WithDescription("Chunks converted to audio"))
	if err != nil {
		return nil, fmt.Errorf("chunks counter: %w", err)
	}
	bytes, err := meter.Int64Counter("narrate.synthesis.bytes",
		metric.WithDescription("Audio bytes received from the synthesizer"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("bytes counter: %w", err)
	}
	stage, err := meter.Float64Histogram("narrate.stage.duration",
		metric.WithDescription("Time spent in each pipeline state"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("stage histogram: %w", err)
	}
	runs, err := meter.Int64Counter("narrate.runs",
		metric.WithDescription("Finished narration runs by status"))
	if err != nil {
		return nil, fmt.Errorf("runs counter: %w", err)
	}
	return &metricsObserver{
		chunks:  chunks,
		bytes:   bytes,
		stage:   stage,
		runs:    runs,
		clock:   time.Now,
		entered: make(map[string]stageMark),
	}, nil
}

func (m *metricsObserver) Observe(ctx context.Context, evt protocol.RunEvent) {
	ctx = context.WithoutCancel(ctx)
	switch evt.Type {
	case protocol.EventChunkSynthed:
		m.chunks.Add(ctx, 1)
		m.bytes.Add(ctx, evt.Bytes)
	case protocol.EventStateChanged:
		m.closeStage(ctx, evt.RunID, evt.State)
	case protocol.EventRunCompleted:
		m.closeStage(ctx, evt.RunID, "")
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "completed")))
	case protocol.EventRunFailed:
		m.closeStage(ctx, evt.RunID, "")
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed"), attribute.String("stage", evt.State)))
	}
}

// closeStage records the time spent in the previous state of a run and
// marks next as entered. An empty next ends tracking for the run.
func (m *metricsObserver) closeStage(ctx context.Context, runID, next string) {
	now := m.clock()
	m.mu.Lock()
	prev, ok := m.entered[runID]
	if next == "" {
		delete(m.entered, runID)
	} else if !ok || prev.state != next {
		m.entered[runID] = stageMark{state: next, at: now}
	}
	m.mu.Unlock()

	if ok && prev.state != next {
		elapsed := float64(now.Sub(prev.at)) / float64(time.Millisecond)
		m.stage.Record(ctx, elapsed, metric.WithAttributes(attribute.String("state", prev.state)))
	}
}
