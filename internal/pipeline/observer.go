package pipeline

import (
	"context"

	"github.com/loqalabs/loqa-narrate/internal/protocol"
)

// Observer receives run events. Observe must be safe for concurrent use and
// must not block for long; failures are the observer's own concern.
type Observer interface {
	Observe(ctx context.Context, evt protocol.RunEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt protocol.RunEvent)

func (f ObserverFunc) Observe(ctx context.Context, evt protocol.RunEvent) { f(ctx, evt) }
