package trigger

import (
	"context"
	"log"

	"autoforge/internal/model"
)

// Publisher is where every trigger source hands its events; the pipeline
// subscription on the other side of the bus is the single consumer.
type Publisher interface {
	Publish(event model.TriggerEvent) error
}

// logf writes through the source's logger when one is wired. Sources run
// fine without a logger; callers that embed one in tests or one-shot
// commands may leave it nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

// Source is a long-running trigger strategy. Poll sources run their own
// ticker loops; the webhook source is driven by the HTTP server instead and
// its Run is a no-op until the context ends.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}
