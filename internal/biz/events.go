package biz

import (
	"context"

	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// EventPublisher delivers fleet events to whatever sink is configured.
// Publishing must never block a state transition: implementations log
// and swallow delivery failures.
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// LogPublisher writes events to the structured log. It is the default
// sink; external delivery (webhooks, queues) plugs in behind the same
// interface.
type LogPublisher struct {
	logger *log.Helper
}

// NewLogPublisher creates a log-backed event publisher.
func NewLogPublisher(logger log.Logger) *LogPublisher {
	return &LogPublisher{
		logger: log.NewHelper(logger),
	}
}

// Publish logs the event with its kind and payload.
func (p *LogPublisher) Publish(_ context.Context, event model.Event) error {
	p.logger.Infow("msg", "event published",
		"kind", string(event.Kind()),
		"payload", event)
	return nil
}
