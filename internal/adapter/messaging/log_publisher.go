package messaging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rl1809/lab-store/internal/core/domain"
)

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(ctx context.Context, event domain.RequestEvent) error {
	p.logger.Info().
		Str("event_id", event.ID).
		Str("event", string(event.Type)).
		Str("request_id", event.RequestID).
		Str("status", string(event.Status)).
		Msg("request event")
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
