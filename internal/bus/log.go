package bus

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes readings to a logger instead of a bus. It backs the
// --dry-run flag.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, topic, payload string) error {
	if err := ctx.Err(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	p.log.Info().Str("topic", topic).Str("payload", payload).Msg("publish")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
