package events

import (
	"context"

	"github.com/timmy/reclaim/internal/logger"
)

// LogPublisher writes events to the service log. It is used when no
// broker is configured.
type LogPublisher struct{}

// NewLogPublisher creates a new log publisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// Publish logs each event.
func (p *LogPublisher) Publish(ctx context.Context, events ...*MatchEvent) error {
	for _, e := range events {
		logger.With(logger.Fields{
			logger.FieldTenantID: e.TenantID,
			logger.FieldMatchID:  e.MatchID,
			logger.FieldScore:    e.Score,
			"lost_item_id":       e.LostItemID,
			"found_item_id":      e.FoundItemID,
		}).Info(ctx, "Match event %s", e.EventType)
	}
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
