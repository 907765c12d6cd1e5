// Package events publishes match lifecycle events to downstream consumers
// (notification and approval workflows).
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/reclaim/internal/config"
	"github.com/timmy/reclaim/internal/domain"
)

// Event types.
const (
	EventMatchFound     = "match.found"
	EventMatchApproved  = "match.approved"
	EventMatchRejected  = "match.rejected"
	EventMatchReclaimed = "match.reclaimed"
)

// MatchEvent describes a change to one match record.
type MatchEvent struct {
	EventType   string                 `json:"event_type"`
	TenantID    string                 `json:"tenant_id"`
	MatchID     string                 `json:"match_id"`
	LostItemID  string                 `json:"lost_item_id"`
	FoundItemID string                 `json:"found_item_id"`
	Score       float64                `json:"score"`
	Status      domain.MatchStatus     `json:"status"`
	Breakdown   *domain.ScoreBreakdown `json:"breakdown,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewMatchEvent builds an event of eventType for m.
func NewMatchEvent(eventType string, m *domain.Match) *MatchEvent {
	b := m.Breakdown
	return &MatchEvent{
		EventType:   eventType,
		TenantID:    m.TenantID,
		MatchID:     m.ID,
		LostItemID:  m.LostItemID,
		FoundItemID: m.FoundItemID,
		Score:       m.Score,
		Status:      m.Status,
		Breakdown:   &b,
		Timestamp:   time.Now().UTC(),
	}
}

// Publisher delivers match events.
type Publisher interface {
	Publish(ctx context.Context, events ...*MatchEvent) error
	Close() error
}

// NewPublisher creates the publisher selected by cfg.Driver.
func NewPublisher(cfg *config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "log":
		return NewLogPublisher(), nil
	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("events: kafka driver needs at least one broker")
		}
		return NewKafkaPublisher(KafkaConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			Compression: cfg.Compression,
		}), nil
	default:
		return nil, fmt.Errorf("events: unknown driver %q", cfg.Driver)
	}
}
