// Package events carries market notifications to outside collaborators.
// Sinks are invoked after a state transition has committed; a failing sink
// never undoes the transition.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindBidCreated          Kind = "bid.created"
	KindBidRejected         Kind = "bid.rejected"
	KindBidMatched          Kind = "bid.matched"
	KindBidExpired          Kind = "bid.expired"
	KindBidCancelled        Kind = "bid.cancelled"
	KindMatchConfirmed      Kind = "match.confirmed"
	KindTransactionExecuted Kind = "transaction.executed"
	KindAuctionStarted      Kind = "auction.started"
	KindAuctionEnded        Kind = "auction.ended"
)

// Event is one notification record.
type Event struct {
	ID        string         `json:"event_id"`
	Kind      Kind           `json:"event_kind"`
	EntityID  string         `json:"entity_id"`
	AgentIDs  []string       `json:"agent_ids,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event Event) error {
	s.logger.Info().
		Str("event_id", event.ID).
		Str("event_kind", string(event.Kind)).
		Str("entity_id", event.EntityID).
		Strs("agent_ids", event.AgentIDs).
		Time("timestamp", event.Timestamp).
		Msg("market event")
	return nil
}

type multiSink []Sink

// Multi delivers each event to every sink in order and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
