package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published after a unit of work commits.
const (
	EventTransactionPosted   = "transaction.posted"
	EventTransactionVoided   = "transaction.voided"
	EventPaymentApplied      = "payment.applied"
	EventApplicationReversed = "application.reversed"
	EventDriftDetected       = "balance.drift_detected"
	EventBalanceCorrected    = "balance.corrected"
)

// Event is the envelope handed to a Publisher.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	HolderID    HolderID  `json:"holder_id"`
	AggregateID string    `json:"aggregate_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Data        any       `json:"data,omitempty"`
}

// Publisher delivers domain events. Failures never undo a committed write.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (e *Engine) publish(ctx context.Context, typ string, holderID HolderID, aggregateID string, actor Actor, data any) {
	if e.Publisher == nil {
		return
	}
	ev := Event{
		ID:          uuid.New(),
		Type:        typ,
		HolderID:    holderID,
		AggregateID: aggregateID,
		ActorID:     actor.ID,
		OccurredAt:  e.now(),
		Data:        data,
	}
	if err := e.Publisher.Publish(ctx, ev); err != nil {
		e.Logger.Error().Err(err).
			Str("event", typ).
			Str("holder_id", string(holderID)).
			Msg("failed to publish event")
	}
}
