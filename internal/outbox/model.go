// Package outbox drains the durable outbox: events written transactionally
// by upstream domain mutations are claimed in batches and delivered
// at-least-once to a configured sink.
package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one pending outbound event claimed from the outbox.
type Event struct {
	ID         int64
	Type       string
	Payload    json.RawMessage
	RetryCount int
	CreatedAt  time.Time
}

// Store is the persistent outbox. ClaimBatch must be atomic
// (select-and-mark in one transaction): that atomicity is the only thing
// keeping concurrent dispatcher processes from double-delivering, the
// dispatcher itself holds no lock.
type Store interface {
	// ClaimBatch marks up to limit unclaimed events as published and
	// returns them. An empty result means no pending work.
	ClaimBatch(ctx context.Context, limit int) ([]Event, error)

	// RevertClaim unclaims an event and increments its retry count, making
	// it eligible for the next cycle.
	RevertClaim(ctx context.Context, eventID int64) error

	// RecordIntegrationError writes a durable error record. Used when no
	// sink is configured and when an event exhausts its retry budget.
	RecordIntegrationError(ctx context.Context, source, refID, message, details string) error
}

// Sink delivers one event to a downstream consumer.
type Sink interface {
	Deliver(ctx context.Context, ev *Event) error
	Target() string
}
