// Package ledger implements the idempotency ledger that turns
// at-least-once delivery into effectively-once processing. Before
// applying an event a consumer claims the (consumer, event) pair; a
// second delivery of the same event finds the claim and is skipped.
package ledger

import (
	"context"
	"time"
)

// Record is what the ledger remembers about one processed event.
type Record struct {
	ConsumerID  string    `json:"consumer_id"`
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Ledger is the idempotency contract.
//
// RecordIfNew atomically claims the (consumerID, eventID) pair. It
// returns true when this call made the claim and the caller should
// process the event, false when the pair was already claimed. The
// check and the insert are one operation; two concurrent deliveries of
// the same event get exactly one true between them.
//
// Forget releases a claim. Handlers call it when processing fails after
// the claim was made, so the redelivered event is not mistaken for a
// duplicate.
type Ledger interface {
	RecordIfNew(ctx context.Context, consumerID, eventID string) (bool, error)
	Forget(ctx context.Context, consumerID, eventID string) error
}
