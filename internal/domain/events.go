package domain

import "github.com/shopspring/decimal"

// EventKind discriminates the variants of a domain event.
type EventKind string

const (
	EventIntentCreated EventKind = "intent_created"
	EventCaptured      EventKind = "captured"
	EventReleased      EventKind = "released"
	EventRefunded      EventKind = "refunded"
	EventExpired       EventKind = "expired"
)

// Event is one immutable entry in the append-only log. TS is a logical
// tick assigned at append time. Amount carries the captured or refunded
// amount, or the released total; it is nil for the other variants.
type Event struct {
	TS       uint64           `json:"ts"`
	Kind     EventKind        `json:"kind"`
	IntentID string           `json:"intent_id"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
}
