package store

import (
	"context"

	"github.com/escrowpay/escrowd/internal/domain"
)

// IntentStore persists payment intents. The engine is the sole writer;
// implementations only need to be safe for concurrent use, not to
// arbitrate transitions.
type IntentStore interface {
	// Save upserts the intent keyed by its ID.
	Save(ctx context.Context, intent domain.PaymentIntent) error
	// Get returns the intent and whether it exists.
	Get(ctx context.Context, id string) (domain.PaymentIntent, bool, error)
	// ListByStatus returns all intents currently in status, in
	// creation order.
	ListByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.PaymentIntent, error)
}
