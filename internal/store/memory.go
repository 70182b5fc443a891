package store

import (
	"context"
	"sync"

	"github.com/escrowpay/escrowd/internal/domain"
)

// MemoryStore is the in-process IntentStore used by default and in
// tests. Intents are returned by value, so callers cannot mutate the
// stored copy.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]domain.PaymentIntent
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]domain.PaymentIntent)}
}

func (m *MemoryStore) Save(ctx context.Context, intent domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.ID]; !ok {
		m.order = append(m.order, intent.ID)
	}
	m.intents[intent.ID] = intent
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (domain.PaymentIntent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[id]
	return intent, ok, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PaymentIntent
	for _, id := range m.order {
		if intent := m.intents[id]; intent.Status == status {
			out = append(out, intent)
		}
	}
	return out, nil
}

var _ IntentStore = (*MemoryStore)(nil)
