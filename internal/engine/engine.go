package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/escrowpay/escrowd/internal/domain"
	"github.com/escrowpay/escrowd/internal/eventlog"
	"github.com/escrowpay/escrowd/internal/rail"
	"github.com/escrowpay/escrowd/internal/registry"
	"github.com/escrowpay/escrowd/internal/store"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_intent_transitions_total",
		Help: "Intent state transitions, labeled by resulting status",
	}, []string{"status"})

	transferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_rail_transfer_failures_total",
		Help: "Transfer rail calls that reported an error",
	})
)

// Clock supplies logical timestamps. Ticks only need to be monotonic;
// correctness never depends on wall-clock time.
type Clock interface {
	Now() uint64
}

// SystemClock ticks in nanoseconds since the Unix epoch.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().UnixNano()) }

// CreateIntentArgs carries the caller-supplied fields of a new intent.
type CreateIntentArgs struct {
	Asset     string
	Amount    decimal.Decimal
	ExpiresAt uint64
	Metadata  []domain.MetadataPair
}

// Engine owns the payment-intent state machine. It is the only writer
// to the intent store and the event log; transitions for a given
// intent are serialized through a per-intent lock.
type Engine struct {
	registry *registry.Registry
	store    store.IntentStore
	log      *eventlog.Log
	rail     rail.TransferRail
	clock    Clock

	// service is the identity owning every escrow account.
	service string

	seqMu   sync.Mutex
	nextSeq uint64

	muMap map[string]*sync.Mutex
	mapMu sync.Mutex
}

func New(reg *registry.Registry, st store.IntentStore, log *eventlog.Log, r rail.TransferRail, clock Clock, serviceOwner string) *Engine {
	return &Engine{
		registry: reg,
		store:    st,
		log:      log,
		rail:     r,
		clock:    clock,
		service:  serviceOwner,
		muMap:    make(map[string]*sync.Mutex),
	}
}

func (e *Engine) intentLock(id string) *sync.Mutex {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	if _, exists := e.muMap[id]; !exists {
		e.muMap[id] = &sync.Mutex{}
	}
	return e.muMap[id]
}

func (e *Engine) nextID(merchant string, now uint64) string {
	e.seqMu.Lock()
	seq := e.nextSeq
	e.nextSeq++
	e.seqMu.Unlock()
	return fmt.Sprintf("pi_%d_%s_%d", seq, merchant, now)
}

// deriveEscrowSubaccount gives each intent its own escrow subaccount
// under the service identity, isolating intents from each other.
func deriveEscrowSubaccount(intentID string) []byte {
	h := sha256.New()
	h.Write([]byte("payments/escrow"))
	h.Write([]byte(intentID))
	return h.Sum(nil)
}

// CreateIntent allocates a new intent in RequiresApproval with a fresh
// escrow account and appends IntentCreated.
func (e *Engine) CreateIntent(ctx context.Context, merchant domain.Account, args CreateIntentArgs) (domain.PaymentIntent, error) {
	if !domain.ValidAmount(args.Amount) {
		return domain.PaymentIntent{}, fmt.Errorf("%w: amount must be a non-negative integer", domain.ErrInvalidState)
	}
	if _, ok := e.registry.Lookup(args.Asset); !ok {
		return domain.PaymentIntent{}, domain.ErrAssetNotRegistered
	}
	now := e.clock.Now()
	if args.ExpiresAt <= now {
		return domain.PaymentIntent{}, domain.ErrExpired
	}

	id := e.nextID(merchant.Owner, now)
	intent := domain.PaymentIntent{
		ID:       id,
		Merchant: merchant,
		Escrow: domain.Account{
			Owner:      e.service,
			Subaccount: deriveEscrowSubaccount(id),
		},
		Asset:     args.Asset,
		Amount:    args.Amount,
		Status:    domain.StatusRequiresApproval,
		CreatedAt: now,
		ExpiresAt: args.ExpiresAt,
		Metadata:  args.Metadata,
	}
	if err := e.store.Save(ctx, intent); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("save intent: %w", err)
	}
	e.log.Append(domain.Event{TS: now, Kind: domain.EventIntentCreated, IntentID: id})
	transitionsTotal.WithLabelValues(string(domain.StatusRequiresApproval)).Inc()
	return intent, nil
}

// Capture moves the intent amount from the payer into escrow and
// transitions RequiresApproval -> Succeeded. The transfer and the
// transition form one logical unit: a rail failure leaves the intent
// in RequiresApproval with no event appended.
func (e *Engine) Capture(ctx context.Context, caller domain.Account, intentID string, from domain.Account) (domain.PaymentIntent, error) {
	mu := e.intentLock(intentID)
	mu.Lock()
	defer mu.Unlock()

	intent, ok, err := e.store.Get(ctx, intentID)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("load intent: %w", err)
	}
	if !ok {
		return domain.PaymentIntent{}, domain.ErrNotFound
	}
	if caller.Owner != intent.Merchant.Owner {
		return domain.PaymentIntent{}, domain.ErrUnauthorized
	}
	if intent.Status != domain.StatusRequiresApproval {
		return domain.PaymentIntent{}, domain.ErrInvalidState
	}
	now := e.clock.Now()
	// The expires_at tick itself belongs to the expired side.
	if intent.ExpiresAt <= now {
		return domain.PaymentIntent{}, domain.ErrExpired
	}
	info, ok := e.registry.Lookup(intent.Asset)
	if !ok {
		return domain.PaymentIntent{}, domain.ErrAssetNotRegistered
	}

	if err := e.rail.Transfer(ctx, info.LedgerID, from, intent.Escrow, intent.Amount); err != nil {
		transferFailures.Inc()
		return domain.PaymentIntent{}, fmt.Errorf("capture transfer: %w", err)
	}

	payer := from
	intent.Payer = &payer
	intent.Status = domain.StatusSucceeded
	if err := e.store.Save(ctx, intent); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("save intent: %w", err)
	}
	amount := intent.Amount
	e.log.Append(domain.Event{TS: now, Kind: domain.EventCaptured, IntentID: intentID, Amount: &amount})
	transitionsTotal.WithLabelValues(string(domain.StatusSucceeded)).Inc()
	return intent, nil
}

// Release pays escrowed funds out to one or more payees and
// transitions Succeeded -> Released. Split validation is all-or-
// nothing: an over-subscribed split sum performs zero transfers.
func (e *Engine) Release(ctx context.Context, caller domain.Account, intentID string, splits []domain.Split) (domain.PaymentIntent, error) {
	mu := e.intentLock(intentID)
	mu.Lock()
	defer mu.Unlock()

	intent, ok, err := e.store.Get(ctx, intentID)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("load intent: %w", err)
	}
	if !ok {
		return domain.PaymentIntent{}, domain.ErrNotFound
	}
	if caller.Owner != intent.Merchant.Owner {
		return domain.PaymentIntent{}, domain.ErrUnauthorized
	}
	if intent.Status != domain.StatusSucceeded {
		return domain.PaymentIntent{}, domain.ErrInvalidState
	}
	info, ok := e.registry.Lookup(intent.Asset)
	if !ok {
		return domain.PaymentIntent{}, domain.ErrAssetNotRegistered
	}

	total := decimal.Zero
	for _, s := range splits {
		if !domain.ValidAmount(s.Amount) {
			return domain.PaymentIntent{}, fmt.Errorf("%w: split amount must be a non-negative integer", domain.ErrInvalidState)
		}
		total = total.Add(s.Amount)
	}
	if total.Cmp(intent.Amount) > 0 {
		return domain.PaymentIntent{}, fmt.Errorf("%w: splits total %s exceeds captured amount %s", domain.ErrInvalidState, total, intent.Amount)
	}

	for _, s := range splits {
		if err := e.rail.Transfer(ctx, info.LedgerID, intent.Escrow, s.To, s.Amount); err != nil {
			transferFailures.Inc()
			return domain.PaymentIntent{}, fmt.Errorf("release transfer to %s: %w", s.To.Owner, err)
		}
	}

	intent.Status = domain.StatusReleased
	if err := e.store.Save(ctx, intent); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("save intent: %w", err)
	}
	e.log.Append(domain.Event{TS: e.clock.Now(), Kind: domain.EventReleased, IntentID: intentID, Amount: &total})
	transitionsTotal.WithLabelValues(string(domain.StatusReleased)).Inc()
	return intent, nil
}

// Refund returns escrowed funds to the payer and transitions
// Succeeded -> Refunded. Settlement is one-shot and full-amount: a nil
// amount defaults to the captured amount, and an explicit amount must
// equal it.
func (e *Engine) Refund(ctx context.Context, caller domain.Account, intentID string, amount *decimal.Decimal) (domain.PaymentIntent, error) {
	mu := e.intentLock(intentID)
	mu.Lock()
	defer mu.Unlock()

	intent, ok, err := e.store.Get(ctx, intentID)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("load intent: %w", err)
	}
	if !ok {
		return domain.PaymentIntent{}, domain.ErrNotFound
	}
	if caller.Owner != intent.Merchant.Owner {
		return domain.PaymentIntent{}, domain.ErrUnauthorized
	}
	if intent.Status != domain.StatusSucceeded {
		return domain.PaymentIntent{}, domain.ErrInvalidState
	}
	refund := intent.Amount
	if amount != nil {
		if !amount.Equal(intent.Amount) {
			return domain.PaymentIntent{}, fmt.Errorf("%w: only full refunds are supported", domain.ErrInvalidState)
		}
		refund = *amount
	}
	if intent.Payer == nil {
		return domain.PaymentIntent{}, fmt.Errorf("payer unknown for refund of %s", intentID)
	}
	info, ok := e.registry.Lookup(intent.Asset)
	if !ok {
		return domain.PaymentIntent{}, domain.ErrAssetNotRegistered
	}

	if err := e.rail.Transfer(ctx, info.LedgerID, intent.Escrow, *intent.Payer, refund); err != nil {
		transferFailures.Inc()
		return domain.PaymentIntent{}, fmt.Errorf("refund transfer: %w", err)
	}

	intent.Status = domain.StatusRefunded
	if err := e.store.Save(ctx, intent); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("save intent: %w", err)
	}
	e.log.Append(domain.Event{TS: e.clock.Now(), Kind: domain.EventRefunded, IntentID: intentID, Amount: &refund})
	transitionsTotal.WithLabelValues(string(domain.StatusRefunded)).Inc()
	return intent, nil
}

// ExpireSweep transitions every RequiresApproval intent whose
// expires_at tick has passed to Expired, appending one Expired event
// per intent. Funds were never captured, so no transfer is involved.
// Returns the number of intents expired.
func (e *Engine) ExpireSweep(ctx context.Context, now uint64) (int, error) {
	pending, err := e.store.ListByStatus(ctx, domain.StatusRequiresApproval)
	if err != nil {
		return 0, fmt.Errorf("list pending intents: %w", err)
	}
	expired := 0
	for _, intent := range pending {
		if intent.ExpiresAt > now {
			continue
		}
		mu := e.intentLock(intent.ID)
		mu.Lock()
		// Re-read under the lock; a capture may have raced the sweep.
		current, ok, err := e.store.Get(ctx, intent.ID)
		if err != nil {
			mu.Unlock()
			return expired, fmt.Errorf("load intent: %w", err)
		}
		if !ok || current.Status != domain.StatusRequiresApproval || current.ExpiresAt > now {
			mu.Unlock()
			continue
		}
		current.Status = domain.StatusExpired
		if err := e.store.Save(ctx, current); err != nil {
			mu.Unlock()
			return expired, fmt.Errorf("save intent: %w", err)
		}
		e.log.Append(domain.Event{TS: now, Kind: domain.EventExpired, IntentID: current.ID})
		transitionsTotal.WithLabelValues(string(domain.StatusExpired)).Inc()
		expired++
		mu.Unlock()
	}
	return expired, nil
}

// GetIntent returns the latest committed state of an intent. Pure
// read; never mutates.
func (e *Engine) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, bool, error) {
	return e.store.Get(ctx, id)
}

// Events exposes the engine's event log to the query surface.
func (e *Engine) Events() *eventlog.Log {
	return e.log
}
