package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/escrowpay/escrowd/internal/domain"
	"github.com/escrowpay/escrowd/internal/eventlog"
	"github.com/escrowpay/escrowd/internal/rail"
	"github.com/escrowpay/escrowd/internal/registry"
	"github.com/escrowpay/escrowd/internal/store"
)

type fakeClock struct {
	tick uint64
}

func (c *fakeClock) Now() uint64 { return c.tick }

type testEnv struct {
	engine *Engine
	rail   *rail.MemoryRail
	log    *eventlog.Log
	clock  *fakeClock
}

var (
	merchant = domain.Account{Owner: "merchant-1"}
	payerA   = domain.Account{Owner: "payer-a"}
	payeeB   = domain.Account{Owner: "payee-b"}
	payeeC   = domain.Account{Owner: "payee-c"}
)

const usdRail = "rail-usd"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New(registry.NewStaticAuthorizer("admin"))
	admin := domain.Account{Owner: "admin"}
	if err := reg.Register(admin, "USD", domain.LedgerInfo{LedgerID: usdRail, Decimals: 2}); err != nil {
		t.Fatalf("register USD: %v", err)
	}

	clock := &fakeClock{tick: 1}
	memRail := rail.NewMemoryRail()
	log := eventlog.New()
	eng := New(reg, store.NewMemoryStore(), log, memRail, clock, "escrowd")
	return &testEnv{engine: eng, rail: memRail, log: log, clock: clock}
}

func (env *testEnv) fund(a domain.Account, amount int64) {
	env.rail.Credit(usdRail, a, decimal.NewFromInt(amount))
}

func (env *testEnv) create(t *testing.T, amount int64, expiresAt uint64) domain.PaymentIntent {
	t.Helper()
	intent, err := env.engine.CreateIntent(context.Background(), merchant, CreateIntentArgs{
		Asset:     "USD",
		Amount:    decimal.NewFromInt(amount),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent
}

func (env *testEnv) eventsOf(kind domain.EventKind, intentID string) []domain.Event {
	var out []domain.Event
	for _, e := range env.log.List(0, 1<<20) {
		if e.Kind == kind && e.IntentID == intentID {
			out = append(out, e)
		}
	}
	return out
}

func TestCreateIntent(t *testing.T) {
	env := newTestEnv(t)
	intent := env.create(t, 100, 1000)

	if intent.Status != domain.StatusRequiresApproval {
		t.Errorf("status = %s, want %s", intent.Status, domain.StatusRequiresApproval)
	}
	if intent.Payer != nil {
		t.Errorf("payer should be unset at creation")
	}
	if intent.Escrow.Owner != "escrowd" || len(intent.Escrow.Subaccount) != 32 {
		t.Errorf("escrow account not derived: %+v", intent.Escrow)
	}
	if got := env.eventsOf(domain.EventIntentCreated, intent.ID); len(got) != 1 {
		t.Errorf("IntentCreated events = %d, want 1", len(got))
	}
}

func TestCreateIntentUnregisteredAsset(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.CreateIntent(context.Background(), merchant, CreateIntentArgs{
		Asset:     "BTC",
		Amount:    decimal.NewFromInt(1),
		ExpiresAt: 1000,
	})
	if !errors.Is(err, domain.ErrAssetNotRegistered) {
		t.Errorf("err = %v, want ErrAssetNotRegistered", err)
	}
}

func TestCreateIntentRejectsPastExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.clock.tick = 50
	_, err := env.engine.CreateIntent(context.Background(), merchant, CreateIntentArgs{
		Asset:     "USD",
		Amount:    decimal.NewFromInt(1),
		ExpiresAt: 50,
	})
	if !errors.Is(err, domain.ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestCreateIntentRejectsBadAmounts(t *testing.T) {
	env := newTestEnv(t)
	for _, amount := range []string{"-1", "1.5"} {
		d, _ := decimal.NewFromString(amount)
		_, err := env.engine.CreateIntent(context.Background(), merchant, CreateIntentArgs{
			Asset:     "USD",
			Amount:    d,
			ExpiresAt: 1000,
		})
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("amount %s: err = %v, want ErrInvalidState", amount, err)
		}
	}
}

// Full settlement walkthrough: create, capture at tick 500, release to
// two payees, then a refund attempt must be rejected.
func TestCaptureAndReleaseScenario(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 1000)

	env.clock.tick = 500
	captured, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if captured.Status != domain.StatusSucceeded {
		t.Errorf("status = %s, want %s", captured.Status, domain.StatusSucceeded)
	}
	if captured.Payer == nil || !captured.Payer.Equal(payerA) {
		t.Errorf("payer = %+v, want %+v", captured.Payer, payerA)
	}
	if got := env.rail.Balance(usdRail, captured.Escrow); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("escrow balance = %s, want 100", got)
	}
	capEvents := env.eventsOf(domain.EventCaptured, intent.ID)
	if len(capEvents) != 1 || !capEvents[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Captured events = %+v, want one with amount 100", capEvents)
	}

	released, err := env.engine.Release(context.Background(), merchant, intent.ID, []domain.Split{
		{To: payeeB, Amount: decimal.NewFromInt(60)},
		{To: payeeC, Amount: decimal.NewFromInt(40)},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.StatusReleased {
		t.Errorf("status = %s, want %s", released.Status, domain.StatusReleased)
	}
	if got := env.rail.Balance(usdRail, payeeB); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("payee B balance = %s, want 60", got)
	}
	if got := env.rail.Balance(usdRail, payeeC); !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("payee C balance = %s, want 40", got)
	}
	relEvents := env.eventsOf(domain.EventReleased, intent.ID)
	if len(relEvents) != 1 || !relEvents[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Released events = %+v, want one with total 100", relEvents)
	}

	_, err = env.engine.Refund(context.Background(), merchant, intent.ID, nil)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("refund after release: err = %v, want ErrInvalidState", err)
	}
}

func TestCaptureAtExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 1000)

	// The expires_at tick itself counts as expired.
	env.clock.tick = 1000
	_, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA)
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}

	got, _, _ := env.engine.GetIntent(context.Background(), intent.ID)
	if got.Status != domain.StatusRequiresApproval {
		t.Errorf("status after failed capture = %s, want unchanged", got.Status)
	}
	if got := env.rail.Balance(usdRail, intent.Escrow); !got.IsZero() {
		t.Errorf("escrow balance = %s, want 0", got)
	}
}

func TestExpireSweepScenario(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 10)

	env.clock.tick = 20
	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("capture past expiry: err = %v, want ErrExpired", err)
	}

	n, err := env.engine.ExpireSweep(context.Background(), 20)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}

	got, _, _ := env.engine.GetIntent(context.Background(), intent.ID)
	if got.Status != domain.StatusExpired {
		t.Errorf("status = %s, want %s", got.Status, domain.StatusExpired)
	}
	if got := env.eventsOf(domain.EventExpired, intent.ID); len(got) != 1 {
		t.Errorf("Expired events = %d, want exactly 1", len(got))
	}

	// A second sweep must be a no-op.
	if n, _ := env.engine.ExpireSweep(context.Background(), 30); n != 0 {
		t.Errorf("second sweep expired %d intents, want 0", n)
	}
	if got := env.eventsOf(domain.EventExpired, intent.ID); len(got) != 1 {
		t.Errorf("Expired events after re-sweep = %d, want 1", len(got))
	}
}

func TestDoubleCaptureRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 200)
	intent := env.create(t, 100, 1000)

	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); err != nil {
		t.Fatalf("first capture: %v", err)
	}
	_, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second capture: err = %v, want ErrInvalidState", err)
	}
	// No double transfer: exactly 100 left the payer.
	if got := env.rail.Balance(usdRail, payerA); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("payer balance = %s, want 100", got)
	}
}

func TestReleaseOversubscribedSplits(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 1000)
	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); err != nil {
		t.Fatalf("capture: %v", err)
	}

	_, err := env.engine.Release(context.Background(), merchant, intent.ID, []domain.Split{
		{To: payeeB, Amount: decimal.NewFromInt(80)},
		{To: payeeC, Amount: decimal.NewFromInt(40)},
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	// All-or-nothing: zero transfers happened.
	if got := env.rail.Balance(usdRail, payeeB); !got.IsZero() {
		t.Errorf("payee B balance = %s, want 0", got)
	}
	if got := env.rail.Balance(usdRail, intent.Escrow); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("escrow balance = %s, want 100", got)
	}
	got, _, _ := env.engine.GetIntent(context.Background(), intent.ID)
	if got.Status != domain.StatusSucceeded {
		t.Errorf("status = %s, want unchanged %s", got.Status, domain.StatusSucceeded)
	}
}

func TestRefund(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 1000)
	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); err != nil {
		t.Fatalf("capture: %v", err)
	}

	refunded, err := env.engine.Refund(context.Background(), merchant, intent.ID, nil)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.StatusRefunded {
		t.Errorf("status = %s, want %s", refunded.Status, domain.StatusRefunded)
	}
	if got := env.rail.Balance(usdRail, payerA); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("payer balance = %s, want 100", got)
	}
	refEvents := env.eventsOf(domain.EventRefunded, intent.ID)
	if len(refEvents) != 1 || !refEvents[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Refunded events = %+v, want one with amount 100", refEvents)
	}

	if _, err := env.engine.Refund(context.Background(), merchant, intent.ID, nil); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second refund: err = %v, want ErrInvalidState", err)
	}
}

func TestPartialRefundRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 1000)
	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); err != nil {
		t.Fatalf("capture: %v", err)
	}

	half := decimal.NewFromInt(50)
	_, err := env.engine.Refund(context.Background(), merchant, intent.ID, &half)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestCaptureTransferFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	intent := env.create(t, 100, 1000)

	// Payer has no funds; the rail call fails.
	_, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA)
	if err == nil || !errors.Is(err, rail.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want wrapped ErrInsufficientFunds", err)
	}

	got, _, _ := env.engine.GetIntent(context.Background(), intent.ID)
	if got.Status != domain.StatusRequiresApproval {
		t.Errorf("status = %s, want %s", got.Status, domain.StatusRequiresApproval)
	}
	if got.Payer != nil {
		t.Errorf("payer set despite failed transfer")
	}
	if events := env.eventsOf(domain.EventCaptured, intent.ID); len(events) != 0 {
		t.Errorf("Captured events after failure = %d, want 0", len(events))
	}

	// A retry after funding succeeds.
	env.fund(payerA, 100)
	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); err != nil {
		t.Fatalf("retry capture: %v", err)
	}
}

func TestMerchantAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 100)
	intent := env.create(t, 100, 1000)
	stranger := domain.Account{Owner: "someone-else"}

	if _, err := env.engine.Capture(context.Background(), stranger, intent.ID, payerA); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("capture: err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := env.engine.Release(context.Background(), stranger, intent.ID, nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("release: err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.engine.Refund(context.Background(), stranger, intent.ID, nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("refund: err = %v, want ErrUnauthorized", err)
	}
}

func TestCaptureUnknownIntent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Capture(context.Background(), merchant, "pi_missing", payerA)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentCaptureSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.fund(payerA, 1000)
	intent := env.create(t, 100, 1000)

	const attempts = 8
	var wg sync.WaitGroup
	var successes, conflicts int64
	var mu sync.Mutex
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := env.engine.Capture(context.Background(), merchant, intent.ID, payerA)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrInvalidState):
				conflicts++
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if conflicts != attempts-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, attempts-1)
	}
	// Exactly one transfer of 100 happened.
	if got := env.rail.Balance(usdRail, payerA); !got.Equal(decimal.NewFromInt(900)) {
		t.Errorf("payer balance = %s, want 900", got)
	}
}

func TestEscrowSubaccountDeterministic(t *testing.T) {
	a := deriveEscrowSubaccount("x")
	b := deriveEscrowSubaccount("x")
	if !bytes.Equal(a, b) {
		t.Errorf("subaccount derivation not deterministic")
	}
	if bytes.Equal(a, deriveEscrowSubaccount("y")) {
		t.Errorf("distinct intents share an escrow subaccount")
	}
}

func TestIntentIDsUnique(t *testing.T) {
	env := newTestEnv(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		intent := env.create(t, 1, 1000)
		if seen[intent.ID] {
			t.Fatalf("duplicate intent id %s", intent.ID)
		}
		seen[intent.ID] = true
	}
}
