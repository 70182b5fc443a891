package rail

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/escrowpay/escrowd/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// MemoryRail is an in-process TransferRail with per-account balances.
// It backs local runs, the seeder, and tests; production deployments
// swap in an adapter for the real rail.
type MemoryRail struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func NewMemoryRail() *MemoryRail {
	return &MemoryRail{balances: make(map[string]decimal.Decimal)}
}

func key(ledgerID string, a domain.Account) string {
	return ledgerID + "|" + a.Owner + "|" + hex.EncodeToString(a.Subaccount)
}

// Credit mints amount into an account. Test and seed helper only.
func (r *MemoryRail) Credit(ledgerID string, to domain.Account, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(ledgerID, to)
	r.balances[k] = r.balances[k].Add(amount)
}

// Balance returns the current balance of an account on a ledger.
func (r *MemoryRail) Balance(ledgerID string, a domain.Account) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[key(ledgerID, a)]
}

func (r *MemoryRail) Transfer(ctx context.Context, ledgerID string, from, to domain.Account, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("negative transfer amount %s", amount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fk, tk := key(ledgerID, from), key(ledgerID, to)
	if r.balances[fk].Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, r.balances[fk], amount)
	}
	r.balances[fk] = r.balances[fk].Sub(amount)
	r.balances[tk] = r.balances[tk].Add(amount)
	return nil
}

var _ TransferRail = (*MemoryRail)(nil)
