package rail

import (
	"context"

	"github.com/escrowpay/escrowd/internal/domain"
	"github.com/shopspring/decimal"
)

// TransferRail is the external primitive that moves value between
// accounts on a ledger. The engine treats calls as blocking and
// failure as binary; it never retries on its own.
type TransferRail interface {
	Transfer(ctx context.Context, ledgerID string, from, to domain.Account, amount decimal.Decimal) error
}
