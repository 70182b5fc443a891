package domain

import (
	"bytes"

	"github.com/shopspring/decimal"
)

// Account identifies a party on the external transfer rail: an owner
// identity plus an optional subaccount discriminator.
type Account struct {
	Owner      string `json:"owner"`
	Subaccount []byte `json:"subaccount,omitempty"`
}

// Equal reports structural equality, including the subaccount bytes.
func (a Account) Equal(b Account) bool {
	return a.Owner == b.Owner && bytes.Equal(a.Subaccount, b.Subaccount)
}

// LedgerInfo maps a registered asset to its transfer rail and precision.
type LedgerInfo struct {
	LedgerID string `json:"ledger_id"`
	Decimals uint8  `json:"decimals"`
}

// IntentStatus is the lifecycle state of a PaymentIntent.
type IntentStatus string

const (
	StatusRequiresApproval IntentStatus = "REQUIRES_APPROVAL"
	StatusSucceeded        IntentStatus = "SUCCEEDED"
	StatusReleased         IntentStatus = "RELEASED"
	StatusRefunded         IntentStatus = "REFUNDED"
	StatusExpired          IntentStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible from s.
func (s IntentStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusExpired
}

// MetadataPair is one opaque key/value entry attached to an intent.
// Entry order is preserved verbatim from creation.
type MetadataPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PaymentIntent is the central escrow record.
// Payer stays nil until a capture identifies the paying party.
type PaymentIntent struct {
	ID        string          `json:"id"`
	Merchant  Account         `json:"merchant"`
	Payer     *Account        `json:"payer,omitempty"`
	Escrow    Account         `json:"escrow"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Status    IntentStatus    `json:"status"`
	CreatedAt uint64          `json:"created_at"`
	ExpiresAt uint64          `json:"expires_at"`
	Metadata  []MetadataPair  `json:"metadata,omitempty"`
}

// Split directs a share of released escrow funds to one payee.
type Split struct {
	To     Account         `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// ValidAmount reports whether d is usable as an escrow amount:
// a non-negative integer of arbitrary precision.
func ValidAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.IsInteger()
}
