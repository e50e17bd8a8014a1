/**
 * @description
 * This file defines the Transaction domain model: the immutable, append-only
 * record of every balance-affecting event. The transaction log is the source of
 * truth — account balances are reconstructable from the signed sum of completed
 * entries, and the globally unique `reference` column is the idempotency backbone
 * for redelivered mobile-money callbacks.
 *
 * @notes
 * - Once a transaction reaches `completed`, its amount, account and type are
 *   frozen. Corrections are appended as new transactions, never edits.
 * - Status transitions are one-directional except the manual-review branch
 *   (pending_review/pending_approval -> completed or failed).
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TransactionTypeCredit = "credit"
	TransactionTypeDebit  = "debit"
)

// Transaction statuses.
const (
	TransactionStatusPending         = "pending"
	TransactionStatusInitiated       = "initiated"
	TransactionStatusCompleted       = "completed"
	TransactionStatusFailed          = "failed"
	TransactionStatusPendingReview   = "pending_review"
	TransactionStatusPendingApproval = "pending_approval"
	TransactionStatusCancelled       = "cancelled"
)

// Payment methods recorded on transactions.
const (
	PaymentMethodMpesa    = "mpesa"
	PaymentMethodB2C      = "b2c"
	PaymentMethodInternal = "internal"
)

// Transaction is the central ledger record for any money movement. It maps
// directly to the `transactions` table.
type Transaction struct {
	ID                    int64           `json:"id"`
	Reference             string          `json:"reference"`
	ProviderTransactionID *string         `json:"provider_transaction_id,omitempty"`
	TransferReference     *string         `json:"transfer_reference,omitempty"`
	AccountID             int64           `json:"account_id"`
	Amount                decimal.Decimal `json:"amount"`
	Type                  string          `json:"type"`
	Status                string          `json:"status"`
	PaymentMethod         string          `json:"payment_method"`
	PhoneNumber           string          `json:"phone_number,omitempty"`
	PayerName             string          `json:"payer_name,omitempty"`
	Metadata              map[string]any  `json:"metadata,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// SignedAmount returns the amount with the sign implied by the transaction type.
// Credits are positive, debits negative.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Type == TransactionTypeDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// IsTerminal reports whether the transaction has reached a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// allowedTransitions encodes the one-directional status machine. The only
// backward-looking branch is the manual-review decision out of the two
// held states.
var allowedTransitions = map[string]map[string]bool{
	TransactionStatusPending: {
		TransactionStatusInitiated: true,
		TransactionStatusCompleted: true,
		TransactionStatusFailed:    true,
		TransactionStatusCancelled: true,
	},
	TransactionStatusInitiated: {
		TransactionStatusCompleted: true,
		TransactionStatusFailed:    true,
		TransactionStatusCancelled: true,
	},
	TransactionStatusPendingReview: {
		TransactionStatusCompleted: true,
		TransactionStatusFailed:    true,
	},
	TransactionStatusPendingApproval: {
		TransactionStatusPending:   true,
		TransactionStatusCompleted: true,
		TransactionStatusFailed:    true,
		TransactionStatusCancelled: true,
	},
}

// CanTransition reports whether moving a transaction from one status to another
// is legal under the ledger's state machine.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	return allowedTransitions[from][to]
}
