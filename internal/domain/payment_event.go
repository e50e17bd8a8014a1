/**
 * @description
 * This file defines the decoded shapes of events exchanged with the mobile-money
 * provider: inbound payment confirmations (C2B webhooks and STK-push callbacks)
 * and asynchronous B2C payout results. The webhook receiver decodes provider
 * payloads into these structs before handing them to the reconciliation engine.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentEvent is a decoded inbound payment confirmation. The provider may
// redeliver the same event any number of times; ProviderTransactionID is the
// idempotency key.
type PaymentEvent struct {
	ProviderTransactionID string          `json:"provider_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
	PayerPhone            string          `json:"payer_phone"`
	PayerName             string          `json:"payer_name"`
	RawReference          string          `json:"raw_reference"`
	Timestamp             time.Time       `json:"timestamp"`
	// Raw carries the untouched provider payload for the transaction audit trail.
	Raw map[string]any `json:"raw,omitempty"`
}

// PayoutResult is the asynchronous outcome of a B2C payout request, correlated
// to the originating withdrawal by ConversationID. ResultCode 0 means success.
type PayoutResult struct {
	ConversationID string  `json:"conversation_id"`
	ResultCode     int     `json:"result_code"`
	ResultDesc     string  `json:"result_desc"`
	ProviderTxID   *string `json:"provider_transaction_id,omitempty"`
}

// Succeeded reports whether the payout completed at the provider.
func (r PayoutResult) Succeeded() bool {
	return r.ResultCode == 0
}

// Reconciliation outcome statuses returned by the engine. These are expected
// business branches, not errors.
const (
	ReconcileCommitted = "committed"
	ReconcileDuplicate = "duplicate"
	ReconcileHeld      = "held"
	ReconcileRejected  = "rejected"
)

// ReconcileOutcome is the typed result of processing one inbound payment event.
type ReconcileOutcome struct {
	Status      string          `json:"status"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	Account     *Account        `json:"account,omitempty"`
	MatchKind   string          `json:"match_kind,omitempty"`
	Assessment  *RiskAssessment `json:"risk_assessment,omitempty"`
}
