/**
 * @description
 * This file defines the Account domain model for the ledger-service. An account
 * is the aggregate root of the ledger: every balance-affecting event references
 * exactly one account, and an account's balance must always equal the signed sum
 * of its completed transactions.
 *
 * @notes
 * - Balances and amounts use shopspring/decimal. Mobile-money amounts arrive as
 *   decimal strings and must never pass through a binary floating type.
 * - Metadata is an open key/value bag persisted as JSONB; core fields stay
 *   strongly typed.
 */

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account types. Standard accounts are fuzzy-match candidates; the complementary
// account is the singleton fallback bucket for unmatched inbound payments.
const (
	AccountTypeStandard      = "standard"
	AccountTypeComplementary = "complementary"
	AccountTypeMpesaOffline  = "mpesa_offline"
	AccountTypeMandatory     = "mandatory"
	AccountTypeProject       = "project"
)

// Account statuses.
const (
	AccountStatusActive    = "active"
	AccountStatusInactive  = "inactive"
	AccountStatusSuspended = "suspended"
)

// Account represents an internal ledger account. It maps directly to the
// `accounts` table.
type Account struct {
	ID             int64           `json:"id"`
	Reference      string          `json:"reference"`
	Name           string          `json:"name"`
	AccountType    string          `json:"account_type"`
	AccountSubtype string          `json:"account_subtype"`
	Type           string          `json:"type"`
	ParentID       *int64          `json:"parent_id,omitempty"`
	Balance        decimal.Decimal `json:"balance"`
	Status         string          `json:"status"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsActive reports whether the account may participate in balance mutations.
func (a *Account) IsActive() bool {
	return a != nil && a.Status == AccountStatusActive
}

// CreateAccountSpec is the input for creating a new account. Balance always
// starts at zero; there is no way to create an account with a pre-seeded balance.
type CreateAccountSpec struct {
	Reference      string         `json:"reference"`
	Name           string         `json:"name"`
	AccountType    string         `json:"account_type"`
	AccountSubtype string         `json:"account_subtype"`
	Type           string         `json:"type"`
	ParentID       *int64         `json:"parent_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var validAccountStatuses = map[string]bool{
	AccountStatusActive:    true,
	AccountStatusInactive:  true,
	AccountStatusSuspended: true,
}

// ValidAccountStatus reports whether s is a known lifecycle status.
func ValidAccountStatus(s string) bool {
	return validAccountStatuses[s]
}

var validAccountTypes = map[string]bool{
	AccountTypeStandard:      true,
	AccountTypeComplementary: true,
	AccountTypeMpesaOffline:  true,
	AccountTypeMandatory:     true,
	AccountTypeProject:       true,
}

// Validate checks a creation spec for well-formedness. It does not check
// reference uniqueness; that is enforced by the store's unique index.
func (s CreateAccountSpec) Validate() error {
	if strings.TrimSpace(s.Reference) == "" {
		return &ValidationError{Field: "reference", Reason: "must not be empty"}
	}
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s.Type != "" && !validAccountTypes[s.Type] {
		return &ValidationError{Field: "type", Reason: "unknown account type " + s.Type}
	}
	return nil
}

// NormalizedType returns the requested account type, defaulting to standard.
func (s CreateAccountSpec) NormalizedType() string {
	if s.Type == "" {
		return AccountTypeStandard
	}
	return s.Type
}
