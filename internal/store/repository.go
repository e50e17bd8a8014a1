/**
 * @description
 * This file defines the `Repository` interface: the contract for all data access
 * required by the ledger-service. Business logic depends on this interface, not
 * on PostgreSQL directly, which keeps the reconciliation engine testable with
 * in-memory fakes.
 *
 * The atomic mutation methods (CreditAccountAtomic, TransferAtomic,
 * SettleWithdrawalAtomic, SettleHeldCreditAtomic) are the only sanctioned ways
 * to change a balance. Each combines the row lock, the balance update and the transaction
 * log append into a single failure-atomic unit.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Arbitrary-precision money amounts.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
)

// TransactionFilter narrows aggregate queries over the transaction log.
type TransactionFilter struct {
	Type   string // credit | debit | "" for both
	Status string // defaults to completed
	From   *time.Time
	To     *time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods
	CreateAccount(ctx context.Context, spec domain.CreateAccountSpec) (*domain.Account, error)
	FindAccountByID(ctx context.Context, id int64) (*domain.Account, error)
	FindAccountByReference(ctx context.Context, reference string) (*domain.Account, error)
	FindOrCreateComplementaryAccount(ctx context.Context) (*domain.Account, error)
	FindOrCreateOfflineAccount(ctx context.Context) (*domain.Account, error)
	// ListActiveStandardAccounts returns active standard accounts ordered by
	// ascending id. The ordering is load-bearing: it makes fuzzy-match
	// tie-breaking deterministic (lowest id wins).
	ListActiveStandardAccounts(ctx context.Context) ([]domain.Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status string) error
	UpdateAccountReference(ctx context.Context, id int64, reference string) (string, error)
	DeleteAccount(ctx context.Context, id int64) error

	// Atomic balance mutation methods. Each executes lock -> check -> append ->
	// update -> commit inside one database transaction.
	CreditAccountAtomic(ctx context.Context, accountID int64, tx *domain.Transaction) (decimal.Decimal, error)
	TransferAtomic(ctx context.Context, sourceID, destinationID int64, amount decimal.Decimal, transferRef string, note string) (debit *domain.Transaction, credit *domain.Transaction, err error)
	SettleWithdrawalAtomic(ctx context.Context, transactionID int64, providerTxID string) (*domain.Transaction, error)
	SettleHeldCreditAtomic(ctx context.Context, transactionID int64) (*domain.Transaction, error)

	// Transaction log methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	TransactionExistsByReference(ctx context.Context, reference string) (bool, error)
	FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id int64, from, to string) error
	MarkTransactionFailed(ctx context.Context, id int64, reason string) error
	AttachConversationID(ctx context.Context, id int64, conversationID string) error
	AccountHasTransactions(ctx context.Context, accountID int64) (bool, error)

	// Aggregates for balance reconstruction, audits and risk-gate windows.
	SumByAccount(ctx context.Context, accountID int64, filter TransactionFilter) (decimal.Decimal, error)
	CountDebitsSince(ctx context.Context, accountID int64, since time.Time) (int, error)
	SumDebitsSince(ctx context.Context, accountID int64, since time.Time) (decimal.Decimal, error)

	// Audit sweep support
	ListAccountsForAudit(ctx context.Context, limit int) ([]domain.Account, error)
	ListStalePendingWithdrawals(ctx context.Context, olderThan time.Time) ([]domain.Transaction, error)
}
