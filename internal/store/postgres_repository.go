/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all SQL for the accounts table and the append-only transactions
 * table, including the failure-atomic balance mutation primitives.
 *
 * The critical invariant lives here: a balance update and its transaction log
 * append always happen inside one database transaction, with the account row
 * locked via SELECT ... FOR UPDATE. A unique index on transactions.reference
 * turns a redelivered event that races past the cheap existence check into a
 * unique violation, which rolls back the whole unit — no double credit.
 *
 * @dependencies
 * - context, encoding/json, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - github.com/shopspring/decimal: Money amounts.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound           = errors.New("account not found")
	ErrAccountNotActive          = errors.New("account not active")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrDuplicateReference        = errors.New("duplicate transaction reference")
	ErrDuplicateAccountReference = errors.New("duplicate account reference")
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrAccountHasTransactions    = errors.New("account has transaction history")
	ErrAccountHasChildren        = errors.New("account has child accounts")
	ErrInvalidStatusTransition   = errors.New("invalid transaction status transition")
)

// Reserved references for the singleton system accounts.
const (
	complementaryReference = "COMPLEMENTARY"
	offlineReference       = "MPESA-OFFLINE"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

func unmarshalMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

const accountColumns = `id, reference, name, account_type, account_subtype, type, parent_id, balance, status, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	var rawMetadata []byte
	err := row.Scan(
		&account.ID, &account.Reference, &account.Name, &account.AccountType,
		&account.AccountSubtype, &account.Type, &account.ParentID, &account.Balance,
		&account.Status, &rawMetadata, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.Metadata = unmarshalMetadata(rawMetadata)
	return &account, nil
}

const transactionColumns = `id, reference, provider_transaction_id, transfer_reference, conversation_id, account_id, amount, type, status, payment_method, COALESCE(phone_number, ''), COALESCE(payer_name, ''), metadata, created_at, updated_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var rawMetadata []byte
	var conversationID *string
	err := row.Scan(
		&tx.ID, &tx.Reference, &tx.ProviderTransactionID, &tx.TransferReference,
		&conversationID, &tx.AccountID, &tx.Amount, &tx.Type, &tx.Status,
		&tx.PaymentMethod, &tx.PhoneNumber, &tx.PayerName, &rawMetadata,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Metadata = unmarshalMetadata(rawMetadata)
	if conversationID != nil {
		if tx.Metadata == nil {
			tx.Metadata = map[string]any{}
		}
		tx.Metadata["conversation_id"] = *conversationID
	}
	return &tx, nil
}

// CreateAccount inserts a new account with a zero balance and active status.
func (r *PostgresRepository) CreateAccount(ctx context.Context, spec domain.CreateAccountSpec) (*domain.Account, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rawMetadata, err := marshalMetadata(spec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal account metadata: %w", err)
	}

	query := `
		INSERT INTO accounts (reference, name, account_type, account_subtype, type, parent_id, balance, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 'active', $7)
		RETURNING ` + accountColumns
	account, err := scanAccount(r.db.QueryRow(ctx, query,
		spec.Reference, spec.Name, spec.AccountType, spec.AccountSubtype,
		spec.NormalizedType(), spec.ParentID, rawMetadata,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateAccountReference
		}
		return nil, err
	}
	return account, nil
}

// FindAccountByID retrieves an account by its numeric id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// FindAccountByReference retrieves an account by its human-readable reference.
// An absent account is a normal reconciliation branch, signalled by ErrAccountNotFound.
func (r *PostgresRepository) FindAccountByReference(ctx context.Context, reference string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE upper(btrim(reference)) = upper(btrim($1))`
	account, err := scanAccount(r.db.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (r *PostgresRepository) findOrCreateSystemAccount(ctx context.Context, reference, name, accountType string) (*domain.Account, error) {
	// Upsert keeps the account a singleton even under concurrent first payments.
	query := `
		INSERT INTO accounts (reference, name, account_type, account_subtype, type, balance, status, metadata)
		VALUES ($1, $2, 'system', 'system', $3, 0, 'active', '{}')
		ON CONFLICT (reference) DO UPDATE SET updated_at = NOW()
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRow(ctx, query, reference, name, accountType))
}

// FindOrCreateComplementaryAccount returns the singleton fallback bucket that
// absorbs otherwise-unmatched inbound payments.
func (r *PostgresRepository) FindOrCreateComplementaryAccount(ctx context.Context) (*domain.Account, error) {
	return r.findOrCreateSystemAccount(ctx, complementaryReference, "Complementary Balance", domain.AccountTypeComplementary)
}

// FindOrCreateOfflineAccount returns the singleton account credited for the
// reserved "OFF" offline-receipts reference.
func (r *PostgresRepository) FindOrCreateOfflineAccount(ctx context.Context) (*domain.Account, error) {
	return r.findOrCreateSystemAccount(ctx, offlineReference, "Offline Receipts", domain.AccountTypeMpesaOffline)
}

// ListActiveStandardAccounts returns active standard accounts ordered by id.
// Ascending id keeps fuzzy-match candidate iteration deterministic.
func (r *PostgresRepository) ListActiveStandardAccounts(ctx context.Context) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE type = 'standard' AND status = 'active' ORDER BY id ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// UpdateAccountStatus updates an account's lifecycle status.
func (r *PostgresRepository) UpdateAccountStatus(ctx context.Context, id int64, status string) error {
	result, err := r.db.Exec(ctx, `UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateAccountReference changes an account's reference and returns the previous
// value so callers can invalidate resolver cache entries keyed on it.
func (r *PostgresRepository) UpdateAccountReference(ctx context.Context, id int64, reference string) (string, error) {
	var previous string
	err := r.db.QueryRow(ctx, `
		UPDATE accounts a SET reference = $1, updated_at = NOW()
		FROM (SELECT reference FROM accounts WHERE id = $2) old
		WHERE a.id = $2
		RETURNING old.reference
	`, reference, id).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		if isUniqueViolation(err) {
			return "", ErrDuplicateAccountReference
		}
		return "", err
	}
	return previous, nil
}

// DeleteAccount hard-deletes an account, refusing while it has any transaction
// history or child accounts.
func (r *PostgresRepository) DeleteAccount(ctx context.Context, id int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var hasTransactions bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = $1)`, id).Scan(&hasTransactions); err != nil {
		return err
	}
	if hasTransactions {
		return ErrAccountHasTransactions
	}

	var hasChildren bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE parent_id = $1)`, id).Scan(&hasChildren); err != nil {
		return err
	}
	if hasChildren {
		return ErrAccountHasChildren
	}

	result, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit(ctx)
}

// lockAccount acquires the row-level exclusive lock for an account inside an
// open transaction and returns its current balance and status.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID int64) (decimal.Decimal, string, error) {
	var balance decimal.Decimal
	var status string
	err := tx.QueryRow(ctx, `SELECT balance, status FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, "", ErrAccountNotFound
		}
		return decimal.Zero, "", err
	}
	return balance, status, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, record *domain.Transaction) error {
	rawMetadata, err := marshalMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}

	query := `
		INSERT INTO transactions (reference, provider_transaction_id, transfer_reference, account_id, amount, type, status, payment_method, phone_number, payer_name, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		record.Reference, record.ProviderTransactionID, record.TransferReference,
		record.AccountID, record.Amount, record.Type, record.Status,
		record.PaymentMethod, record.PhoneNumber, record.PayerName, rawMetadata,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

// CreditAccountAtomic locks the account row, appends a completed credit
// transaction and applies the balance change, all in one database transaction.
// A duplicate reference rolls back the entire unit and surfaces
// ErrDuplicateReference, which callers treat as "already processed".
func (r *PostgresRepository) CreditAccountAtomic(ctx context.Context, accountID int64, record *domain.Transaction) (decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	balance, status, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if status != domain.AccountStatusActive {
		return decimal.Zero, ErrAccountNotActive
	}

	record.AccountID = accountID
	record.Type = domain.TransactionTypeCredit
	record.Status = domain.TransactionStatusCompleted
	if err := insertTransaction(ctx, tx, record); err != nil {
		return decimal.Zero, err
	}

	newBalance := balance.Add(record.Amount)
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, accountID); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// TransferAtomic moves funds between two accounts. Rows are locked in ascending
// id order so two opposite-direction transfers can never deadlock, and the
// paired debit+credit rows share one transfer reference.
func (r *PostgresRepository) TransferAtomic(ctx context.Context, sourceID, destinationID int64, amount decimal.Decimal, transferRef string, note string) (*domain.Transaction, *domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	first, second := sourceID, destinationID
	if second < first {
		first, second = second, first
	}

	locked := make(map[int64]struct {
		balance decimal.Decimal
		status  string
	}, 2)
	for _, id := range []int64{first, second} {
		balance, status, err := lockAccount(ctx, tx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = struct {
			balance decimal.Decimal
			status  string
		}{balance, status}
	}

	if locked[sourceID].status != domain.AccountStatusActive || locked[destinationID].status != domain.AccountStatusActive {
		return nil, nil, ErrAccountNotActive
	}
	if locked[sourceID].balance.LessThan(amount) {
		return nil, nil, ErrInsufficientFunds
	}

	metadata := map[string]any{"note": note}
	debit := &domain.Transaction{
		Reference:         transferRef + "-D",
		TransferReference: &transferRef,
		AccountID:         sourceID,
		Amount:            amount,
		Type:              domain.TransactionTypeDebit,
		Status:            domain.TransactionStatusCompleted,
		PaymentMethod:     domain.PaymentMethodInternal,
		Metadata:          metadata,
	}
	credit := &domain.Transaction{
		Reference:         transferRef + "-C",
		TransferReference: &transferRef,
		AccountID:         destinationID,
		Amount:            amount,
		Type:              domain.TransactionTypeCredit,
		Status:            domain.TransactionStatusCompleted,
		PaymentMethod:     domain.PaymentMethodInternal,
		Metadata:          metadata,
	}
	if err := insertTransaction(ctx, tx, debit); err != nil {
		return nil, nil, err
	}
	if err := insertTransaction(ctx, tx, credit); err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`, amount, sourceID); err != nil {
		return nil, nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, amount, destinationID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// SettleWithdrawalAtomic finalizes a confirmed payout: the balance is only
// decremented here, once the provider has confirmed the B2C transfer, never at
// request time. Redelivered results are no-ops thanks to the status guard.
func (r *PostgresRepository) SettleWithdrawalAtomic(ctx context.Context, transactionID int64, providerTxID string) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	record, err := scanTransaction(tx.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if record.Status == domain.TransactionStatusCompleted {
		// Redelivered result; settlement already happened.
		return record, nil
	}
	if !domain.CanTransition(record.Status, domain.TransactionStatusCompleted) {
		return nil, ErrInvalidStatusTransition
	}

	balance, status, err := lockAccount(ctx, tx, record.AccountID)
	if err != nil {
		return nil, err
	}
	if status != domain.AccountStatusActive {
		return nil, ErrAccountNotActive
	}
	if balance.LessThan(record.Amount) {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET status = 'completed', provider_transaction_id = $1, updated_at = NOW() WHERE id = $2
	`, providerTxID, transactionID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`, record.Amount, record.AccountID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	record.Status = domain.TransactionStatusCompleted
	record.ProviderTransactionID = &providerTxID
	return record, nil
}

// SettleHeldCreditAtomic completes a credit that was held for review: the
// status moves to completed and the balance is credited in one transaction.
// Redelivered approvals are no-ops.
func (r *PostgresRepository) SettleHeldCreditAtomic(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	record, err := scanTransaction(tx.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if record.Status == domain.TransactionStatusCompleted {
		return record, nil
	}
	if record.Type != domain.TransactionTypeCredit || !domain.CanTransition(record.Status, domain.TransactionStatusCompleted) {
		return nil, ErrInvalidStatusTransition
	}

	_, status, err := lockAccount(ctx, tx, record.AccountID)
	if err != nil {
		return nil, err
	}
	if status != domain.AccountStatusActive {
		return nil, ErrAccountNotActive
	}

	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = 'completed', updated_at = NOW() WHERE id = $1`, transactionID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, record.Amount, record.AccountID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	record.Status = domain.TransactionStatusCompleted
	return record, nil
}

// CreateTransaction inserts a standalone transaction row (pending withdrawals,
// held-for-review credits). It does not touch any balance.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, record *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, record); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TransactionExistsByReference is the cheap existence probe used to
// short-circuit redelivered webhooks before any state-changing work.
func (r *PostgresRepository) TransactionExistsByReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE reference = $1)`, reference).Scan(&exists)
	return exists, err
}

// FindTransactionByID retrieves a transaction by its numeric id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	record, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindTransactionByReference retrieves a transaction by its unique reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	record, err := scanTransaction(r.db.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindTransactionByConversationID correlates an asynchronous payout result back
// to the withdrawal that initiated it.
func (r *PostgresRepository) FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE conversation_id = $1`
	record, err := scanTransaction(r.db.QueryRow(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return record, nil
}

// UpdateTransactionStatus moves a transaction between statuses, enforcing the
// one-directional state machine with a guarded update.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, id int64, from, to string) error {
	if !domain.CanTransition(from, to) {
		return ErrInvalidStatusTransition
	}
	result, err := r.db.Exec(ctx, `UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidStatusTransition
	}
	return nil
}

// MarkTransactionFailed records a terminal failure and its reason. Completed
// transactions are never touched.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id int64, reason string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed', metadata = metadata || jsonb_build_object('failure_reason', $1::text), updated_at = NOW()
		WHERE id = $2 AND status NOT IN ('completed', 'failed')
	`, reason, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidStatusTransition
	}
	return nil
}

// AttachConversationID stores the payout gateway correlation id on a withdrawal.
func (r *PostgresRepository) AttachConversationID(ctx context.Context, id int64, conversationID string) error {
	result, err := r.db.Exec(ctx, `UPDATE transactions SET conversation_id = $1, updated_at = NOW() WHERE id = $2`, conversationID, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// AccountHasTransactions reports whether any transaction references the account.
func (r *PostgresRepository) AccountHasTransactions(ctx context.Context, accountID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = $1)`, accountID).Scan(&exists)
	return exists, err
}

// SumByAccount returns the signed sum of matching transactions for an account.
// With the default filter (completed, both types) it reconstructs the balance.
func (r *PostgresRepository) SumByAccount(ctx context.Context, accountID int64, filter TransactionFilter) (decimal.Decimal, error) {
	status := filter.Status
	if status == "" {
		status = domain.TransactionStatusCompleted
	}

	query := `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount ELSE amount END), 0)
		FROM transactions
		WHERE account_id = $1 AND status = $2
		  AND ($3 = '' OR type = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
	`
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, query, accountID, status, filter.Type, filter.From, filter.To).Scan(&sum)
	return sum, err
}

// CountDebitsSince counts completed debits for an account in a trailing window.
func (r *PostgresRepository) CountDebitsSince(ctx context.Context, accountID int64, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE account_id = $1 AND type = 'debit' AND status = 'completed' AND created_at >= $2
	`, accountID, since).Scan(&count)
	return count, err
}

// SumDebitsSince totals completed debits for an account in a trailing window.
// The risk gate uses it for the rolling daily cap.
func (r *PostgresRepository) SumDebitsSince(ctx context.Context, accountID int64, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_id = $1 AND type = 'debit' AND status = 'completed' AND created_at >= $2
	`, accountID, since).Scan(&sum)
	return sum, err
}

// ListAccountsForAudit returns the least-recently audited accounts for the
// balance reconciliation sweep.
func (r *PostgresRepository) ListAccountsForAudit(ctx context.Context, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY updated_at ASC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// ListStalePendingWithdrawals returns outbound transactions stuck in pending or
// initiated past the cutoff, for the audit sweep to expire.
func (r *PostgresRepository) ListStalePendingWithdrawals(ctx context.Context, olderThan time.Time) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE type = 'debit' AND payment_method = 'b2c' AND status IN ('pending', 'initiated') AND created_at < $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *record)
	}
	return transactions, rows.Err()
}
