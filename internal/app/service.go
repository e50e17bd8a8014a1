/**
 * @description
 * This file contains the core business logic of the ledger-service. The
 * `Service` struct orchestrates the payment reconciliation pipeline for inbound
 * mobile-money events (deduplicate -> resolve -> risk-check -> commit -> notify)
 * and the transfer/withdrawal flows, coordinating the repository, the reference
 * resolver, the risk gate, the payout gateway and the event producer.
 *
 * The central correctness property lives in ReconcilePayment: the balance
 * mutation and the transaction log append are one failure-atomic repository
 * call, so a redelivered callback that races past the cheap existence check
 * collapses into a duplicate-reference rollback instead of a double credit.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Transfer and withdrawal references.
 * - github.com/shopspring/decimal: Money amounts.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Post-commit event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
	"github.com/chumapay/ledger-service/internal/store"
	"github.com/chumapay/ledger-service/pkg/rabbitmq"
)

const eventsExchange = "chumapay.events"

var (
	// ErrSameAccountTransfer rejects transfers where source equals destination.
	ErrSameAccountTransfer = errors.New("transfer source and destination are the same account")
	// ErrComplementaryTransfer rejects transfers between two complementary
	// bucket accounts.
	ErrComplementaryTransfer = errors.New("transfers between complementary accounts are not allowed")
)

// PayoutGateway is the outbound B2C collaborator. The result arrives later via
// a separate callback correlated by conversation id; retries with backoff are
// the gateway's job, not this service's.
type PayoutGateway interface {
	InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reason string) (conversationID string, err error)
}

// TransferResult is the typed outcome of an internal transfer: the paired
// debit and credit rows sharing one transfer reference.
type TransferResult struct {
	Reference string              `json:"reference"`
	Debit     *domain.Transaction `json:"debit"`
	Credit    *domain.Transaction `json:"credit"`
}

// WithdrawalResult is the typed outcome of a withdrawal request.
type WithdrawalResult struct {
	Transaction *domain.Transaction   `json:"transaction"`
	Assessment  domain.RiskAssessment `json:"risk_assessment"`
	Held        bool                  `json:"held"`
}

// Service provides the core business logic of the ledger.
type Service struct {
	repo     store.Repository
	resolver *Resolver
	gate     *Gate
	payout   PayoutGateway
	producer rabbitmq.Publisher
}

// NewService creates a new ledger service instance. payout and producer may be
// nil in degraded deployments; withdrawals then fail fast and events are skipped.
func NewService(repo store.Repository, resolver *Resolver, gate *Gate, payout PayoutGateway, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		gate:     gate,
		payout:   payout,
		producer: producer,
	}
}

// publishEvent emits a post-commit event. Notification is best-effort by
// contract: a failed publish is logged and never unwinds committed money
// movement.
func (s *Service) publishEvent(ctx context.Context, routingKey string, body any) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, eventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed; continuing\" routing_key=%s err=%v", routingKey, err)
	}
}

// ReconcilePayment processes one decoded inbound payment event exactly once.
// Pipeline: deduplicate -> resolve account -> risk-check -> atomic commit ->
// notify. Duplicate deliveries at any point return a duplicate outcome, which
// callers acknowledge to the provider as success.
func (s *Service) ReconcilePayment(ctx context.Context, event domain.PaymentEvent) (domain.ReconcileOutcome, error) {
	if strings.TrimSpace(event.ProviderTransactionID) == "" {
		return domain.ReconcileOutcome{}, &domain.ValidationError{Field: "provider_transaction_id", Reason: "must not be empty"}
	}
	if !event.Amount.IsPositive() {
		return domain.ReconcileOutcome{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	// Step 1: cheap dedupe before any state-changing work. Providers redeliver
	// callbacks; the reference column is the idempotency key.
	exists, err := s.repo.TransactionExistsByReference(ctx, event.ProviderTransactionID)
	if err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		existing, err := s.repo.FindTransactionByReference(ctx, event.ProviderTransactionID)
		if err != nil {
			return domain.ReconcileOutcome{}, fmt.Errorf("load duplicate: %w", err)
		}
		return domain.ReconcileOutcome{Status: domain.ReconcileDuplicate, Transaction: existing}, nil
	}

	// Step 2: resolve the payer-supplied reference to an account.
	account, matchKind, err := s.resolver.Resolve(ctx, event.RawReference, event.PayerName)
	if err != nil {
		return domain.ReconcileOutcome{}, fmt.Errorf("resolve reference %q: %w", event.RawReference, err)
	}

	// Step 3: risk gate. Rate-limit errors propagate; a hold persists the row
	// without touching the balance.
	assessment, err := s.gate.CheckInbound(ctx, event)
	if err != nil {
		return domain.ReconcileOutcome{}, err
	}

	record := &domain.Transaction{
		Reference:             event.ProviderTransactionID,
		ProviderTransactionID: &event.ProviderTransactionID,
		AccountID:             account.ID,
		Amount:                event.Amount,
		Type:                  domain.TransactionTypeCredit,
		PaymentMethod:         domain.PaymentMethodMpesa,
		PhoneNumber:           event.PayerPhone,
		PayerName:             event.PayerName,
		Metadata:              reconcileMetadata(event, matchKind, assessment),
	}

	if assessment.Decision == domain.RiskDecisionHold {
		record.Status = domain.TransactionStatusPendingReview
		if err := s.repo.CreateTransaction(ctx, record); err != nil {
			if errors.Is(err, store.ErrDuplicateReference) {
				existing, findErr := s.repo.FindTransactionByReference(ctx, event.ProviderTransactionID)
				if findErr != nil {
					return domain.ReconcileOutcome{}, fmt.Errorf("load duplicate: %w", findErr)
				}
				return domain.ReconcileOutcome{Status: domain.ReconcileDuplicate, Transaction: existing}, nil
			}
			return domain.ReconcileOutcome{}, fmt.Errorf("persist held payment: %w", err)
		}
		s.publishEvent(ctx, "payment.held", record)
		return domain.ReconcileOutcome{
			Status:      domain.ReconcileHeld,
			Transaction: record,
			Account:     account,
			MatchKind:   matchKind,
			Assessment:  &assessment,
		}, nil
	}

	// Step 4: commit. Lock + append + balance update is one failure-atomic
	// repository call; a duplicate slipping past step 1 rolls the whole unit
	// back and surfaces here as ErrDuplicateReference.
	newBalance, err := s.repo.CreditAccountAtomic(ctx, account.ID, record)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			existing, findErr := s.repo.FindTransactionByReference(ctx, event.ProviderTransactionID)
			if findErr != nil {
				return domain.ReconcileOutcome{}, fmt.Errorf("load duplicate: %w", findErr)
			}
			return domain.ReconcileOutcome{Status: domain.ReconcileDuplicate, Transaction: existing}, nil
		}
		return domain.ReconcileOutcome{}, fmt.Errorf("commit credit: %w", err)
	}

	log.Printf("level=info component=service msg=\"payment reconciled\" reference=%s account_id=%d amount=%s match=%s balance=%s",
		event.ProviderTransactionID, account.ID, event.Amount.String(), matchKind, newBalance.String())

	s.publishEvent(ctx, "payment.credited", record)
	return domain.ReconcileOutcome{
		Status:      domain.ReconcileCommitted,
		Transaction: record,
		Account:     account,
		MatchKind:   matchKind,
		Assessment:  &assessment,
	}, nil
}

func reconcileMetadata(event domain.PaymentEvent, matchKind string, assessment domain.RiskAssessment) map[string]any {
	metadata := map[string]any{
		"match_kind": matchKind,
	}
	for k, v := range assessment.Metadata() {
		metadata[k] = v
	}
	if event.RawReference != "" {
		metadata["raw_reference"] = event.RawReference
	}
	if len(event.Raw) > 0 {
		metadata["provider_payload"] = event.Raw
	}
	return metadata
}

// Transfer moves funds between two internal accounts. Both rows are locked in
// ascending-id order inside one atomic unit and the paired debit+credit rows
// share a single transfer reference.
func (s *Service) Transfer(ctx context.Context, sourceID, destinationID int64, amount decimal.Decimal, note string) (*TransferResult, error) {
	if !amount.IsPositive() {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if sourceID == destinationID {
		return nil, ErrSameAccountTransfer
	}

	source, err := s.repo.FindAccountByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}
	destination, err := s.repo.FindAccountByID(ctx, destinationID)
	if err != nil {
		return nil, fmt.Errorf("load destination account: %w", err)
	}
	if !source.IsActive() || !destination.IsActive() {
		return nil, store.ErrAccountNotActive
	}
	if source.Type == domain.AccountTypeComplementary && destination.Type == domain.AccountTypeComplementary {
		return nil, ErrComplementaryTransfer
	}
	if source.Balance.LessThan(amount) {
		return nil, store.ErrInsufficientFunds
	}

	transferRef := "TRF-" + uuid.NewString()
	debit, credit, err := s.repo.TransferAtomic(ctx, sourceID, destinationID, amount, transferRef, note)
	if err != nil {
		return nil, fmt.Errorf("transfer commit: %w", err)
	}

	log.Printf("level=info component=service msg=\"transfer completed\" reference=%s source_id=%d destination_id=%d amount=%s",
		transferRef, sourceID, destinationID, amount.String())

	result := &TransferResult{Reference: transferRef, Debit: debit, Credit: credit}
	s.publishEvent(ctx, "transfer.completed", result)
	return result, nil
}

// RequestWithdrawal starts an outbound B2C payout. The balance is NOT debited
// here — only once the provider confirms the payout — so a failed gateway call
// can never lose funds. A risk hold persists the request as pending_approval
// and makes no payout call at all.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID int64, phone string, amount decimal.Decimal) (*WithdrawalResult, error) {
	if !amount.IsPositive() {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if strings.TrimSpace(phone) == "" {
		return nil, &domain.ValidationError{Field: "phone_number", Reason: "must not be empty"}
	}

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.IsActive() {
		return nil, store.ErrAccountNotActive
	}
	if account.Balance.LessThan(amount) {
		return nil, store.ErrInsufficientFunds
	}

	assessment, err := s.gate.EvaluateWithdrawal(ctx, account, phone, amount)
	if err != nil {
		return nil, err
	}

	record := &domain.Transaction{
		Reference:     "WD-" + uuid.NewString(),
		AccountID:     account.ID,
		Amount:        amount,
		Type:          domain.TransactionTypeDebit,
		PaymentMethod: domain.PaymentMethodB2C,
		PhoneNumber:   phone,
		Metadata:      assessment.Metadata(),
	}

	if assessment.Decision == domain.RiskDecisionHold {
		record.Status = domain.TransactionStatusPendingApproval
		if err := s.repo.CreateTransaction(ctx, record); err != nil {
			return nil, fmt.Errorf("persist held withdrawal: %w", err)
		}
		s.publishEvent(ctx, "withdrawal.held", record)
		return &WithdrawalResult{Transaction: record, Assessment: assessment, Held: true}, nil
	}

	record.Status = domain.TransactionStatusPending
	if err := s.repo.CreateTransaction(ctx, record); err != nil {
		return nil, fmt.Errorf("persist withdrawal: %w", err)
	}

	if err := s.initiatePayout(ctx, record); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "withdrawal.requested", record)
	return &WithdrawalResult{Transaction: record, Assessment: assessment}, nil
}

func (s *Service) initiatePayout(ctx context.Context, record *domain.Transaction) error {
	if s.payout == nil {
		reason := "payout gateway not configured"
		if err := s.repo.MarkTransactionFailed(ctx, record.ID, reason); err != nil {
			log.Printf("level=error component=service msg=\"failed to mark withdrawal failed\" transaction_id=%d err=%v", record.ID, err)
		}
		record.Status = domain.TransactionStatusFailed
		return fmt.Errorf("%w: %s", ErrPayoutGateway, reason)
	}

	conversationID, err := s.payout.InitiatePayout(ctx, record.PhoneNumber, record.Amount, "Withdrawal "+record.Reference)
	if err != nil {
		// Nothing has been debited; mark the row failed and surface the error.
		if markErr := s.repo.MarkTransactionFailed(ctx, record.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=service msg=\"failed to mark withdrawal failed\" transaction_id=%d err=%v", record.ID, markErr)
		}
		record.Status = domain.TransactionStatusFailed
		return fmt.Errorf("%w: %v", ErrPayoutGateway, err)
	}

	if err := s.repo.AttachConversationID(ctx, record.ID, conversationID); err != nil {
		return fmt.Errorf("attach conversation id: %w", err)
	}
	if err := s.repo.UpdateTransactionStatus(ctx, record.ID, record.Status, domain.TransactionStatusInitiated); err != nil {
		return fmt.Errorf("mark withdrawal initiated: %w", err)
	}
	record.Status = domain.TransactionStatusInitiated
	return nil
}

// HandlePayoutResult applies an asynchronous B2C result. A success settles the
// withdrawal (debit + completion in one atomic unit), a failure marks the row
// failed with the provider's reason. Redeliveries are no-ops.
func (s *Service) HandlePayoutResult(ctx context.Context, result domain.PayoutResult) error {
	record, err := s.repo.FindTransactionByConversationID(ctx, result.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=service msg=\"payout result for unknown conversation; dropping\" conversation_id=%s", result.ConversationID)
			return nil
		}
		return fmt.Errorf("lookup withdrawal: %w", err)
	}

	if result.Succeeded() {
		providerTxID := ""
		if result.ProviderTxID != nil {
			providerTxID = *result.ProviderTxID
		}
		settled, err := s.repo.SettleWithdrawalAtomic(ctx, record.ID, providerTxID)
		if err != nil {
			return fmt.Errorf("settle withdrawal: %w", err)
		}
		s.publishEvent(ctx, "withdrawal.completed", settled)
		return nil
	}

	if err := s.repo.MarkTransactionFailed(ctx, record.ID, result.ResultDesc); err != nil {
		if errors.Is(err, store.ErrInvalidStatusTransition) {
			// Already terminal; redelivered result.
			return nil
		}
		return fmt.Errorf("mark withdrawal failed: %w", err)
	}
	s.publishEvent(ctx, "withdrawal.failed", record)
	return nil
}

// ApproveWithdrawal releases a held withdrawal for payout: the manual-review
// decision out of pending_approval.
func (s *Service) ApproveWithdrawal(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	record, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.TransactionStatusPendingApproval {
		return nil, store.ErrInvalidStatusTransition
	}
	if err := s.repo.UpdateTransactionStatus(ctx, record.ID, domain.TransactionStatusPendingApproval, domain.TransactionStatusPending); err != nil {
		return nil, err
	}
	record.Status = domain.TransactionStatusPending

	if err := s.initiatePayout(ctx, record); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, "withdrawal.approved", record)
	return record, nil
}

// RejectWithdrawal terminally declines a held withdrawal.
func (s *Service) RejectWithdrawal(ctx context.Context, transactionID int64, reason string) error {
	record, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if record.Status != domain.TransactionStatusPendingApproval {
		return store.ErrInvalidStatusTransition
	}
	if err := s.repo.MarkTransactionFailed(ctx, record.ID, reason); err != nil {
		return err
	}
	s.publishEvent(ctx, "withdrawal.rejected", record)
	return nil
}

// ApproveHeldCredit commits an inbound payment previously held for review.
func (s *Service) ApproveHeldCredit(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	settled, err := s.repo.SettleHeldCreditAtomic(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, "payment.credited", settled)
	return settled, nil
}

// RejectHeldCredit terminally declines an inbound payment held for review.
func (s *Service) RejectHeldCredit(ctx context.Context, transactionID int64, reason string) error {
	record, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if record.Status != domain.TransactionStatusPendingReview {
		return store.ErrInvalidStatusTransition
	}
	return s.repo.MarkTransactionFailed(ctx, record.ID, reason)
}

// CreateAccount provisions a new ledger account with balance zero.
func (s *Service) CreateAccount(ctx context.Context, spec domain.CreateAccountSpec) (*domain.Account, error) {
	return s.repo.CreateAccount(ctx, spec)
}

// DeleteAccount removes an account unless it has transaction history or
// children. The cheap history probe runs first; the delete re-checks both
// conditions inside its own transaction.
func (s *Service) DeleteAccount(ctx context.Context, id int64) error {
	hasHistory, err := s.repo.AccountHasTransactions(ctx, id)
	if err != nil {
		return err
	}
	if hasHistory {
		return store.ErrAccountHasTransactions
	}
	return s.repo.DeleteAccount(ctx, id)
}

// ChangeAccountStatus moves an account through its lifecycle. A non-active
// account stops resolving and refuses balance mutation at the row lock, so a
// suspension takes effect from the next inbound payment.
func (s *Service) ChangeAccountStatus(ctx context.Context, id int64, status string) error {
	if !domain.ValidAccountStatus(status) {
		return &domain.ValidationError{Field: "status", Reason: "unknown account status " + status}
	}
	account, err := s.repo.FindAccountByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateAccountStatus(ctx, id, status); err != nil {
		return err
	}
	if account.Status != status {
		s.resolver.InvalidateReference(ctx, account.Reference)
	}
	return nil
}

// GetAccountByReference looks an account up by its reference string.
func (s *Service) GetAccountByReference(ctx context.Context, reference string) (*domain.Account, error) {
	return s.repo.FindAccountByReference(ctx, reference)
}

// ChangeAccountReference renames an account's reference and invalidates any
// cached resolution keyed on the previous value.
func (s *Service) ChangeAccountReference(ctx context.Context, id int64, reference string) error {
	previous, err := s.repo.UpdateAccountReference(ctx, id, reference)
	if err != nil {
		return err
	}
	s.resolver.InvalidateReference(ctx, previous)
	return nil
}

// ReconstructBalance returns the signed sum of an account's completed
// transactions — the source-of-truth balance.
func (s *Service) ReconstructBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return s.repo.SumByAccount(ctx, accountID, store.TransactionFilter{})
}

// VerifyAccountInvariant compares an account's stored balance to its
// reconstructed balance. A mismatch is fatal — it indicates a bug.
func (s *Service) VerifyAccountInvariant(ctx context.Context, account *domain.Account) error {
	reconstructed, err := s.ReconstructBalance(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("reconstruct balance: %w", err)
	}
	if !reconstructed.Equal(account.Balance) {
		return fmt.Errorf("%w: account %d stored=%s reconstructed=%s",
			ErrInvariantViolation, account.ID, account.Balance.String(), reconstructed.String())
	}
	return nil
}
