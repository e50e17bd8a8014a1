/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - github.com/shopspring/decimal: Parsing monetary amounts from request bodies.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/app"
	"github.com/chumapay/ledger-service/internal/domain"
	"github.com/chumapay/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

type transferRequest struct {
	SourceAccountID      int64  `json:"source_account_id"`
	DestinationAccountID int64  `json:"destination_account_id"`
	Amount               string `json:"amount"`
	Note                 string `json:"note"`
}

type withdrawalRequest struct {
	AccountID   int64  `json:"account_id"`
	PhoneNumber string `json:"phone_number"`
	Amount      string `json:"amount"`
}

type reviewRequest struct {
	Reason string `json:"reason"`
}

// CreateAccountHandler handles POST /accounts.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var spec domain.CreateAccountSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		log.Printf("level=warn component=api endpoint=create_account outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	account, err := h.service.CreateAccount(r.Context(), spec)
	if err != nil {
		var validation *domain.ValidationError
		if errors.As(err, &validation) {
			h.writeError(w, http.StatusBadRequest, validation.Error())
			return
		}
		if errors.Is(err, store.ErrDuplicateAccountReference) {
			h.writeError(w, http.StatusConflict, "An account with this reference already exists")
			return
		}
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusBadRequest, "Parent account not found")
			return
		}
		log.Printf("level=error component=api endpoint=create_account outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create account")
		return
	}

	log.Printf("level=info component=api endpoint=create_account outcome=created account_id=%d reference=%s", account.ID, account.Reference)
	h.writeJSON(w, http.StatusCreated, account)
}

// GetAccountHandler handles GET /accounts/by-reference/{reference}.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	account, err := h.service.GetAccountByReference(r.Context(), reference)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_account outcome=failed reference=%s err=%v", reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch account")
		return
	}

	h.writeJSON(w, http.StatusOK, account)
}

// ChangeAccountReferenceHandler handles PUT /accounts/{id}/reference.
func (h *LedgerHandlers) ChangeAccountReferenceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.ChangeAccountReference(r.Context(), accountID, req.Reference); err != nil {
		var validation *domain.ValidationError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrDuplicateAccountReference):
			h.writeError(w, http.StatusConflict, "An account with this reference already exists")
		default:
			log.Printf("level=error component=api endpoint=change_reference outcome=failed account_id=%d err=%v", accountID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to change account reference")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ChangeAccountStatusHandler handles PUT /accounts/{id}/status.
func (h *LedgerHandlers) ChangeAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.ChangeAccountStatus(r.Context(), accountID, req.Status); err != nil {
		var validation *domain.ValidationError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		default:
			log.Printf("level=error component=api endpoint=change_status outcome=failed account_id=%d err=%v", accountID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to change account status")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DeleteAccountHandler handles DELETE /accounts/{id}. Accounts with ledger
// history cannot be deleted.
func (h *LedgerHandlers) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteAccount(r.Context(), accountID); err != nil {
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrAccountHasTransactions):
			h.writeError(w, http.StatusConflict, "Account has ledger history and cannot be deleted")
		case errors.Is(err, store.ErrAccountHasChildren):
			h.writeError(w, http.StatusConflict, "Account has child accounts and cannot be deleted")
		default:
			log.Printf("level=error component=api endpoint=delete_account outcome=failed account_id=%d err=%v", accountID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to delete account")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BalanceHandler handles GET /accounts/{id}/balance. It returns both the stored
// balance and the balance reconstructed from the transaction log so operators
// can spot drift.
func (h *LedgerHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	reconstructed, err := h.service.ReconstructBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=balance outcome=failed account_id=%d err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to compute balance")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"account_id":            strconv.FormatInt(accountID, 10),
		"reconstructed_balance": reconstructed.String(),
	})
}

// TransferHandler handles POST /transfers for internal account-to-account moves.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}

	caller, _ := GetCallerService(r.Context())
	log.Printf("level=info component=api endpoint=transfer outcome=accepted caller=%s source=%d destination=%d amount=%s", caller, req.SourceAccountID, req.DestinationAccountID, amount.String())

	result, err := h.service.Transfer(r.Context(), req.SourceAccountID, req.DestinationAccountID, amount, req.Note)
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=failed source=%d destination=%d err=%v", req.SourceAccountID, req.DestinationAccountID, err)
		var validation *domain.ValidationError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Error())
		case errors.Is(err, app.ErrSameAccountTransfer), errors.Is(err, app.ErrComplementaryTransfer):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrAccountNotActive):
			h.writeError(w, http.StatusConflict, "Account is not active")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient funds")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// WithdrawalHandler handles POST /withdrawals. The balance is not debited here;
// settlement happens when the payout result arrives. A held withdrawal returns
// 202 to signal the caller that manual approval is pending.
func (h *LedgerHandlers) WithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=withdrawal outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}

	result, err := h.service.RequestWithdrawal(r.Context(), req.AccountID, req.PhoneNumber, amount)
	if err != nil {
		log.Printf("level=warn component=api endpoint=withdrawal outcome=failed account_id=%d err=%v", req.AccountID, err)
		var validation *domain.ValidationError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrAccountNotActive):
			h.writeError(w, http.StatusConflict, "Account is not active")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient funds")
		case errors.Is(err, app.ErrRateLimited):
			w.Header().Set("Retry-After", "60")
			h.writeError(w, http.StatusTooManyRequests, "Too many withdrawal requests; try again shortly")
		case errors.Is(err, app.ErrLimitExceeded):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, app.ErrPayoutGateway):
			h.writeError(w, http.StatusBadGateway, "Payout provider is unavailable; the withdrawal was not initiated")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	status := http.StatusCreated
	if result.Held {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

// ApproveWithdrawalHandler handles POST /withdrawals/{id}/approve for
// withdrawals parked in pending_approval by the risk gate.
func (h *LedgerHandlers) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	caller, _ := GetCallerService(r.Context())
	log.Printf("level=info component=api endpoint=approve_withdrawal caller=%s transaction_id=%d", caller, transactionID)

	tx, err := h.service.ApproveWithdrawal(r.Context(), transactionID)
	if err != nil {
		h.writeReviewError(w, "approve_withdrawal", transactionID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

// RejectWithdrawalHandler handles POST /withdrawals/{id}/reject.
func (h *LedgerHandlers) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.RejectWithdrawal(r.Context(), transactionID, req.Reason); err != nil {
		h.writeReviewError(w, "reject_withdrawal", transactionID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// ApproveHeldCreditHandler handles POST /reviews/{id}/approve for inbound
// payments held by the risk gate. Approval credits the account.
func (h *LedgerHandlers) ApproveHeldCreditHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.service.ApproveHeldCredit(r.Context(), transactionID)
	if err != nil {
		h.writeReviewError(w, "approve_held_credit", transactionID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

// RejectHeldCreditHandler handles POST /reviews/{id}/reject.
func (h *LedgerHandlers) RejectHeldCreditHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.RejectHeldCredit(r.Context(), transactionID, req.Reason); err != nil {
		h.writeReviewError(w, "reject_held_credit", transactionID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *LedgerHandlers) writeReviewError(w http.ResponseWriter, endpoint string, transactionID int64, err error) {
	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrInvalidStatusTransition):
		h.writeError(w, http.StatusConflict, "Transaction is not awaiting review")
	case errors.Is(err, app.ErrPayoutGateway):
		h.writeError(w, http.StatusBadGateway, "Payout provider is unavailable")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed transaction_id=%d err=%v", endpoint, transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// pathID parses a numeric id path parameter, writing a 400 on failure.
func (h *LedgerHandlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %q", name, raw))
		return 0, false
	}
	return id, true
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
