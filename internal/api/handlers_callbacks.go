/**
 * @description
 * This file contains the HTTP handlers for mobile-money provider callbacks. The
 * provider retries callbacks it considers failed, so every handler acknowledges
 * receipt with ResultCode 0 once the payload has been parsed, regardless of the
 * business outcome. Idempotent reconciliation makes redelivered callbacks safe.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/domain: Payment event and payout result models.
 * - github.com/shopspring/decimal: Provider amounts arrive as strings or numbers.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
)

// providerAck is the acknowledgement body the provider expects. Anything other
// than ResultCode 0 triggers a redelivery storm, so parse failures are logged
// and acked rather than surfaced.
type providerAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// c2bConfirmation is the paybill confirmation payload.
type c2bConfirmation struct {
	TransID       string          `json:"TransID"`
	TransAmount   decimal.Decimal `json:"TransAmount"`
	TransTime     string          `json:"TransTime"`
	BillRefNumber string          `json:"BillRefNumber"`
	MSISDN        string          `json:"MSISDN"`
	FirstName     string          `json:"FirstName"`
	MiddleName    string          `json:"MiddleName"`
	LastName      string          `json:"LastName"`
}

// stkCallback is the STK push confirmation envelope. The payment details
// arrive as a name/value item list rather than flat fields.
type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// b2cResult is the asynchronous payout result envelope.
type b2cResult struct {
	Result struct {
		ResultCode     int    `json:"ResultCode"`
		ResultDesc     string `json:"ResultDesc"`
		ConversationID string `json:"ConversationID"`
		TransactionID  string `json:"TransactionID"`
	} `json:"Result"`
}

// C2BConfirmationHandler handles POST /callbacks/c2b. This is the entry point
// for inbound paybill payments.
func (h *LedgerHandlers) C2BConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	var payload c2bConfirmation
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=c2b_confirmation outcome=drop reason=invalid_json err=%v", err)
		h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	event := domain.PaymentEvent{
		ProviderTransactionID: payload.TransID,
		Amount:                payload.TransAmount,
		PayerPhone:            payload.MSISDN,
		PayerName:             joinNames(payload.FirstName, payload.MiddleName, payload.LastName),
		RawReference:          payload.BillRefNumber,
		Timestamp:             parseProviderTime(payload.TransTime),
		Raw: map[string]any{
			"trans_id":        payload.TransID,
			"trans_time":      payload.TransTime,
			"bill_ref_number": payload.BillRefNumber,
			"msisdn":          payload.MSISDN,
		},
	}

	outcome, err := h.service.ReconcilePayment(r.Context(), event)
	if err != nil {
		// The callback is acked either way; unreconciled payments are retried by
		// the provider and deduped on the transaction reference.
		log.Printf("level=error component=api endpoint=c2b_confirmation outcome=error provider_tx=%s err=%v", payload.TransID, err)
		h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	log.Printf("level=info component=api endpoint=c2b_confirmation outcome=%s provider_tx=%s match=%s amount=%s", outcome.Status, payload.TransID, outcome.MatchKind, payload.TransAmount.String())
	h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// C2BValidationHandler handles POST /callbacks/c2b/validation. All inbound
// payments are accepted at validation time; risk holds happen after the money
// has been received, never by bouncing it at the provider.
func (h *LedgerHandlers) C2BValidationHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// STKCallbackHandler handles POST /callbacks/stk, the confirmation of an STK
// push prompt. A non-zero result code means the payer declined or the prompt
// timed out; nothing is reconciled.
func (h *LedgerHandlers) STKCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var payload stkCallback
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=stk_callback outcome=drop reason=invalid_json err=%v", err)
		h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	cb := payload.Body.StkCallback
	if cb.ResultCode != 0 {
		log.Printf("level=info component=api endpoint=stk_callback outcome=declined checkout_request_id=%s result_code=%d desc=%q", cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc)
		h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	event := domain.PaymentEvent{
		Raw: map[string]any{
			"merchant_request_id": cb.MerchantRequestID,
			"checkout_request_id": cb.CheckoutRequestID,
		},
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if amount, err := decimalFromAny(item.Value); err == nil {
				event.Amount = amount
			}
		case "MpesaReceiptNumber":
			if receipt, ok := item.Value.(string); ok {
				event.ProviderTransactionID = receipt
			}
		case "PhoneNumber":
			event.PayerPhone = stringFromAny(item.Value)
		case "TransactionDate":
			event.Timestamp = parseProviderTime(stringFromAny(item.Value))
		case "AccountReference":
			event.RawReference = stringFromAny(item.Value)
		}
	}

	outcome, err := h.service.ReconcilePayment(r.Context(), event)
	if err != nil {
		log.Printf("level=error component=api endpoint=stk_callback outcome=error checkout_request_id=%s err=%v", cb.CheckoutRequestID, err)
	} else {
		log.Printf("level=info component=api endpoint=stk_callback outcome=%s provider_tx=%s match=%s", outcome.Status, event.ProviderTransactionID, outcome.MatchKind)
	}

	h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// B2CResultHandler handles POST /callbacks/b2c-result, the asynchronous outcome
// of an earlier payout request.
func (h *LedgerHandlers) B2CResultHandler(w http.ResponseWriter, r *http.Request) {
	var payload b2cResult
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=b2c_result outcome=drop reason=invalid_json err=%v", err)
		h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	result := domain.PayoutResult{
		ConversationID: payload.Result.ConversationID,
		ResultCode:     payload.Result.ResultCode,
		ResultDesc:     payload.Result.ResultDesc,
	}
	if payload.Result.TransactionID != "" {
		txID := payload.Result.TransactionID
		result.ProviderTxID = &txID
	}

	if err := h.service.HandlePayoutResult(r.Context(), result); err != nil {
		log.Printf("level=error component=api endpoint=b2c_result outcome=error conversation_id=%s err=%v", result.ConversationID, err)
	} else {
		log.Printf("level=info component=api endpoint=b2c_result outcome=processed conversation_id=%s result_code=%d", result.ConversationID, result.ResultCode)
	}

	h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// B2CTimeoutHandler handles POST /callbacks/b2c-timeout. Timed-out payouts stay
// in initiated until the audit sweep expires them.
func (h *LedgerHandlers) B2CTimeoutHandler(w http.ResponseWriter, r *http.Request) {
	log.Printf("level=warn component=api endpoint=b2c_timeout msg=\"payout queue timeout reported by provider\"")
	h.writeJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// decimalFromAny converts the provider's numeric metadata values, which arrive
// as JSON numbers or strings depending on the product.
func decimalFromAny(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", value)
	}
}

func stringFromAny(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func joinNames(parts ...string) string {
	var nonEmpty []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			nonEmpty = append(nonEmpty, trimmed)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// parseProviderTime parses the provider's yyyymmddHHMMSS timestamps. A missing
// or malformed timestamp falls back to receipt time.
func parseProviderTime(raw string) time.Time {
	if t, err := time.Parse("20060102150405", strings.TrimSpace(raw)); err == nil {
		return t
	}
	return time.Now().UTC()
}
