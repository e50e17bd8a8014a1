/**
 * @description
 * This package provides a client for the optional advisory service: an external
 * text-reasoning collaborator that suggests an account for hard-to-place payment
 * references and scores withdrawal anomaly. It is strictly advisory — the
 * ledger-service functions correctly when the service is absent, slow or
 * erroring, because every caller falls through on failure.
 */
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
)

// Client is a client for the advisory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new advisory client. A short timeout keeps a slow
// advisory service from stalling payment reconciliation.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type candidateSummary struct {
	AccountID int64  `json:"account_id"`
	Reference string `json:"reference"`
	Name      string `json:"name"`
}

type matchRequest struct {
	Reference  string             `json:"reference"`
	PayerName  string             `json:"payer_name,omitempty"`
	Candidates []candidateSummary `json:"candidates"`
}

type matchResponse struct {
	AccountID  int64   `json:"account_id"`
	Confidence float64 `json:"confidence"`
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("advisory base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("advisory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("advisory request returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SuggestAccount asks the advisory service which account an unresolved payment
// reference most likely targets, returning the suggestion with its confidence.
func (c *Client) SuggestAccount(ctx context.Context, reference, payerName string, candidates []domain.Account) (int64, float64, error) {
	req := matchRequest{Reference: reference, PayerName: payerName}
	for _, candidate := range candidates {
		req.Candidates = append(req.Candidates, candidateSummary{
			AccountID: candidate.ID,
			Reference: candidate.Reference,
			Name:      candidate.Name,
		})
	}

	var resp matchResponse
	if err := c.post(ctx, "/v1/match-account", req, &resp); err != nil {
		return 0, 0, err
	}
	return resp.AccountID, resp.Confidence, nil
}

type anomalyRequest struct {
	AccountID int64  `json:"account_id"`
	Phone     string `json:"phone_number"`
	Amount    string `json:"amount"`
}

type anomalyResponse struct {
	Score float64 `json:"score"`
}

// ScoreWithdrawal asks the advisory service for an anomaly score in [0,1] for a
// proposed withdrawal.
func (c *Client) ScoreWithdrawal(ctx context.Context, accountID int64, phone string, amount decimal.Decimal) (float64, error) {
	var resp anomalyResponse
	err := c.post(ctx, "/v1/score-withdrawal", anomalyRequest{
		AccountID: accountID,
		Phone:     phone,
		Amount:    amount.String(),
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Score, nil
}
