/**
 * @description
 * This package provides a client for the mobile-money gateway's B2C payout API.
 * It encapsulates OAuth token acquisition, request construction and response
 * parsing. Payouts are asynchronous: InitiatePayout returns a conversation id,
 * and the final outcome arrives later on the B2C result callback correlated by
 * that id. Retry with backoff on transient failure is the gateway's
 * responsibility, not the caller's.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Payout amounts.
 */
package darajaclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the mobile-money gateway.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	initiatorName  string
	credential     string
	resultURL      string
	timeoutURL     string
	httpClient     *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Config carries the gateway credentials and callback endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	InitiatorName  string
	Credential     string
	ResultURL      string
	TimeoutURL     string
}

// NewClient creates a new gateway client.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		initiatorName:  cfg.InitiatorName,
		credential:     cfg.Credential,
		resultURL:      cfg.ResultURL,
		timeoutURL:     cfg.TimeoutURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a cached OAuth access token, refreshing it when within a
// minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	ttl := 55 * time.Minute
	if seconds, err := time.ParseDuration(tr.ExpiresIn + "s"); err == nil && seconds > 0 {
		ttl = seconds
	}
	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.accessToken, nil
}

// B2CRequest is the payload for a business-to-customer payment request.
type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             string `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// B2CResponse is the synchronous acknowledgment of a payout request.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// InitiatePayout requests an outbound B2C transfer to a customer phone number
// and returns the conversation id used to correlate the asynchronous result.
func (c *Client) InitiatePayout(ctx context.Context, phone string, amount decimal.Decimal, reason string) (string, error) {
	accessToken, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	payload := B2CRequest{
		InitiatorName:      c.initiatorName,
		SecurityCredential: c.credential,
		CommandID:          "BusinessPayment",
		Amount:             amount.String(),
		PartyA:             c.shortCode,
		PartyB:             phone,
		Remarks:            reason,
		QueueTimeOutURL:    c.timeoutURL,
		ResultURL:          c.resultURL,
		Occasion:           reason,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := c.baseURL + "/mpesa/b2c/v1/paymentrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("b2c request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read b2c response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("b2c request returned %d: %s", resp.StatusCode, string(raw))
	}

	var b2cResp B2CResponse
	if err := json.Unmarshal(raw, &b2cResp); err != nil {
		return "", fmt.Errorf("decode b2c response: %w", err)
	}
	if b2cResp.ResponseCode != "0" {
		return "", fmt.Errorf("b2c request rejected: code=%s desc=%s", b2cResp.ResponseCode, b2cResp.ResponseDescription)
	}
	if b2cResp.ConversationID == "" {
		return "", fmt.Errorf("b2c response missing conversation id")
	}

	return b2cResp.ConversationID, nil
}
