/**
 * @description
 * This package provides a client for the card/UPI payment provider used to sell credit
 * packages. It covers the narrow surface the credit-service relies on: creating an order
 * for a priced credit package and verifying/parsing the provider's webhook deliveries.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/rs/zerolog: Structured logging.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ProviderName is recorded on every payment order created through this client.
const ProviderName = "razorpay"

// Client is a client for the payment provider API.
type Client struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	HTTPClient    *http.Client
}

// NewClient creates a new payment provider client.
func NewClient(baseURL, keyID, keySecret, webhookSecret string) *Client {
	return &Client{
		BaseURL:       strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		KeyID:         keyID,
		KeySecret:     keySecret,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider identifier stored on orders.
func (c *Client) Name() string {
	return ProviderName
}

// CreateOrderRequest is the payload for the provider's order endpoint.
// Amount is in the currency's minor unit.
type CreateOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Order is the provider's representation of a created order.
type Order struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Detail     struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Reason      string `json:"reason"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Detail.Description != "" {
		return fmt.Sprintf("payment api error (status %d): %s - %s", e.StatusCode, e.Detail.Code, e.Detail.Description)
	}
	return fmt.Sprintf("payment api error (status %d)", e.StatusCode)
}

// CreateOrder creates an order the user will pay against.
func (c *Client) CreateOrder(ctx context.Context, reqPayload CreateOrderRequest) (*Order, error) {
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/orders", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.KeyID, c.KeySecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute order request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read order response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Warn().Str("component", "payment_client").Str("op", "create_order").Int("status", resp.StatusCode).
				Msg("non-2xx response (unparsable error body)")
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Warn().Str("component", "payment_client").Str("op", "create_order").Int("status", resp.StatusCode).
			Str("code", errResp.Detail.Code).Str("detail", errResp.Detail.Description).Msg("order creation rejected")
		return nil, errResp
	}

	var order Order
	if err := json.Unmarshal(bodyBytes, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("order response missing id")
	}
	return &order, nil
}
