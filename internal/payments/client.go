// Package payments forwards charge requests from authenticated callers to
// the external payment gateway. It defines no payment model of its own.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxResponseBytes  = 1 << 20
)

// ErrGateway reports a transport failure or a non-2xx answer from the
// gateway. It maps to 502.
var ErrGateway = fmt.Errorf("payments: gateway: %w", httpx.ErrBadGateway)

// ChargeRequest is forwarded verbatim to the gateway.
type ChargeRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,iso4217"`
	Source      string `json:"source" validate:"required,max=255"`
	Description string `json:"description,omitempty" validate:"max=500"`
	AccountID   string `json:"account_id"`
}

// GatewayResponse is the gateway's accepted answer.
type GatewayResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client wraps interactions with the payment gateway API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping checks if the gateway is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Join(ErrGateway, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: health returned status %d", ErrGateway, resp.StatusCode)
	}
	return nil
}

// Charge posts a charge with the given idempotency key.
func (c *Client) Charge(ctx context.Context, charge ChargeRequest, idempotencyKey string) (GatewayResponse, error) {
	payload, err := json.Marshal(charge)
	if err != nil {
		return GatewayResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/charges", c.baseURL), bytes.NewReader(payload))
	if err != nil {
		return GatewayResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return GatewayResponse{}, errors.Join(ErrGateway, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return GatewayResponse{}, errors.Join(ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return GatewayResponse{}, fmt.Errorf("%w: charge returned status %d", ErrGateway, resp.StatusCode)
	}
	return GatewayResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
