// Package wallet talks to the wallet provider sidecar over HTTP and turns
// its loosely shaped JSON into the engine's typed wallet values.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentpay/spendguard"
)

// ============================================================================
// HTTP Wallet Client
// ============================================================================

// DefaultURL is the sidecar address used when none is configured
const DefaultURL = "http://127.0.0.1:8787"

// retries on 429 for idempotent reads
const (
	readRetries        = 3
	readRetryBaseDelay = 500 * time.Millisecond
)

// Config configures the HTTP wallet client
type Config struct {
	// URL is the base URL of the wallet sidecar
	URL string

	// APIKey is sent as a bearer token (optional)
	APIKey string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// Client implements spendguard.Wallet against the sidecar
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a wallet client
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	base := strings.TrimRight(config.URL, "/")
	if base == "" {
		base = DefaultURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{url: base, apiKey: config.APIKey, httpClient: httpClient}
}

// ============================================================================
// spendguard.Wallet Implementation
// ============================================================================

// Balance implements spendguard.Wallet
func (c *Client) Balance(ctx context.Context) (spendguard.Balance, error) {
	var out struct {
		Balance *int64 `json:"balance"`
		Sats    *int64 `json:"sats"`
	}
	if err := c.get(ctx, "/balance", &out); err != nil {
		return spendguard.Balance{}, err
	}
	switch {
	case out.Balance != nil:
		return spendguard.Balance{Sats: *out.Balance}, nil
	case out.Sats != nil:
		return spendguard.Balance{Sats: *out.Sats}, nil
	}
	return spendguard.Balance{}, fmt.Errorf("wallet balance response has no balance field")
}

// Address implements spendguard.Wallet
func (c *Client) Address(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.get(ctx, "/address", &out); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", fmt.Errorf("wallet returned an empty address")
	}
	return out.Address, nil
}

// CreateLightningInvoice implements spendguard.Wallet
func (c *Client) CreateLightningInvoice(ctx context.Context, req spendguard.InvoiceRequest) (spendguard.Invoice, error) {
	return c.createInvoice(ctx, "/invoices/lightning", spendguard.InvoiceLightning, req)
}

// CreateNativeInvoice implements spendguard.Wallet
func (c *Client) CreateNativeInvoice(ctx context.Context, req spendguard.InvoiceRequest) (spendguard.Invoice, error) {
	return c.createInvoice(ctx, "/invoices/native", spendguard.InvoiceNative, req)
}

func (c *Client) createInvoice(ctx context.Context, path string, kind spendguard.InvoiceKind, req spendguard.InvoiceRequest) (spendguard.Invoice, error) {
	var raw map[string]interface{}
	if err := c.post(ctx, path, req, &raw); err != nil {
		return spendguard.Invoice{}, err
	}
	inv, err := decodeInvoice(raw, kind)
	if err != nil {
		return spendguard.Invoice{}, err
	}
	if inv.AmountSats == 0 {
		inv.AmountSats = req.AmountSats
	}
	if inv.Memo == "" {
		inv.Memo = req.Memo
	}
	if inv.ExpirySeconds == 0 {
		inv.ExpirySeconds = req.ExpirySeconds
	}
	return inv, nil
}

// EstimateLightningFee implements spendguard.Wallet
func (c *Client) EstimateLightningFee(ctx context.Context, invoice string) (int64, error) {
	var out struct {
		FeeSats *int64 `json:"feeSats"`
		Fee     *int64 `json:"fee"`
	}
	if err := c.post(ctx, "/lightning/fee-estimate", map[string]string{"invoice": invoice}, &out); err != nil {
		return 0, err
	}
	switch {
	case out.FeeSats != nil:
		return *out.FeeSats, nil
	case out.Fee != nil:
		return *out.Fee, nil
	}
	return 0, fmt.Errorf("fee estimate response has no fee field")
}

// PayLightningInvoice implements spendguard.Wallet
func (c *Client) PayLightningInvoice(ctx context.Context, invoice string, maxFeeSats int64) (spendguard.PaymentResult, error) {
	body := map[string]interface{}{"invoice": invoice, "maxFeeSats": maxFeeSats}
	var raw json.RawMessage
	if err := c.post(ctx, "/lightning/pay", body, &raw); err != nil {
		return nil, err
	}
	return DecodePaymentResult(raw)
}

// LightningSendStatus implements spendguard.Wallet
func (c *Client) LightningSendStatus(ctx context.Context, id string) (spendguard.PaymentResult, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/lightning/pay/"+url.PathEscape(id), &raw); err != nil {
		return nil, err
	}
	return DecodePaymentResult(raw)
}

// Transfer implements spendguard.Wallet
func (c *Client) Transfer(ctx context.Context, address string, amountSats int64) (*spendguard.WalletTransfer, error) {
	body := map[string]interface{}{"receiverAddress": address, "amountSats": amountSats}
	var t spendguard.WalletTransfer
	if err := c.post(ctx, "/transfers", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransfers implements spendguard.Wallet
func (c *Client) ListTransfers(ctx context.Context, limit, offset int) ([]spendguard.WalletTransfer, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out struct {
		Transfers []spendguard.WalletTransfer `json:"transfers"`
	}
	if err := c.get(ctx, "/transfers?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

// ============================================================================
// Boundary Decoding
// ============================================================================

// DecodePaymentResult resolves a raw payment response into one of the
// PaymentResult variants by inspecting which fields are present. Responses
// wrapped in a "request" or "transfer" envelope are unwrapped first.
func DecodePaymentResult(data []byte) (spendguard.PaymentResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode payment result: %w", err)
	}

	for _, envelope := range []string{"request", "transfer"} {
		if inner, ok := fields[envelope]; ok && len(fields) == 1 {
			return DecodePaymentResult(inner)
		}
	}

	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := fields[k]; ok {
				return true
			}
		}
		return false
	}

	switch {
	case has("transferDirection", "totalValue"):
		var t spendguard.WalletTransfer
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode wallet transfer: %w", err)
		}
		return &t, nil

	case has("encodedInvoice", "paymentPreimage", "transferId") || lightningStatus(fields["status"]):
		var r spendguard.LightningSendRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode lightning send request: %w", err)
		}
		return &r, nil
	}

	return nil, fmt.Errorf("unrecognized payment result: %s", truncate(string(data), 200))
}

func lightningStatus(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	s = strings.ToUpper(s)
	return strings.HasPrefix(s, "LIGHTNING_") || strings.HasPrefix(s, "PREIMAGE_") || strings.HasPrefix(s, "TRANSFER_")
}

func decodeInvoice(raw map[string]interface{}, kind spendguard.InvoiceKind) (spendguard.Invoice, error) {
	inv := spendguard.Invoice{Kind: kind}
	inv.ID = stringField(raw, "id")
	inv.Encoded = stringField(raw, "invoice", "encodedInvoice", "paymentRequest", "address")
	inv.PaymentHash = stringField(raw, "paymentHash")
	inv.Memo = stringField(raw, "memo", "description")
	inv.AmountSats = intField(raw, "amountSats", "amount")
	inv.ExpirySeconds = intField(raw, "expirySeconds", "expiry")
	if ts := stringField(raw, "createdAt", "createdTime"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			inv.CreatedAt = t.UTC()
		}
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.Encoded == "" {
		return inv, fmt.Errorf("wallet invoice response carries no invoice")
	}
	return inv, nil
}

func stringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intField(raw map[string]interface{}, keys ...string) int64 {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := range readRetries {
		status, err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err

		// Retry on 429 with exponential backoff, except on the last attempt
		if status == http.StatusTooManyRequests && attempt < readRetries-1 {
			delay := readRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return err
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	_, err := c.do(ctx, http.MethodPost, path, in, out)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal wallet request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create wallet request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("wallet request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read wallet response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("wallet %s %s failed (%d): %s", method, path, resp.StatusCode, errorMessage(responseBody))
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode wallet response: %w", err)
	}
	return resp.StatusCode, nil
}

// errorMessage extracts the provider's message so stale-fragment markers
// survive into the returned error text
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case e.Message != "" && e.Error != "":
			return e.Error + ": " + e.Message
		case e.Message != "":
			return e.Message
		case e.Error != "":
			return e.Error
		}
	}
	return truncate(strings.TrimSpace(string(body)), 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ensure Client implements spendguard.Wallet
var _ spendguard.Wallet = (*Client)(nil)
