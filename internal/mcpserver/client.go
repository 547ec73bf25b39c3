package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a skinsettle deployment.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // Operator API key, e.g. "sk_..."
	AdminSecret string // Optional; enables the administrative tools
}

// Client is a thin HTTP client for the skinsettle API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, string(e.Body))
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if admin {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Code = parsed.Error
			apiErr.Message = parsed.Message
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// StartSettlementInput mirrors the settlement start request.
type StartSettlementInput struct {
	SettlementID    string `json:"settlementId"`
	SellerIdentity  string `json:"sellerIdentity"`
	BuyerIdentity   string `json:"buyerIdentity"`
	BuyerToken      string `json:"buyerToken,omitempty"`
	AssetID         string `json:"assetId"`
	AssetInstanceID string `json:"assetInstanceId,omitempty"`
	DeadlineSeconds int64  `json:"deadlineSeconds,omitempty"`
}

// StartSettlement begins a settlement. A rejection comes back as an
// *APIError with status 422 whose body holds the reason.
func (c *Client) StartSettlement(ctx context.Context, in StartSettlementInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/settlements", nil, in, false)
}

// GetSettlement returns one settlement record.
func (c *Client) GetSettlement(ctx context.Context, settlementID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements/"+url.PathEscape(settlementID), nil, nil, false)
}

// ListSettlements lists settlements where identity is buyer or seller.
func (c *Client) ListSettlements(ctx context.Context, identity string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/identities/" + url.PathEscape(identity) + "/settlements"
	return c.doRequest(ctx, http.MethodGet, path, q, nil, false)
}

// GetReceipt returns the delivery receipt of a settlement.
func (c *Client) GetReceipt(ctx context.Context, settlementID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/receipts/"+url.PathEscape(settlementID), nil, nil, false)
}

// VerifyReceipt checks a stored receipt's signature.
func (c *Client) VerifyReceipt(ctx context.Context, settlementID string) (json.RawMessage, error) {
	body := map[string]string{"settlementId": settlementID}
	return c.doRequest(ctx, http.MethodPost, "/v1/receipts/verify", nil, body, false)
}

// VerifyDelivery asks the oracle to check delivery now.
func (c *Client) VerifyDelivery(ctx context.Context, settlementID string) (json.RawMessage, error) {
	path := "/v1/admin/settlements/" + url.PathEscape(settlementID) + "/verify"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil, true)
}

// OracleStatus returns the watch list and Steam budget.
func (c *Client) OracleStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/oracle", nil, nil, true)
}
