// Package apiclient is a thin HTTP client for the escrow API, shared by the
// MCP server and escrowctl.
package apiclient

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

// DefaultTimeout bounds a single API call.
const DefaultTimeout = 30 * time.Second

// Config holds the connection settings.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // JWT bearer token
}

// Client calls the escrow HTTP API and returns raw JSON bodies.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a new API client.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Error is a non-2xx API response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow fetches one escrow with its dispute.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, nil)
}

// ListEscrows lists the caller's escrows, or userID's when the caller is an
// arbiter. Newest first.
func (c *Client) ListEscrows(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("userId", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows", q, nil)
}

// GetDispute fetches one dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(id), nil, nil)
}

// ListActiveDisputes lists open and under-review disputes (arbiter only).
func (c *Client) ListActiveDisputes(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes", q, nil)
}

// Resolution is the body of a dispute resolution.
type Resolution struct {
	Type           string `json:"resolutionType"`
	AmountToClient string `json:"amountToClient"`
	AmountToTasker string `json:"amountToTasker"`
	Reason         string `json:"reason"`
	Notes          string `json:"notes,omitempty"`
}

// ResolveDispute resolves a dispute and moves the money (arbiter only).
func (c *Client) ResolveDispute(ctx context.Context, id string, r Resolution) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/resolve", nil, r)
}

// Stats returns aggregate escrow counts and volume.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil)
}

// VerifyAudit walks the audit hash chain (arbiter only).
func (c *Client) VerifyAudit(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/audit/verify", nil, nil)
}
