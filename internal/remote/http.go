package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/models"
)

// DefaultTimeout bounds every request made by HTTPClient.
const DefaultTimeout = 10 * time.Second

// HTTPClient is a Store backed by the REST API served by Handler.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL. A zero timeout uses DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server address requests are sent to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyExists
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// GetByCode handles GET /items?code=
func (c *HTTPClient) GetByCode(ctx context.Context, code string) (*models.Item, error) {
	var item models.Item
	if err := c.do(ctx, http.MethodGet, "/items?code="+url.QueryEscape(code), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Create handles POST /items
func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/items", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create %s: empty id in response", req.Code)
	}
	return resp.ID, nil
}

// Update handles PATCH /items/{id}
func (c *HTTPClient) Update(ctx context.Context, id string, fields models.ItemFields) error {
	return c.do(ctx, http.MethodPatch, "/items/"+url.PathEscape(id), fields, nil)
}

// Delete handles DELETE /items/{id}
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/items/"+url.PathEscape(id), nil, nil)
}

// CreateCheckRecord handles POST /items/{id}/check
func (c *HTTPClient) CreateCheckRecord(ctx context.Context, rec CheckRecord) error {
	return c.do(ctx, http.MethodPost, "/items/"+url.PathEscape(rec.EntityID)+"/check", rec, nil)
}

// DeleteCheckRecord handles DELETE /items/{id}/check
func (c *HTTPClient) DeleteCheckRecord(ctx context.Context, entityID string) error {
	return c.do(ctx, http.MethodDelete, "/items/"+url.PathEscape(entityID)+"/check", nil, nil)
}

// List handles GET /items
func (c *HTTPClient) List(ctx context.Context) ([]models.Item, error) {
	var resp struct {
		Items []models.Item `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/items", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Ping handles GET /healthz
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

var (
	_ Store  = (*HTTPClient)(nil)
	_ Lister = (*HTTPClient)(nil)
	_ Pinger = (*HTTPClient)(nil)
)
