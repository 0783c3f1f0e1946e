// Package apiclient talks to the business API for identity and entitlement data.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/identity"
	"github.com/odyssey-erp/gatekeeper/internal/payload"
)

// ErrUnauthenticated reports that the API rejected the caller's credentials.
var ErrUnauthenticated = errors.New("apiclient: unauthenticated")

// DefaultTimeout bounds each call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

const maxBody = 1 << 20

// Client wraps calls to the business API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	clock      func() time.Time
}

// NewClient constructs a client for baseURL authenticating with token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		clock: time.Now,
	}
}

// AuthContext fetches the caller's identity. A 401 or 403 answer yields the
// anonymous context together with ErrUnauthenticated.
func (c *Client) AuthContext(ctx context.Context) (identity.Context, error) {
	raw, err := c.getJSON(ctx, "/auth/context")
	if err != nil {
		return identity.Anonymous(), err
	}
	return identity.Decode(raw), nil
}

// Entitlements fetches the plan snapshot for scopeID.
func (c *Client) Entitlements(ctx context.Context, scopeID string) (*entitlements.Snapshot, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, errors.New("apiclient: empty scope id")
	}
	raw, err := c.getJSON(ctx, "/entitlements/"+url.PathEscape(scopeID))
	if err != nil {
		return nil, err
	}
	return entitlements.Decode(scopeID, raw, c.clock()), nil
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: GET %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthenticated
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("apiclient: GET %s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("apiclient: read %s: %w", path, err)
	}
	raw, err := payload.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: decode %s: %w", path, err)
	}
	return raw, nil
}
