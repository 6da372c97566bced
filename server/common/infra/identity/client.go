// Package identity verifies connection tokens against the external identity
// service. Requests rotate across endpoints; an endpoint that fails
// failThreshold times in a row is skipped for endpointCooldown.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coach_msg/server/common/auth"
	cmnenv "coach_msg/server/common/env"
)

const VerifyPath = "/api/internal/v1/identity/verify"

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

type Client struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewClient(endpoints ...string) *Client {
	normalized := normalizeEndpoints(endpoints)
	return &Client{
		endpoints:        normalized,
		http:             &http.Client{Timeout: cmnenv.Millis("IDENTITY_HTTP_TIMEOUT_MS", defaultHTTPTimeout)},
		failThreshold:    cmnenv.Int("IDENTITY_FAIL_THRESHOLD", defaultFailThreshold),
		endpointCooldown: cmnenv.Millis("IDENTITY_COOLDOWN_MS", defaultEndpointCooldown),
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	UserType string `json:"user_type"`
}

// Verify implements auth.Verifier.
func (c *Client) Verify(ctx context.Context, token string) (auth.Identity, error) {
	var resp verifyResponse
	if err := c.post(ctx, VerifyPath, verifyRequest{Token: token}, &resp); err != nil {
		return auth.Identity{}, err
	}
	if !resp.Valid || strings.TrimSpace(resp.UserID) == "" || strings.TrimSpace(resp.TenantID) == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: resp.UserID, TenantID: resp.TenantID, UserType: resp.UserType}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return errors.New("identity endpoint is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("identity request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("identity status %d endpoint=%s", resp.StatusCode, endpoint)
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			_ = resp.Body.Close()
			c.onSuccess(endpoint)
			return auth.ErrInvalidToken
		}
		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return fmt.Errorf("identity status %d endpoint=%s", resp.StatusCode, endpoint)
		}

		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		_ = resp.Body.Close()
		if decodeErr != nil {
			c.onFailure(endpoint, time.Now())
			return decodeErr
		}
		c.onSuccess(endpoint)
		return nil
	}

	if lastErr == nil {
		return errors.New("identity request failed: all endpoints cooling down")
	}
	return lastErr
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}

// NewVerifier returns a remote verifier when endpoints are configured and
// local otherwise.
func NewVerifier(endpoints []string, local auth.Verifier) auth.Verifier {
	if len(normalizeEndpoints(endpoints)) == 0 {
		return local
	}
	return NewClient(endpoints...)
}
