// Package client talks to the session HTTP API. It satisfies monitor.Registrar so
// an inactivity monitor can run in a process that does not own the store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/policy"
)

// Client calls the /api/sessions endpoints of a vigil server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: "vigil-client/1",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Created is the result of Create.
type Created struct {
	SessionID string
	ExpiresAt time.Time
}

// PolicyInfo is the profile advertised for a role.
type PolicyInfo struct {
	Role               policy.Role
	Profile            policy.Profile
	MaxSessionDuration time.Duration
	HeartbeatInterval  time.Duration
}

// Create starts a session for userID.
func (c *Client) Create(ctx context.Context, in session.CreateInput) (Created, error) {
	var out struct {
		SessionID string    `json:"sessionId"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := c.do(ctx, "create", http.MethodPost, "/api/sessions/create", map[string]string{
		"userId":    in.UserID,
		"role":      string(in.Role),
		"ipAddress": in.IPAddress,
		"userAgent": in.UserAgent,
	}, &out)
	if err != nil {
		return Created{}, err
	}
	return Created{SessionID: out.SessionID, ExpiresAt: out.ExpiresAt}, nil
}

// End ends the user's active session. An empty reason means user_logout.
func (c *Client) End(ctx context.Context, userID string, reason session.TerminationReason) error {
	body := map[string]string{"userId": userID}
	if reason != "" {
		body["reason"] = string(reason)
	}
	return c.do(ctx, "end", http.MethodPost, "/api/sessions/end", body, nil)
}

// Heartbeat records activity and reports whether the session is still active.
func (c *Client) Heartbeat(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	err := c.do(ctx, "heartbeat", http.MethodPost, "/api/sessions/heartbeat", map[string]string{"userId": userID}, &out)
	return out.Active, err
}

// Info returns the user's active session or session.ErrNotFound.
func (c *Client) Info(ctx context.Context, userID string) (session.ActiveSession, error) {
	var out struct {
		SessionInfo struct {
			ID           string    `json:"id"`
			UserID       string    `json:"userId"`
			Role         string    `json:"role"`
			LoginTime    time.Time `json:"loginTime"`
			LastActivity time.Time `json:"lastActivity"`
			ExpiresAt    time.Time `json:"expiresAt"`
			IPAddress    string    `json:"ipAddress"`
			UserAgent    string    `json:"userAgent"`
			IsActive     bool      `json:"isActive"`
		} `json:"sessionInfo"`
	}
	if err := c.do(ctx, "info", http.MethodGet, "/api/sessions/info?"+url.Values{"userId": {userID}}.Encode(), nil, &out); err != nil {
		return session.ActiveSession{}, err
	}

	si := out.SessionInfo
	return session.ActiveSession{
		ID:           si.ID,
		UserID:       si.UserID,
		Role:         policy.Role(si.Role),
		LoginTime:    si.LoginTime,
		LastActivity: si.LastActivity,
		ExpiresAt:    si.ExpiresAt,
		IPAddress:    si.IPAddress,
		UserAgent:    si.UserAgent,
		IsActive:     si.IsActive,
	}, nil
}

// Count returns the number of active sessions for userID.
func (c *Client) Count(ctx context.Context, userID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, "count", http.MethodGet, "/api/sessions/count?"+url.Values{"userId": {userID}}.Encode(), nil, &out)
	return out.Count, err
}

// Allowed reports whether userID may stay logged in.
func (c *Client) Allowed(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, "allowed", http.MethodGet, "/api/sessions/allowed?"+url.Values{"userId": {userID}}.Encode(), nil, &out)
	return out.Allowed, err
}

// Policy fetches the timeout profile for role.
func (c *Client) Policy(ctx context.Context, role policy.Role) (PolicyInfo, error) {
	var out struct {
		Role                      string `json:"role"`
		InactivityTimeSeconds     int64  `json:"inactivityTimeSeconds"`
		WarningLeadSeconds        int64  `json:"warningLeadSeconds"`
		MaxSessionDurationSeconds int64  `json:"maxSessionDurationSeconds"`
		HeartbeatIntervalSeconds  int64  `json:"heartbeatIntervalSeconds"`
	}
	err := c.do(ctx, "policy", http.MethodGet, "/api/sessions/policy?"+url.Values{"role": {string(role)}}.Encode(), nil, &out)
	if err != nil {
		return PolicyInfo{}, err
	}
	return PolicyInfo{
		Role: policy.Role(out.Role),
		Profile: policy.Profile{
			InactivityTime: time.Duration(out.InactivityTimeSeconds) * time.Second,
			WarningLead:    time.Duration(out.WarningLeadSeconds) * time.Second,
		},
		MaxSessionDuration: time.Duration(out.MaxSessionDurationSeconds) * time.Second,
		HeartbeatInterval:  time.Duration(out.HeartbeatIntervalSeconds) * time.Second,
	}, nil
}

// apiError is the server's {success:false, error:{code,message}} body.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// do performs one request and maps failures onto session's error taxonomy:
// validation and not-found become sentinels, everything else is a StoreError.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &session.StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &session.StoreError{Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return mapError(op, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func mapError(op string, status int, raw []byte) error {
	var env struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)
	ae := env.Error
	ae.Status = status

	switch {
	case status == http.StatusNotFound && ae.Code == "not_found":
		return session.ErrNotFound
	case ae.Code == "invalid_user_id":
		return session.ErrInvalidUserID
	case ae.Code == "invalid_reason":
		return session.ErrInvalidReason
	case status >= 500, status == http.StatusTooManyRequests:
		return &session.StoreError{Op: op, Err: &ae}
	default:
		return fmt.Errorf("%s: %w", op, &ae)
	}
}

// IsAPIError reports whether err carries a server error body, returning its code.
func IsAPIError(err error) (string, bool) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}
