// Package vaultclient is a Go client for the AgentVault REST API.
package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used when no custom http.Client is supplied.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a vaultd instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// NewClient instantiates a client. When httpClient is nil a client with
// DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken stores the bearer token used for subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SubmitPlan queues a plan for asynchronous execution.
func (c *Client) SubmitPlan(ctx context.Context, plan Plan) (Submission, error) {
	var sub Submission
	err := c.send(ctx, http.MethodPost, "/api/v1/plans", nil, plan, &sub)
	return sub, err
}

// ExecutePlan runs a plan synchronously. A non-nil receipt may accompany an
// error when the vault committed the execution but reported a follow-up issue.
func (c *Client) ExecutePlan(ctx context.Context, plan Plan) (*Receipt, error) {
	var out struct {
		Receipt *Receipt `json:"receipt"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/plans/execute", nil, plan, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.receipt, apiErr
	}
	if err != nil {
		return nil, err
	}
	return out.Receipt, nil
}

// GetSubmission fetches a submission by id.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var sub Submission
	err := c.send(ctx, http.MethodGet, "/api/v1/plans/"+id, nil, nil, &sub)
	return sub, err
}

// ListSubmissions returns submissions matching the filter, newest first
// unless Ascending is set.
func (c *Client) ListSubmissions(ctx context.Context, filter ListFilter) ([]Submission, error) {
	var out struct {
		Submissions []Submission `json:"submissions"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/plans", filter.values(), nil, &out)
	return out.Submissions, err
}

// SubmissionStats aggregates submissions matching the filter.
func (c *Client) SubmissionStats(ctx context.Context, filter ListFilter) (Stats, error) {
	var stats Stats
	err := c.send(ctx, http.MethodGet, "/api/v1/plans/stats", filter.values(), nil, &stats)
	return stats, err
}

// WaitForSubmission polls until the submission is terminal or ctx ends.
func (c *Client) WaitForSubmission(ctx context.Context, id string, interval time.Duration) (Submission, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sub, err := c.GetSubmission(ctx, id)
		if err != nil {
			return Submission{}, err
		}
		if sub.Done() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return sub, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns the vault status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.send(ctx, http.MethodGet, "/api/v1/vault", nil, nil, &status)
	return status, err
}

// Allowlist returns the members of the collateral, borrow or payee allowlist.
func (c *Client) Allowlist(ctx context.Context, kind string) (Allowlist, error) {
	var list Allowlist
	err := c.send(ctx, http.MethodGet, "/api/v1/vault/allowlists/"+kind, nil, nil, &list)
	return list, err
}

// SetPaused pauses or resumes executions. Owner only.
func (c *Client) SetPaused(ctx context.Context, paused bool) error {
	return c.send(ctx, http.MethodPost, "/api/v1/admin/pause", nil, map[string]bool{"paused": paused}, nil)
}

// SetPolicy replaces the policy and returns the stored value. Owner only.
func (c *Client) SetPolicy(ctx context.Context, policy Policy) (Policy, error) {
	var out Policy
	err := c.send(ctx, http.MethodPost, "/api/v1/admin/policy", nil, policy, &out)
	return out, err
}

// SetAllowlist adds or removes an address. Owner only.
func (c *Client) SetAllowlist(ctx context.Context, kind, address string, allowed bool) (Allowlist, error) {
	var list Allowlist
	body := map[string]any{"kind": kind, "address": address, "allowed": allowed}
	err := c.send(ctx, http.MethodPost, "/api/v1/admin/allowlist", nil, body, &list)
	return list, err
}

// SupplyCollateral supplies the vault's own tokens as collateral. Owner only.
func (c *Client) SupplyCollateral(ctx context.Context, asset, amount string) error {
	body := map[string]string{"asset": asset, "amount": amount}
	return c.send(ctx, http.MethodPost, "/api/v1/admin/collateral/supply", nil, body, nil)
}

// WithdrawCollateral withdraws collateral to the given address, or to the
// vault when to is empty, and returns the amount actually withdrawn.
func (c *Client) WithdrawCollateral(ctx context.Context, asset, amount, to string) (string, error) {
	var out struct {
		Withdrawn string `json:"withdrawn"`
	}
	body := map[string]string{"asset": asset, "amount": amount}
	if to != "" {
		body["to"] = to
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/admin/collateral/withdraw", nil, body, &out)
	return out.Withdrawn, err
}

// RepayDebt repays vault debt and returns the amount actually repaid.
func (c *Client) RepayDebt(ctx context.Context, asset, amount string) (string, error) {
	var out struct {
		Repaid string `json:"repaid"`
	}
	body := map[string]string{"asset": asset, "amount": amount}
	err := c.send(ctx, http.MethodPost, "/api/v1/admin/debt/repay", nil, body, &out)
	return out.Repaid, err
}

// Events returns the most recent audit events. Owner only.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/events", query, nil, &out)
	return out.Events, err
}

// Health reports the server health check status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.send(ctx, http.MethodGet, "/healthz", nil, nil, &health)
	return health, err
}

func (f ListFilter) values() url.Values {
	q := url.Values{}
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Since > 0 {
		q.Set("since", strconv.FormatInt(f.Since, 10))
	}
	if f.Until > 0 {
		q.Set("until", strconv.FormatInt(f.Until, 10))
	}
	if f.Ascending {
		q.Set("order", "asc")
	}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	return q
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var envelope struct {
		Error   *APIError `json:"error"`
		Receipt *Receipt  `json:"receipt"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
		apiErr = envelope.Error
		apiErr.StatusCode = status
		apiErr.receipt = envelope.Receipt
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
