// Package client is an HTTP client for the risk engine API. It is shared by
// the operator CLI and the MCP server.
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
	"strconv"
	"time"

	"github.com/mbd888/riskengine/internal/configstore"
	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/risk"
)

const operatorHeader = "X-Operator-ID"

// Config holds the configuration for connecting to the engine.
type Config struct {
	BaseURL    string // e.g. "http://localhost:8080"
	OperatorID string // sent as X-Operator-ID; required for state-changing calls
	Timeout    time.Duration
}

// Client is a typed HTTP client for the /v1 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response from the engine.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the engine.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// HistoryPage is one page of a user's audit history.
type HistoryPage struct {
	Transitions []*risk.StateTransition `json:"transitions"`
	Pagination  pagination.Meta         `json:"pagination"`
}

// RecomputeResult mirrors the engine's synchronous recompute response.
type RecomputeResult struct {
	Score      *risk.CategoryScore   `json:"score"`
	Profile    *risk.Profile         `json:"profile,omitempty"`
	Transition *risk.StateTransition `json:"transition,omitempty"`
	Suppressed bool                  `json:"suppressed,omitempty"`
	Dropped    bool                  `json:"dropped,omitempty"`
}

// Signal is one collector batch.
type Signal struct {
	UserID     string              `json:"userId"`
	Category   risk.Category       `json:"category"`
	SubScore   string              `json:"subScore"`
	ObservedAt *time.Time          `json:"observedAt,omitempty"`
	Parameters []risk.RawParameter `json:"parameters"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.OperatorID != "" {
		req.Header.Set(operatorHeader, c.cfg.OperatorID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func userPath(userID string, category risk.Category, suffix string) string {
	return "/v1/users/" + url.PathEscape(userID) + "/categories/" + url.PathEscape(string(category)) + suffix
}

// GetProfile fetches a user's profile in one category.
func (c *Client) GetProfile(ctx context.Context, userID string, category risk.Category) (*risk.Profile, error) {
	var out struct {
		Profile *risk.Profile `json:"profile"`
	}
	if err := c.do(ctx, http.MethodGet, userPath(userID, category, "/profile"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Profile, nil
}

// GetCategoryScore fetches the latest computed score.
func (c *Client) GetCategoryScore(ctx context.Context, userID string, category risk.Category) (*risk.CategoryScore, error) {
	var out struct {
		Score *risk.CategoryScore `json:"score"`
	}
	if err := c.do(ctx, http.MethodGet, userPath(userID, category, "/score"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Score, nil
}

// GetHistory fetches a page of transitions, newest first. An empty category
// returns history across all categories.
func (c *Client) GetHistory(ctx context.Context, userID string, category risk.Category, page, pageSize int) (*HistoryPage, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", string(category))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	var out HistoryPage
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/history", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recompute forces a synchronous recompute.
func (c *Client) Recompute(ctx context.Context, userID string, category risk.Category) (*RecomputeResult, error) {
	var out RecomputeResult
	if err := c.do(ctx, http.MethodPost, userPath(userID, category, "/recompute"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestSignal submits a parameter batch.
func (c *Client) IngestSignal(ctx context.Context, s Signal) error {
	return c.do(ctx, http.MethodPost, "/v1/signals", nil, s, nil)
}

// ApplyAction applies a manual state machine action.
func (c *Client) ApplyAction(ctx context.Context, userID string, category risk.Category, action risk.ManualAction, comment string) (*risk.StateTransition, error) {
	body := map[string]string{"action": string(action), "comment": comment}
	return c.transition(ctx, http.MethodPost, userPath(userID, category, "/actions"), body)
}

// Whitelist whitelists a profile, optionally until expiresAt.
func (c *Client) Whitelist(ctx context.Context, userID string, category risk.Category, notes string, expiresAt *time.Time) (*risk.StateTransition, error) {
	body := struct {
		Notes     string     `json:"notes"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}{notes, expiresAt}
	return c.transition(ctx, http.MethodPut, userPath(userID, category, "/whitelist"), body)
}

// Unwhitelist removes a whitelist.
func (c *Client) Unwhitelist(ctx context.Context, userID string, category risk.Category, comment string) (*risk.StateTransition, error) {
	body := map[string]string{"comment": comment}
	return c.transition(ctx, http.MethodDelete, userPath(userID, category, "/whitelist"), body)
}

func (c *Client) transition(ctx context.Context, method, path string, body any) (*risk.StateTransition, error) {
	var out struct {
		Transition *risk.StateTransition `json:"transition"`
	}
	if err := c.do(ctx, method, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out.Transition, nil
}

// GetConfig fetches the active config. scale 10 rescales thresholds for
// display; 0 keeps the stored 0-100 scale.
func (c *Client) GetConfig(ctx context.Context, category risk.Category, scale int) (*risk.CategoryConfig, error) {
	q := url.Values{}
	if scale != 0 {
		q.Set("scale", strconv.Itoa(scale))
	}
	var out struct {
		Config *risk.CategoryConfig `json:"config"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/config/"+url.PathEscape(string(category)), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Config, nil
}

// ActivateConfig publishes a new config version.
func (c *Client) ActivateConfig(ctx context.Context, category risk.Category, req configstore.ActivateRequest) (*risk.CategoryConfig, error) {
	var out struct {
		Config *risk.CategoryConfig `json:"config"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/config/"+url.PathEscape(string(category)), nil, req, &out); err != nil {
		return nil, err
	}
	return out.Config, nil
}

// Categories lists categories with an active config.
func (c *Client) Categories(ctx context.Context) ([]risk.Category, error) {
	var out struct {
		Categories []risk.Category `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/categories", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}
