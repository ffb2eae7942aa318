package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/configstore"
	"github.com/mbd888/riskengine/internal/risk"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL, OperatorID: "analyst7"})
}

func TestClient_GetProfile(t *testing.T) {
	var gotPath, gotOperator string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOperator = r.Header.Get(operatorHeader)
		_, _ = w.Write([]byte(`{"profile":{"userId":"u1","category":"bot","currentStatus":"flagged","currentScore":72.5,"revision":3}}`))
	})

	p, err := c.GetProfile(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, "/v1/users/u1/categories/bot/profile", gotPath)
	assert.Equal(t, "analyst7", gotOperator)
	assert.Equal(t, risk.StatusFlagged, p.CurrentStatus)
	assert.InDelta(t, 72.5, p.CurrentScore, 1e-9)
	assert.Equal(t, int64(3), p.Revision)
}

func TestClient_GetHistoryQuery(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"transitions":[{"id":"st_1","previousStatus":"active","newStatus":"underReview","event":"review","changedBy":"system"}],"pagination":{"page":2,"pageSize":5,"total":6,"hasMore":false}}`))
	})

	page, err := c.GetHistory(context.Background(), "u1", risk.CategoryBot, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "category=bot&page=2&pageSize=5", gotQuery)
	require.Len(t, page.Transitions, 1)
	assert.Equal(t, risk.StatusUnderReview, page.Transitions[0].NewStatus)
	assert.Equal(t, 6, page.Pagination.Total)
}

func TestClient_ApplyActionBody(t *testing.T) {
	var body map[string]string
	var method string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		_, _ = w.Write([]byte(`{"transition":{"id":"st_2","previousStatus":"flagged","newStatus":"active","event":"unflag","changedBy":"analyst7"}}`))
	})

	tr, err := c.ApplyAction(context.Background(), "u1", risk.CategoryBot, risk.ManualUnflag, "false positive")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "unflag", body["action"])
	assert.Equal(t, "false positive", body["comment"])
	assert.Equal(t, "analyst7", tr.ChangedBy)
}

func TestClient_WhitelistSendsExpiry(t *testing.T) {
	var body struct {
		Notes     string     `json:"notes"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"transition":{"newStatus":"whitelisted"}}`))
	})

	exp := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	_, err := c.Whitelist(context.Background(), "u1", risk.CategoryBot, "vip", &exp)
	require.NoError(t, err)
	assert.Equal(t, "vip", body.Notes)
	require.NotNil(t, body.ExpiresAt)
	assert.True(t, exp.Equal(*body.ExpiresAt))
}

func TestClient_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "illegal_transition",
			"message": "cannot unblock from flagged",
		})
	})

	_, err := c.ApplyAction(context.Background(), "u1", risk.CategoryBot, risk.ManualUnblock, "")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "illegal_transition", apiErr.Code)
	assert.Contains(t, err.Error(), "cannot unblock from flagged")
	assert.False(t, IsNotFound(err))
}

func TestClient_NonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("404 page not found"))
	})

	_, err := c.GetCategoryScore(context.Background(), "ghost", risk.CategoryBot)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "404 page not found")
}

func TestClient_ConnectionRefused(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.GetProfile(context.Background(), "u1", risk.CategoryBot)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ConfigRoundTrip(t *testing.T) {
	var got configstore.ActivateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"config":{"category":"bot","version":2,"versionId":"bot-v2","thresholds":{"reviewThreshold":50,"flagThreshold":70,"autoBlockThreshold":85},"scale":100}}`))
		case http.MethodGet:
			assert.Equal(t, "10", r.URL.Query().Get("scale"))
			_, _ = w.Write([]byte(`{"config":{"category":"bot","version":2,"versionId":"bot-v2","thresholds":{"reviewThreshold":5,"flagThreshold":7,"autoBlockThreshold":8.5},"scale":10}}`))
		}
	})

	cfg, err := c.ActivateConfig(context.Background(), risk.CategoryBot, configstore.ActivateRequest{
		Thresholds: risk.ThresholdConfig{Review: 5, Flag: 7, AutoBlock: 8.5},
		Scale:      10,
		Comment:    "tighten",
	})
	require.NoError(t, err)
	assert.Equal(t, "bot-v2", cfg.VersionID)
	assert.Equal(t, float64(10), got.Scale)
	assert.Equal(t, "tighten", got.Comment)

	shown, err := c.GetConfig(context.Background(), risk.CategoryBot, 10)
	require.NoError(t, err)
	assert.InDelta(t, 8.5, shown.Thresholds.AutoBlock, 1e-9)
}
