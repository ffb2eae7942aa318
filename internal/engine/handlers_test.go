package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/security"
)

func setupRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	handler := NewHandler(h.engine)

	r := gin.New()
	r.Use(security.OperatorMiddleware())
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	ops := v1.Group("")
	ops.Use(security.RequireOperator())
	handler.RegisterOperatorRoutes(ops)
	return r, h
}

func do(r http.Handler, method, path string, body any, operator string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set(security.OperatorHeader, operator)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postSignals(t *testing.T, r http.Handler, userID string, values map[string]float64) {
	t.Helper()
	for name, v := range values {
		w := do(r, "POST", "/v1/signals", map[string]any{
			"userId":   userID,
			"category": "bot",
			"subScore": name,
			"parameters": []map[string]any{
				{"name": name + "Raw", "value": map[string]any{"type": "number", "value": v}},
			},
		}, "")
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}
}

func TestHandler_ScenarioFlow(t *testing.T) {
	r, _ := setupRouter(t)
	base := "/v1/users/u1/categories/bot"

	postSignals(t, r, "u1", scenarioValues())

	w := do(r, "POST", base+"/recompute", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.InDelta(t, 59.5, res.Score.Value, 1e-9)
	require.NotNil(t, res.Transition)
	assert.Equal(t, risk.StatusUnderReview, res.Transition.NewStatus)

	w = do(r, "GET", base+"/score", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"configVersion":"bot-v1"`)

	w = do(r, "POST", base+"/actions", map[string]string{"action": "unblock"}, "admin1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "illegal_transition")

	w = do(r, "PUT", base+"/whitelist", map[string]string{"notes": "vip"}, "admin1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "GET", base+"/profile", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Profile risk.Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, risk.StatusWhitelisted, body.Profile.CurrentStatus)
	assert.Equal(t, "vip", body.Profile.WhitelistNotes)

	w = do(r, "DELETE", base+"/whitelist", nil, "admin1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "GET", "/v1/users/u1/history?category=bot&pageSize=2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Transitions []risk.StateTransition `json:"transitions"`
		Pagination  struct {
			Total   int  `json:"total"`
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Transitions, 2)
	assert.Equal(t, 3, hist.Pagination.Total)
	assert.True(t, hist.Pagination.HasMore)
	assert.Equal(t, risk.StatusActive, hist.Transitions[0].NewStatus)

	w = do(r, "GET", "/v1/categories/bot/summary", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = do(r, "GET", base+"/scores", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, "GET", base+"/signals/rapidBetting?limit=5", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		operator string
		want     int
		code     string
	}{
		{"score not found", "GET", "/v1/users/u9/categories/bot/score", nil, "", http.StatusNotFound, "not_found"},
		{"profile not found", "GET", "/v1/users/u9/categories/bot/profile", nil, "", http.StatusNotFound, "not_found"},
		{"missing input", "POST", "/v1/users/u9/categories/bot/recompute", nil, "", http.StatusUnprocessableEntity, "missing_input"},
		{"no config", "POST", "/v1/users/u9/categories/rta/recompute", nil, "", http.StatusNotFound, "not_found"},
		{"bad category", "GET", "/v1/users/u9/categories/BOT/score", nil, "", http.StatusBadRequest, "invalid_request"},
		{"bad history category", "GET", "/v1/users/u9/history?category=X", nil, "", http.StatusBadRequest, "invalid_category"},
		{"bad page", "GET", "/v1/users/u9/history?page=0", nil, "", http.StatusBadRequest, "invalid_request"},
		{"no operator", "POST", "/v1/users/u9/categories/bot/actions", map[string]string{"action": "clear"}, "", http.StatusBadRequest, "operator_required"},
		{"unknown action", "POST", "/v1/users/u9/categories/bot/actions", map[string]string{"action": "nuke"}, "admin1", http.StatusBadRequest, "invalid_request"},
		{"action on missing profile", "POST", "/v1/users/u9/categories/bot/actions", map[string]string{"action": "clear"}, "admin1", http.StatusNotFound, "not_found"},
		{"empty batch", "POST", "/v1/signals", map[string]any{"userId": "u9", "category": "bot", "subScore": "x", "parameters": []any{}}, "", http.StatusBadRequest, "invalid_request"},
		{"bad batch category", "POST", "/v1/signals", map[string]any{"userId": "u9", "category": "Bot!", "subScore": "x", "parameters": []any{}}, "", http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body, tt.operator)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}
