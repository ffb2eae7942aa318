package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, apiURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--api", apiURL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestProfileCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/u1/categories/bot/profile", r.URL.Path)
		_, _ = w.Write([]byte(`{"profile":{"userId":"u1","category":"bot","currentStatus":"flagged","currentScore":72,"configVersion":"bot-v1","statusSince":"2026-10-16T09:00:00Z"}}`))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "profile", "u1", "bot")
	require.NoError(t, err)
	assert.Contains(t, out, "flagged")
	assert.Contains(t, out, "72.0")
	assert.Contains(t, out, "bot-v1")
}

func TestActionRequiresOperator(t *testing.T) {
	t.Setenv("RISKCTL_OPERATOR", "")
	_, err := run(t, "http://127.0.0.1:1", "action", "u1", "bot", "unflag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--operator")
}

func TestActionRejectsUnknownAction(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "--operator", "analyst7", "action", "u1", "bot", "ban")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "ban"`)
}

func TestActionCommand(t *testing.T) {
	var gotOperator string
	var body map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = r.Header.Get("X-Operator-ID")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"transition":{"userId":"u1","category":"bot","previousStatus":"flagged","newStatus":"active","changedBy":"analyst7"}}`))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "--operator", "analyst7", "action", "u1", "bot", "unflag", "-m", "false positive")
	require.NoError(t, err)
	assert.Equal(t, "analyst7", gotOperator)
	assert.Equal(t, "unflag", body["action"])
	assert.Equal(t, "false positive", body["comment"])
	assert.Contains(t, out, "u1/bot: flagged -> active by analyst7")
}

func TestHistoryJSONOutput(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bot", r.URL.Query().Get("category"))
		_, _ = w.Write([]byte(`{"transitions":[{"id":"st_1","newStatus":"underReview"}],"pagination":{"page":1,"pageSize":20,"total":1}}`))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "--json", "history", "u1", "--category", "bot")
	require.NoError(t, err)

	var decoded struct {
		Transitions []map[string]any `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded.Transitions, 1)
	assert.Equal(t, "underReview", decoded.Transitions[0]["newStatus"])
}

func TestConfigActivateFromYAML(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/config/bot", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"config":{"category":"bot","version":2,"versionId":"bot-v2"}}`))
	}))
	defer ts.Close()

	file := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
comment: tighten
scale: 10
thresholds: {review: 4.5, flag: 6.5, autoBlock: 8}
subScores:
  velocity:
    weight: 1
    parameters:
      actionsPerMinute: {kind: linear, weight: 1, min: 0, max: 60}
`), 0o600))

	out, err := run(t, ts.URL, "--operator", "admin1", "config", "activate", "bot", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "activated bot-v2")
	assert.Equal(t, "tighten", got["comment"])
	assert.Equal(t, float64(10), got["scale"])
	thresholds := got["thresholds"].(map[string]any)
	assert.Equal(t, 6.5, thresholds["flagThreshold"])
}

func TestConfigShowTenPointScale(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("scale"))
		_, _ = w.Write([]byte(`{"config":{"category":"bot","versionId":"bot-v1","createdBy":"seed","thresholds":{"reviewThreshold":5,"flagThreshold":7,"autoBlockThreshold":8.5},"subScores":{"velocity":{"weight":1,"parameters":{"apm":{"kind":"linear","weight":1}}}}}}`))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "config", "show", "bot", "--scale", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "review 5, flag 7, autoBlock 8.5")
	assert.Contains(t, out, "velocity")
	assert.Contains(t, out, "apm")
}

func TestInvalidCategory(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "profile", "u1", "Not-A-Category")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid category")
}
