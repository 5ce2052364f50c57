//go:build !integration && !e2e

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/database"
	"github.com/user/smartroute-go/internal/models"
	"github.com/user/smartroute-go/internal/repository"
	"github.com/user/smartroute-go/internal/service"
	"github.com/user/smartroute-go/internal/testutil"
)

type serverFixture struct {
	srv     *httptest.Server
	store   *config.Store
	health  *service.HealthRegistry
	logRepo *repository.RequestLogRepository
	db      *sql.DB
	apiKey  string
}

func newServerFixture(t *testing.T, cfg *config.Config) *serverFixture {
	t.Helper()
	logger := zap.NewNop()

	store := config.NewStore(cfg, filepath.Join(t.TempDir(), "config.json"), logger)

	db, err := database.New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))
	logRepo := repository.NewRequestLogRepository(db, logger)

	health := service.NewHealthRegistry(0, "", logger)
	selector := service.NewCandidateSelector(health, 1)
	invoker := service.NewUpstreamInvoker(logger)
	orchestrator := service.NewRetryOrchestrator(selector, invoker, health, logger)
	classifier := service.NewIntentClassifier(logger)

	server := NewServer(ServerDeps{
		Store:        store,
		Classifier:   classifier,
		Orchestrator: orchestrator,
		Health:       health,
		LogRepo:      logRepo,
		Logger:       logger,
	})

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	return &serverFixture{
		srv:     srv,
		store:   store,
		health:  health,
		logRepo: logRepo,
		db:      db,
		apiKey:  cfg.General.GatewayAPIKey,
	}
}

func (f *serverFixture) request(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := readJSON(t, resp)
	assert.Equal(t, "ok", got["status"])
	assert.NotEmpty(t, got["version"])
}

func TestGatewayAuth(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()

	cfg := testutil.TestConfig(upstream.URL)
	cfg.General.GatewayAPIKey = "sk-gateway"
	f := newServerFixture(t, cfg)

	// No credentials.
	resp, err := http.Get(f.srv.URL + "/v1/models")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Wrong key.
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Correct key.
	resp = f.request(t, http.MethodGet, "/v1/models", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The health endpoint stays open.
	resp, err = http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestChatCompletionsValidation(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing messages", `{"model":"x"}`},
		{"empty messages", `{"model":"x","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.request(t, http.MethodPost, "/v1/chat/completions", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestChatCompletionsSuccess(t *testing.T) {
	upstream := testutil.OpenAIUpstream("the answer is 42")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodPost, "/v1/chat/completions",
		testutil.ChatBodyJSON("anything", "what is the answer", false))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := readJSON(t, resp)
	choices := got["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "the answer is 42", msg["content"])

	// The routed model committed a success.
	assert.EqualValues(t, 1, f.health.Stats("model-a").Success)
}

func TestChatCompletionsStreaming(t *testing.T) {
	upstream := testutil.SSEUpstream([]string{"Hel", "lo"})
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodPost, "/v1/chat/completions",
		testutil.ChatBodyJSON("anything", "hi", true))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `"Hel"`)
	assert.Contains(t, text, `"lo"`)
	assert.True(t, strings.HasSuffix(text, "data: [DONE]\n\n"))
	assert.Equal(t, 1, strings.Count(text, "[DONE]"))
}

func TestChatCompletionsExhaustion(t *testing.T) {
	upstream := testutil.FailingUpstream(http.StatusServiceUnavailable, `{"error":"down"}`)
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodPost, "/v1/chat/completions",
		testutil.ChatBodyJSON("anything", "hi", false))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	got := readJSON(t, resp)
	errObj := got["error"].(map[string]any)
	assert.Equal(t, "exhausted", errObj["kind"])
	assert.NotEmpty(t, errObj["attempted"])
}

func TestChatCompletionsNonRetryablePassthrough(t *testing.T) {
	upstream := testutil.FailingUpstream(http.StatusBadRequest, `{"error":{"message":"bad role"}}`)
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodPost, "/v1/chat/completions",
		testutil.ChatBodyJSON("anything", "hi", false))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "bad role", "upstream error passed through verbatim")
}

func TestListModels(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := readJSON(t, resp)
	assert.Equal(t, "list", got["object"])
	data := got["data"].([]any)
	require.Len(t, data, 3)
	assert.Equal(t, "model", data[0].(map[string]any)["object"])
}

func TestConfigRoundtrip(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	current := readJSON(t, resp)

	current["models"].(map[string]any)["t1"] = []any{"new-model"}
	body, err := json.Marshal(current)
	require.NoError(t, err)

	resp = f.request(t, http.MethodPost, "/api/config", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, []string{"new-model"}, f.store.Snapshot().Models.T1)
}

func TestConfigUpdateRejectsInvalid(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	resp := f.request(t, http.MethodPost, "/api/config", []byte(`{"server":{"port":-5}}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	assert.NotEqual(t, -5, f.store.Snapshot().Server.Port)
}

func TestConfigUpdatePrunesStaleHealth(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	f.health.OnFailure("model-gone", models.FailServerError)
	f.health.OnFailure("model-a", models.FailServerError)

	next, err := config.Clone(f.store.Snapshot())
	require.NoError(t, err)
	body, err := json.Marshal(next)
	require.NoError(t, err)
	resp := f.request(t, http.MethodPost, "/api/config", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	snap := f.health.Snapshot()
	assert.Contains(t, snap, "model-a")
	assert.NotContains(t, snap, "model-gone")
}

func TestModelStatsEndpoint(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	f.health.OnFailure("model-a", models.FailAuth)

	resp := f.request(t, http.MethodGet, "/api/stats/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := readJSON(t, resp)
	statsList := got["models"].([]any)
	require.Len(t, statsList, 1)
	entry := statsList[0].(map[string]any)
	assert.Equal(t, "model-a", entry["model"])
	assert.EqualValues(t, 1, entry["failures"])
	assert.Equal(t, "http_4xx_auth", entry["last_error_kind"])
	assert.EqualValues(t, 50, entry["health_percent"])
}

func TestLogsEndpoints(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		entry := &models.RequestLogEntry{
			ID:          fmt.Sprintf("req-%d", i),
			ReceivedAt:  base.Add(time.Duration(i) * time.Minute),
			Tier:        models.TierT1,
			Model:       "model-a",
			Status:      models.LogStatusSuccess,
			Trace:       "[]",
			TokenSource: models.TokensLocal,
		}
		require.NoError(t, f.logRepo.Insert(ctx, entry))
	}

	resp := f.request(t, http.MethodGet, "/api/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := readJSON(t, resp)
	assert.EqualValues(t, 3, got["total"])
	assert.Len(t, got["logs"].([]any), 2)

	resp = f.request(t, http.MethodGet, "/api/logs?start_time=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/api/logs/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	defer resp.Body.Close()
	csvBody, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 4, strings.Count(string(csvBody), "\n"), "header plus three rows")

	resp = f.request(t, http.MethodPost, "/api/maintenance/prune?days=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pruned := readJSON(t, resp)
	assert.EqualValues(t, 3, pruned["deleted"])
}

func TestDashboardStatsEndpoint(t *testing.T) {
	upstream := testutil.OpenAIUpstream("ok")
	defer upstream.Close()
	f := newServerFixture(t, testutil.TestConfig(upstream.URL))

	require.NoError(t, f.logRepo.Insert(context.Background(), &models.RequestLogEntry{
		ID:          "req-1",
		ReceivedAt:  time.Now().UTC(),
		Tier:        models.TierT2,
		Model:       "model-b",
		DurationMs:  250,
		Status:      models.LogStatusSuccess,
		Trace:       "[]",
		TokenSource: models.TokensLocal,
	}))

	resp := f.request(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := readJSON(t, resp)
	assert.EqualValues(t, 1, got["today_requests"])
	assert.EqualValues(t, 1, got["tier_distribution"].(map[string]any)["t2"])
}
