//go:build !integration && !e2e

package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

func chatRequest(texts ...string) *models.ChatRequest {
	req := &models.ChatRequest{}
	for _, t := range texts {
		content, _ := json.Marshal(t)
		req.Messages = append(req.Messages, models.ChatMessage{Role: "user", Content: content})
	}
	return req
}

func routerServer(t *testing.T, reply string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotBody != nil {
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(data, gotBody))
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClassifyDisabledDefaultsToT1(t *testing.T) {
	c := NewIntentClassifier(zap.NewNop())
	cfg := config.Default()
	cfg.Router.Enabled = false

	trace := NewTraceRecorder()
	tier := c.Classify(context.Background(), cfg, chatRequest("hello"), trace)

	assert.Equal(t, models.TierT1, tier)
	events := trace.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.StageRouterEnd, events[0].Stage)
}

func TestClassifyDisabledLegacyRandomTier(t *testing.T) {
	c := NewIntentClassifier(zap.NewNop())
	cfg := config.Default()
	cfg.Router.Enabled = false
	cfg.Router.LegacyRandomTier = true

	tier := c.Classify(context.Background(), cfg, chatRequest("hello"), NewTraceRecorder())
	assert.Contains(t, models.Tiers, tier)
}

func TestClassifyParsesRouterLabel(t *testing.T) {
	var gotBody map[string]any
	srv := routerServer(t, "T3", &gotBody)
	defer srv.Close()

	c := NewIntentClassifier(zap.NewNop())
	cfg := config.Default()
	cfg.Router.Enabled = true
	cfg.Router.Model = "router-mini"
	cfg.Router.BaseURL = srv.URL
	cfg.Router.VerifySSL = true

	trace := NewTraceRecorder()
	tier := c.Classify(context.Background(), cfg, chatRequest("first", "second"), trace)

	assert.Equal(t, models.TierT3, tier)
	assert.Equal(t, "router-mini", gotBody["model"])
	assert.Equal(t, false, gotBody["stream"])

	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 1)
	prompt := msgs[0].(map[string]any)["content"].(string)
	assert.Contains(t, prompt, "first\n---\nsecond", "history joined into the prompt template")

	stages := make([]models.TraceStage, 0, len(trace.Events()))
	for _, ev := range trace.Events() {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []models.TraceStage{models.StageRouterStart, models.StageRouterEnd}, stages)
}

func TestClassifyLabelMatchingIsLenient(t *testing.T) {
	tests := []struct {
		reply string
		want  models.Tier
	}{
		{"t1", models.TierT1},
		{"T2", models.TierT2},
		{`The best tier for this is "T3".`, models.TierT3},
		{"Tier: t2, because the question is moderate.", models.TierT2},
	}
	for _, tt := range tests {
		got, err := parseTierLabel(tt.reply)
		require.NoError(t, err, tt.reply)
		assert.Equal(t, tt.want, got)
	}

	_, err := parseTierLabel("I cannot decide")
	assert.Error(t, err)
}

func TestClassifyFallsBackToT2OnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewIntentClassifier(zap.NewNop())
	cfg := config.Default()
	cfg.Router.Enabled = true
	cfg.Router.BaseURL = srv.URL
	cfg.Router.VerifySSL = true

	trace := NewTraceRecorder()
	tier := c.Classify(context.Background(), cfg, chatRequest("hello"), trace)

	assert.Equal(t, models.TierT2, tier)

	var sawFail bool
	for _, ev := range trace.Events() {
		if ev.Stage == models.StageRouterFail {
			sawFail = true
			assert.Equal(t, models.TraceFail, ev.Status)
		}
	}
	assert.True(t, sawFail, "router failure must be traced")
}

func TestClassifyNoUserMessagesFallsBack(t *testing.T) {
	c := NewIntentClassifier(zap.NewNop())
	cfg := config.Default()
	cfg.Router.Enabled = true
	cfg.Router.BaseURL = "http://127.0.0.1:1"

	req := &models.ChatRequest{Messages: []models.ChatMessage{{Role: "system", Content: json.RawMessage(`"be brief"`)}}}
	tier := c.Classify(context.Background(), cfg, req, NewTraceRecorder())
	assert.Equal(t, models.TierT2, tier)
}
