// Package testutil provides shared fixtures for unit tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/user/smartroute-go/internal/config"
)

// TestConfig returns a default configuration pointed at the given
// upstream base URL, with retries wide open for failover tests.
func TestConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.Providers.Upstream.BaseURL = upstreamURL
	cfg.Providers.Upstream.APIKey = "test-upstream-key"
	cfg.Models.T1 = []string{"model-a"}
	cfg.Models.T2 = []string{"model-b"}
	cfg.Models.T3 = []string{"model-c"}
	cfg.Health.StatsPath = ""
	return cfg
}

// ChatBody builds a chat-completion request body.
func ChatBody(model, userText string, stream bool) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []any{
			map[string]any{"role": "user", "content": userText},
		},
		"stream": stream,
	}
}

// ChatBodyJSON is ChatBody serialized.
func ChatBodyJSON(model, userText string, stream bool) []byte {
	data, err := json.Marshal(ChatBody(model, userText, stream))
	if err != nil {
		panic(err)
	}
	return data
}

// CompletionResponse builds an OpenAI-shaped non-streaming completion.
func CompletionResponse(text string, promptTokens, completionTokens int) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
}

// OpenAIUpstream returns an httptest server answering /chat/completions
// with a fixed completion text.
func OpenAIUpstream(text string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CompletionResponse(text, 10, 5))
	}))
}

// SSEUpstream returns an httptest server streaming the given content
// chunks followed by [DONE].
func SSEUpstream(chunks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"choices": []any{
					map[string]any{"index": 0, "delta": map[string]any{"content": chunk}},
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

// FailingUpstream returns an httptest server answering every request
// with the given status and body.
func FailingUpstream(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

// RouterUpstream returns an httptest server that answers any chat
// request with the given tier label, mimicking a routing model.
func RouterUpstream(label string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CompletionResponse(label, 1, 1))
	}))
}
