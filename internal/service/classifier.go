package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

// historyTurns is how many trailing user messages feed the classifier.
const historyTurns = 3

var tierLabelRe = regexp.MustCompile(`t[123]`)

// IntentClassifier decides which tier serves a request by asking a small
// routing model. The contract is total: Classify always returns a tier,
// degrading to safe defaults on any failure.
type IntentClassifier struct {
	logger *zap.Logger

	client         *http.Client
	insecureClient *http.Client
}

// NewIntentClassifier creates a classifier. Timeouts are enforced per
// call from the router config, not on the clients.
func NewIntentClassifier(logger *zap.Logger) *IntentClassifier {
	return &IntentClassifier{
		logger: logger,
		client: &http.Client{},
		insecureClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Classify returns the tier for the request. Disabled router → t1 (or a
// random tier when the deprecated legacy flag is set). Enabled router →
// the routing model's label, falling back to t2 on any failure; the
// fallback is recorded on the trace as a router failure.
func (c *IntentClassifier) Classify(ctx context.Context, cfg *config.Config, req *models.ChatRequest, trace *TraceRecorder) models.Tier {
	if !cfg.Router.Enabled {
		if cfg.Router.LegacyRandomTier {
			tier := models.Tiers[rand.Intn(len(models.Tiers))]
			trace.Record(models.StageRouterEnd, models.TraceSuccess,
				WithReason("router disabled, legacy random tier"))
			return tier
		}
		trace.Record(models.StageRouterEnd, models.TraceSuccess,
			WithReason("router disabled, defaulting to t1"))
		return models.TierT1
	}

	trace.Record(models.StageRouterStart, models.TraceInfo, WithModel(cfg.Router.Model))

	tier, err := c.callRouter(ctx, cfg, req)
	if err != nil {
		c.logger.Warn("intent classification failed, falling back",
			zap.String("fallback", string(models.TierT2)),
			zap.Error(err))
		trace.Record(models.StageRouterFail, models.TraceFail, WithReason(err.Error()))
		return models.TierT2
	}

	trace.Record(models.StageRouterEnd, models.TraceSuccess,
		WithReason("classified as "+string(tier)))
	return tier
}

// callRouter performs the non-streaming classification call.
func (c *IntentClassifier) callRouter(ctx context.Context, cfg *config.Config, req *models.ChatRequest) (models.Tier, error) {
	history := req.UserHistory(historyTurns)
	if len(history) == 0 {
		return "", fmt.Errorf("no user messages to classify")
	}

	template := cfg.Router.PromptTemplate
	if template == "" {
		template = config.DefaultPromptTemplate
	}
	prompt := strings.ReplaceAll(template, "{history}", strings.Join(history, "\n---\n"))

	reqBody := map[string]any{
		"model":  cfg.Router.Model,
		"stream": false,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal router request: %w", err)
	}

	url := strings.TrimRight(cfg.Router.BaseURL, "/") + "/chat/completions"
	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.Router.Timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create router request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.Router.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.Router.APIKey)
	}

	client := c.client
	if !cfg.Router.VerifySSL {
		client = c.insecureClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("router call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read router response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("router returned status %d", resp.StatusCode)
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("decode router response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty router response")
	}

	return parseTierLabel(chatResp.Choices[0].Message.Content)
}

// parseTierLabel finds the first tier label in the reply, matched
// case-insensitively so "T2", "t2" and "Tier: T2." all resolve.
func parseTierLabel(text string) (models.Tier, error) {
	match := tierLabelRe.FindString(strings.ToLower(text))
	if match == "" {
		return "", fmt.Errorf("no tier label in router reply: %s", truncateText(text, 120))
	}
	return models.Tier(match), nil
}

// truncateText truncates a string to maxLen characters.
func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
