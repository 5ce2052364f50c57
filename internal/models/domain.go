// Package models defines the domain types shared across the gateway:
// model references, provider endpoints, failure classification, health
// stats, trace events and the request log record.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Tier is the intent-complexity bucket a request is routed to.
type Tier string

const (
	TierT1 Tier = "t1"
	TierT2 Tier = "t2"
	TierT3 Tier = "t3"
)

// Tiers lists all tiers in ascending capability order.
var Tiers = []Tier{TierT1, TierT2, TierT3}

// Strategy selects how candidates are ordered within a tier.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyRandom     Strategy = "random"
	StrategyAdaptive   Strategy = "adaptive"
)

// ProtocolFlavor is the wire protocol spoken by an upstream provider.
type ProtocolFlavor string

const (
	FlavorOpenAI    ProtocolFlavor = "openai"
	FlavorMessages  ProtocolFlavor = "v1-messages"
	FlavorResponses ProtocolFlavor = "v1-response"
)

// PathSuffix returns the request path appended to the provider base URL.
func (f ProtocolFlavor) PathSuffix() string {
	switch f {
	case FlavorMessages:
		return "/messages"
	case FlavorResponses:
		return "/responses"
	default:
		return "/chat/completions"
	}
}

// ForcesNonStreaming reports whether the flavor disallows upstream
// streaming even when the client requested a stream.
func (f ProtocolFlavor) ForcesNonStreaming() bool {
	return f == FlavorMessages || f == FlavorResponses
}

// DefaultProviderID is the implicit provider used for bare model names
// that have no entry in the model-provider map.
const DefaultProviderID = "upstream"

// ModelRef identifies a model at a specific provider.
type ModelRef struct {
	Provider string `json:"provider_id"`
	Model    string `json:"model"`
}

// ParseModelRef splits a configured model entry. A "provider/model" entry
// splits at the first slash; a bare name yields an empty Provider which the
// registry resolves via the model-provider map.
func ParseModelRef(entry string) ModelRef {
	if idx := strings.Index(entry, "/"); idx > 0 {
		return ModelRef{Provider: entry[:idx], Model: entry[idx+1:]}
	}
	return ModelRef{Model: entry}
}

// String returns the canonical "provider/model" form.
func (r ModelRef) String() string {
	if r.Provider == "" {
		return r.Model
	}
	return r.Provider + "/" + r.Model
}

// ProviderEndpoint is the resolved upstream target for one attempt.
type ProviderEndpoint struct {
	BaseURL   string         `json:"base_url"`
	APIKey    string         `json:"api_key"`
	Protocol  ProtocolFlavor `json:"protocol"`
	VerifyTLS bool           `json:"verify_ssl"`
}

// FailureKind classifies the terminal outcome of a failed model attempt.
type FailureKind string

const (
	FailTimeoutConnect    FailureKind = "timeout_connect"
	FailTimeoutGeneration FailureKind = "timeout_generation"
	FailAuth              FailureKind = "http_4xx_auth"
	FailRateLimited       FailureKind = "http_429"
	FailServerError       FailureKind = "http_5xx"
	FailClientError       FailureKind = "http_4xx_other"
	FailEmptyResponse     FailureKind = "empty_response"
	FailStreamAbort       FailureKind = "stream_abort"
	FailBodyKeyword       FailureKind = "body_keyword"
	FailTransport         FailureKind = "transport"
	FailProviderMissing   FailureKind = "provider_missing"
	FailClientAbort       FailureKind = "client_abort"
	FailExhausted         FailureKind = "exhausted"
)

// penalties assigns the health penalty per failure kind. The relative
// ordering (auth >= 5xx > stream_abort >= timeout_connect >= empty >=
// keyword) must hold; the absolute values are policy.
var penalties = map[FailureKind]float64{
	FailTimeoutConnect:    2.0,
	FailTimeoutGeneration: 3.0,
	FailAuth:              5.0,
	FailRateLimited:       1.0,
	FailServerError:       2.0,
	FailEmptyResponse:     1.5,
	FailStreamAbort:       2.0,
	FailBodyKeyword:       1.0,
	FailTransport:         2.0,
	FailClientError:       1.0,
}

// Penalty returns the failure-score increment for the kind.
func (k FailureKind) Penalty() float64 {
	return penalties[k]
}

// Retryable reports whether the kind is in the default retry set. Status
// codes the operator added to retry_conditions are handled separately.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailTimeoutConnect, FailTimeoutGeneration, FailTransport,
		FailServerError, FailRateLimited, FailEmptyResponse,
		FailStreamAbort, FailBodyKeyword:
		return true
	default:
		return false
	}
}

// HealthScaleK converts a failure score into a display percentage and a
// selection weight: weight = 1/(1+score*k).
const HealthScaleK = 0.2

// ModelStats is the health record kept per canonical model ref.
type ModelStats struct {
	Success       int64       `json:"success"`
	Failures      int64       `json:"failures"`
	FailureScore  float64     `json:"failure_score"`
	LastUpdate    time.Time   `json:"last_update"`
	LastErrorKind FailureKind `json:"last_error_kind,omitempty"`
}

// HealthPercent maps the failure score onto [0,100] for display only.
func (s ModelStats) HealthPercent() int {
	return int(math.Round(100 / (1 + s.FailureScore*HealthScaleK)))
}

// TraceStage is a stage marker in the per-request timeline. The set is
// closed; CLIENT_ABORT marks a client disconnect mid-stream.
type TraceStage string

const (
	StageReqReceived    TraceStage = "REQ_RECEIVED"
	StageRouterStart    TraceStage = "ROUTER_START"
	StageRouterEnd      TraceStage = "ROUTER_END"
	StageRouterFail     TraceStage = "ROUTER_FAIL"
	StageModelCallStart TraceStage = "MODEL_CALL_START"
	StageFirstToken     TraceStage = "FIRST_TOKEN"
	StageFullResponse   TraceStage = "FULL_RESPONSE"
	StageModelFail      TraceStage = "MODEL_FAIL"
	StageAllFailed      TraceStage = "ALL_FAILED"
	StageClientAbort    TraceStage = "CLIENT_ABORT"
)

// TraceStatus qualifies a trace event.
type TraceStatus string

const (
	TraceInfo    TraceStatus = "info"
	TraceSuccess TraceStatus = "success"
	TraceFail    TraceStatus = "fail"
)

// TraceEvent is one entry of a request timeline.
type TraceEvent struct {
	Stage      TraceStage  `json:"stage"`
	Timestamp  time.Time   `json:"timestamp"`
	ElapsedMs  float64     `json:"elapsed_ms"`
	Status     TraceStatus `json:"status"`
	Model      string      `json:"model,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	RetryCount int         `json:"retry_count"`
}

// TokenSource records whether token counts came from the upstream usage
// object or a local estimate.
type TokenSource string

const (
	TokensUpstream TokenSource = "upstream"
	TokensLocal    TokenSource = "local"
)

// Request log status values.
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
	LogStatusAborted = "aborted"
)

// RequestLogEntry is the terminal record handed to the log sink.
type RequestLogEntry struct {
	ID               string      `json:"id"`
	ReceivedAt       time.Time   `json:"received_at"`
	Tier             Tier        `json:"tier"`
	Model            string      `json:"model"`
	DurationMs       float64     `json:"duration_ms"`
	Status           string      `json:"status"`
	RetryCount       int         `json:"retry_count"`
	PromptPreview    string      `json:"prompt_preview"`
	RequestBody      string      `json:"request_body"`
	ResponseBody     string      `json:"response_body"`
	Trace            string      `json:"trace"`
	StackTrace       string      `json:"stack_trace,omitempty"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TokenSource      TokenSource `json:"token_source"`
}

// ProviderMissingError reports a model entry that references a provider
// absent from the configuration.
type ProviderMissingError struct {
	Provider string
	Model    string
}

func (e *ProviderMissingError) Error() string {
	return fmt.Sprintf("provider %q not configured for model %q", e.Provider, e.Model)
}
