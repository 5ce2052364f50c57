package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

// RunInput describes one routed request handed to the orchestrator.
type RunInput struct {
	Tier       models.Tier
	ClientBody map[string]any
	PromptText string // concatenated user text, for local token estimates
	WantStream bool
	Stream     StreamWriter // non-nil iff WantStream
}

// RunResult is the terminal outcome of the failover loop.
type RunResult struct {
	Model       string
	Status      string // success | error | aborted
	Streamed    bool
	StatusCode  int
	ContentType string
	Body        []byte // response body for non-streamed replies

	Text        string
	Usage       *models.Usage
	TokenSource models.TokenSource

	RetryCount int
	Attempted  []string
	LastReason string
}

// exhaustedEnvelope is the 502 body returned when every candidate failed.
type exhaustedEnvelope struct {
	Error struct {
		Kind       string   `json:"kind"`
		Attempted  []string `json:"attempted"`
		LastReason string   `json:"last_reason"`
	} `json:"error"`
}

// RetryOrchestrator walks a tier's candidate sequence, committing health
// and trace events at every attempt boundary.
type RetryOrchestrator struct {
	selector *CandidateSelector
	invoker  *UpstreamInvoker
	health   *HealthRegistry
	logger   *zap.Logger
}

// NewRetryOrchestrator creates an orchestrator.
func NewRetryOrchestrator(selector *CandidateSelector, invoker *UpstreamInvoker, health *HealthRegistry, logger *zap.Logger) *RetryOrchestrator {
	return &RetryOrchestrator{
		selector: selector,
		invoker:  invoker,
		health:   health,
		logger:   logger,
	}
}

// Run executes the failover loop for one request against one
// configuration snapshot.
func (o *RetryOrchestrator) Run(ctx context.Context, cfg *config.Config, in *RunInput, trace *TraceRecorder) *RunResult {
	registry := NewProviderRegistry(cfg.Providers)
	merger := NewParameterMerger(cfg.Params)

	candidates := o.selector.Order(cfg, in.Tier)
	if len(candidates) == 0 {
		trace.Record(models.StageAllFailed, models.TraceFail,
			WithReason("no models configured for tier "+string(in.Tier)))
		return exhausted(nil, "no models configured for tier "+string(in.Tier), 0)
	}

	var attempted []string
	var lastReason string

	for attempt, entry := range candidates {
		ref, ep, err := registry.Resolve(entry)
		if err != nil {
			// Configuration gap, not upstream misbehavior: skip the
			// candidate without a health penalty.
			lastReason = err.Error()
			attempted = append(attempted, entry)
			trace.Record(models.StageModelFail, models.TraceFail,
				WithModel(entry), WithReason(lastReason), WithRetryCount(attempt))
			o.logger.Warn("candidate skipped", zap.String("entry", entry), zap.Error(err))
			continue
		}

		body, err := merger.Compose(in.ClientBody, ref, ep.Protocol)
		if err != nil {
			lastReason = err.Error()
			attempted = append(attempted, ref.String())
			trace.Record(models.StageModelFail, models.TraceFail,
				WithModel(ref.String()), WithReason(lastReason), WithRetryCount(attempt))
			continue
		}

		var stream StreamWriter
		if in.WantStream && !ep.Protocol.ForcesNonStreaming() {
			stream = in.Stream
		}

		outcome := o.invoker.Invoke(ctx, cfg, in.Tier, ref, ep, body, stream, trace, attempt)
		attempted = append(attempted, ref.String())

		if outcome.Success {
			return o.finishSuccess(cfg, in, outcome, trace, attempt, attempted)
		}

		if outcome.Kind == models.FailClientAbort {
			trace.Record(models.StageClientAbort, models.TraceInfo,
				WithModel(ref.String()), WithRetryCount(attempt))
			return &RunResult{
				Model:      ref.String(),
				Status:     models.LogStatusAborted,
				Streamed:   outcome.Streamed,
				RetryCount: attempt,
				Attempted:  attempted,
				LastReason: outcome.Reason,
			}
		}

		o.health.OnFailure(ref.String(), outcome.Kind)
		lastReason = outcome.Reason
		trace.Record(models.StageModelFail, models.TraceFail,
			WithModel(ref.String()),
			WithReason(fmt.Sprintf("%s: %s", outcome.Kind, outcome.Reason)),
			WithRetryCount(attempt))
		o.logger.Warn("model attempt failed",
			zap.String("model", ref.String()),
			zap.String("kind", string(outcome.Kind)),
			zap.String("reason", outcome.Reason),
			zap.Int("attempt", attempt))

		if outcome.Streamed {
			// Bytes reached the client; the attempt is committed. Close
			// the stream with an error frame. The timeline still gets its
			// terminal stage.
			o.writeStreamError(in.Stream, outcome)
			trace.Record(models.StageAllFailed, models.TraceFail,
				WithModel(ref.String()), WithReason(outcome.Reason))
			return &RunResult{
				Model:      ref.String(),
				Status:     models.LogStatusError,
				Streamed:   true,
				Text:       outcome.Text,
				RetryCount: attempt,
				Attempted:  attempted,
				LastReason: outcome.Reason,
			}
		}

		retryable := outcome.Kind.Retryable() || cfg.Retries.Conditions.StatusRetryable(outcome.StatusCode)
		if !retryable {
			// Pass the upstream response through verbatim.
			return &RunResult{
				Model:       ref.String(),
				Status:      models.LogStatusError,
				StatusCode:  outcome.StatusCode,
				ContentType: outcome.ContentType,
				Body:        outcome.Body,
				RetryCount:  attempt,
				Attempted:   attempted,
				LastReason:  outcome.Reason,
			}
		}
	}

	trace.Record(models.StageAllFailed, models.TraceFail, WithReason(lastReason))
	return exhausted(attempted, lastReason, len(candidates)-1)
}

// finishSuccess settles health, tokens and the client-facing framing for
// a successful attempt.
func (o *RetryOrchestrator) finishSuccess(
	cfg *config.Config,
	in *RunInput,
	outcome *AttemptOutcome,
	trace *TraceRecorder,
	attempt int,
	attempted []string,
) *RunResult {
	model := outcome.Ref.String()
	o.health.OnSuccess(model)
	trace.Record(models.StageFullResponse, models.TraceSuccess,
		WithModel(model), WithRetryCount(attempt))

	usage := outcome.Usage
	source := models.TokensUpstream
	if usage == nil {
		usage = &models.Usage{
			PromptTokens:     EstimateTokens(in.PromptText),
			CompletionTokens: EstimateTokens(outcome.Text),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		source = models.TokensLocal
	}

	res := &RunResult{
		Model:       model,
		Status:      models.LogStatusSuccess,
		Streamed:    outcome.Streamed,
		StatusCode:  http.StatusOK,
		ContentType: outcome.ContentType,
		Body:        outcome.Body,
		Text:        outcome.Text,
		Usage:       usage,
		TokenSource: source,
		RetryCount:  attempt,
		Attempted:   attempted,
	}

	if in.WantStream {
		if !outcome.Streamed {
			// The flavor forced a non-streaming upstream call; synthesize
			// the SSE frames the client asked for.
			o.writeSynthesizedStream(in.Stream, outcome)
			res.Streamed = true
		} else {
			o.writeDone(in.Stream)
		}
	}
	return res
}

// writeSynthesizedStream frames a fully buffered completion as one
// content chunk followed by the terminator.
func (o *RetryOrchestrator) writeSynthesizedStream(stream StreamWriter, outcome *AttemptOutcome) {
	chunk := map[string]any{
		"id":     "chatcmpl-" + uuid.New().String(),
		"object": "chat.completion.chunk",
		"model":  outcome.Ref.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]any{"role": "assistant", "content": outcome.Text},
				"finish_reason": "stop",
			},
		},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		o.logger.Error("marshal synthesized chunk failed", zap.Error(err))
		return
	}
	if err := stream.WriteChunk(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return
	}
	o.writeDone(stream)
}

// writeStreamError appends a final error frame and terminator to a
// stream that already carried bytes.
func (o *RetryOrchestrator) writeStreamError(stream StreamWriter, outcome *AttemptOutcome) {
	frame := map[string]any{
		"error": map[string]any{
			"kind":   string(outcome.Kind),
			"reason": outcome.Reason,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := stream.WriteChunk(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return
	}
	o.writeDone(stream)
}

func (o *RetryOrchestrator) writeDone(stream StreamWriter) {
	_ = stream.WriteChunk([]byte("data: [DONE]\n\n"))
}

// exhausted builds the 502 envelope for a fully failed request.
func exhausted(attempted []string, lastReason string, retryCount int) *RunResult {
	if attempted == nil {
		attempted = []string{}
	}
	if retryCount < 0 {
		retryCount = 0
	}
	var env exhaustedEnvelope
	env.Error.Kind = string(models.FailExhausted)
	env.Error.Attempted = attempted
	env.Error.LastReason = lastReason
	body, _ := json.Marshal(env)

	return &RunResult{
		Status:      models.LogStatusError,
		StatusCode:  http.StatusBadGateway,
		ContentType: "application/json",
		Body:        body,
		RetryCount:  retryCount,
		Attempted:   attempted,
		LastReason:  lastReason,
	}
}
