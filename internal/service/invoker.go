package service

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

// maxReconstructionBytes bounds the buffer used to rebuild the assistant
// text from a streamed response for logging and token accounting. The
// passthrough itself is unbounded.
const maxReconstructionBytes = 4 << 20

// maxErrorBodyBytes bounds how much of an upstream error body is kept.
const maxErrorBodyBytes = 64 << 10

// timeout phases for the two-phase attempt timer.
const (
	phaseConnect int32 = iota
	phaseGeneration
	phaseDone
)

// StreamWriter receives raw SSE bytes as they arrive from the upstream.
// The first successful write commits the attempt: no retry can happen
// after bytes reached the client.
type StreamWriter interface {
	WriteChunk(data []byte) error
}

// AttemptOutcome is the classified result of a single upstream attempt.
type AttemptOutcome struct {
	Ref      models.ModelRef
	Endpoint models.ProviderEndpoint

	Success    bool
	Kind       models.FailureKind
	Reason     string
	StatusCode int

	// Body is the verbatim upstream body: the full response for
	// non-streaming success, the error payload for failures, or the
	// bounded reconstruction for streams.
	Body        []byte
	ContentType string

	Text  string
	Usage *models.Usage

	// Streamed reports that response bytes were written to the client.
	Streamed bool
}

// UpstreamInvoker performs single upstream attempts with two-phase
// timeouts: a connect budget covering dial, TLS, request write and the
// first response header byte, then a generation budget covering the
// whole body read.
type UpstreamInvoker struct {
	logger *zap.Logger

	// No client-level timeouts; the phase timer cancels the request
	// context instead.
	client         *http.Client
	insecureClient *http.Client
}

// NewUpstreamInvoker creates an invoker with pooled transports.
func NewUpstreamInvoker(logger *zap.Logger) *UpstreamInvoker {
	transport := func(insecure bool) *http.Transport {
		t := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		}
		if insecure {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return t
	}
	return &UpstreamInvoker{
		logger:         logger,
		client:         &http.Client{Transport: transport(false)},
		insecureClient: &http.Client{Transport: transport(true)},
	}
}

// Invoke performs one attempt against the resolved endpoint. body is the
// composed upstream request body. stream is non-nil when the client
// asked for SSE and the flavor can stream; in that case upstream bytes
// are passed through as they arrive.
func (inv *UpstreamInvoker) Invoke(
	ctx context.Context,
	cfg *config.Config,
	tier models.Tier,
	ref models.ModelRef,
	ep models.ProviderEndpoint,
	body []byte,
	stream StreamWriter,
	trace *TraceRecorder,
	attempt int,
) *AttemptOutcome {
	out := &AttemptOutcome{Ref: ref, Endpoint: ep}

	connectTimeout := cfg.Timeouts.Connect.For(tier, 5*time.Second)
	generationTimeout := cfg.Timeouts.Generation.For(tier, 30*time.Second)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var phase atomic.Int32
	var expiredPhase atomic.Int32
	expiredPhase.Store(-1)

	arm := func(d time.Duration) *time.Timer {
		return time.AfterFunc(d, func() {
			expiredPhase.Store(phase.Load())
			cancel()
		})
	}
	timer := arm(connectTimeout)
	defer func() { timer.Stop() }()

	url := ep.BaseURL + ep.Protocol.PathSuffix()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out.fail(models.FailTransport, fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Protocol == models.FlavorMessages {
		req.Header.Set("x-api-key", ep.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	} else if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	trace.Record(models.StageModelCallStart, models.TraceInfo,
		WithModel(ref.String()),
		WithProvider(ref.Provider),
		WithRetryCount(attempt))

	client := inv.client
	if !ep.VerifyTLS {
		client = inv.insecureClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return out.classifyTransport(ctx, err, expiredPhase.Load(), false)
	}
	defer resp.Body.Close()

	// Headers arrived: switch the timer to the generation budget.
	timer.Stop()
	phase.Store(phaseGeneration)
	if expiredPhase.Load() < 0 {
		timer = arm(generationTimeout)
	}

	out.StatusCode = resp.StatusCode
	out.ContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		out.Body = errBody
		kind := classifyStatus(resp.StatusCode)
		return out.fail(kind, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}

	upstreamStreaming := strings.Contains(out.ContentType, "text/event-stream")
	if stream != nil && upstreamStreaming {
		inv.passthrough(ctx, resp.Body, stream, trace, out, expiredPhase.Load)
		phase.Store(phaseDone)
		return out
	}

	respBody, err := io.ReadAll(resp.Body)
	phase.Store(phaseDone)
	if err != nil {
		return out.classifyTransport(ctx, err, expiredPhase.Load(), false)
	}
	out.Body = respBody

	comp, err := models.ExtractCompletion(ep.Protocol, respBody)
	if err != nil {
		return out.fail(models.FailEmptyResponse, fmt.Sprintf("unparseable response body: %v", err))
	}
	out.Text = comp.Text
	out.Usage = comp.Usage

	if kw := cfg.Retries.Conditions.MatchKeyword(string(respBody)); kw != "" {
		return out.fail(models.FailBodyKeyword, fmt.Sprintf("body matched keyword %q", kw))
	}
	// A tool-call response legitimately carries no text.
	if comp.Empty() && cfg.Retries.Conditions.RetryOnEmpty {
		return out.fail(models.FailEmptyResponse, "empty completion text")
	}

	out.Success = true
	return out
}

// passthrough copies SSE bytes from the upstream to the client as they
// arrive, reconstructing the assistant text on the side. The upstream
// [DONE] marker is swallowed; the orchestrator terminates the client
// stream itself.
func (inv *UpstreamInvoker) passthrough(
	ctx context.Context,
	upstream io.Reader,
	stream StreamWriter,
	trace *TraceRecorder,
	out *AttemptOutcome,
	expired func() int32,
) {
	reader := bufio.NewReader(upstream)
	var text strings.Builder
	var buffered int
	firstToken := false

	finish := func() {
		out.Text = text.String()
		out.Body = []byte(out.Text)
	}

	for {
		line, err := reader.ReadBytes('\n')

		if len(line) > 0 {
			payload, isData := cutSSEData(line)
			if isData && bytes.Equal(payload, []byte("[DONE]")) {
				finish()
				out.Success = true
				return
			}

			if werr := stream.WriteChunk(line); werr != nil {
				finish()
				out.Streamed = true
				out.failStream(models.FailClientAbort, "client disconnected mid-stream")
				return
			}
			out.Streamed = true

			if isData && len(payload) > 0 {
				if !firstToken {
					firstToken = true
					trace.Record(models.StageFirstToken, models.TraceInfo, WithModel(out.Ref.String()))
				}
				if delta, derr := models.ParseStreamData(payload); derr == nil {
					if buffered < maxReconstructionBytes {
						text.WriteString(delta.Content)
						buffered += len(delta.Content)
					}
					if delta.Usage != nil {
						out.Usage = delta.Usage
					}
				}
			}
		}

		if err != nil {
			finish()
			if errors.Is(err, io.EOF) {
				// Upstream closed without [DONE]. Committed bytes still
				// count as success; an unstarted stream is empty.
				if out.Streamed && firstToken {
					out.Success = true
					return
				}
				out.fail(models.FailEmptyResponse, "upstream stream ended without data")
				return
			}

			if ctx.Err() != nil && expired() < 0 {
				out.failStream(models.FailClientAbort, "client disconnected mid-stream")
				return
			}
			if out.Streamed {
				out.failStream(models.FailStreamAbort, fmt.Sprintf("stream aborted: %v", err))
				return
			}
			switch expired() {
			case phaseConnect:
				out.fail(models.FailTimeoutConnect, "connect phase timed out")
			case phaseGeneration:
				out.fail(models.FailTimeoutGeneration, "generation phase timed out")
			default:
				out.fail(models.FailTransport, fmt.Sprintf("stream read failed: %v", err))
			}
			return
		}
	}
}

// cutSSEData returns the payload of a "data:" line and whether the line
// was a data line at all.
func cutSSEData(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	payload, ok := bytes.CutPrefix(trimmed, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimSpace(payload), true
}

func (o *AttemptOutcome) fail(kind models.FailureKind, reason string) *AttemptOutcome {
	o.Success = false
	o.Kind = kind
	o.Reason = reason
	return o
}

// failStream marks a failure that happened after bytes were committed.
func (o *AttemptOutcome) failStream(kind models.FailureKind, reason string) *AttemptOutcome {
	o.Streamed = true
	return o.fail(kind, reason)
}

// classifyTransport maps a transport-level error onto a failure kind
// using the phase timer state and the parent context.
func (o *AttemptOutcome) classifyTransport(parent context.Context, err error, expired int32, streamed bool) *AttemptOutcome {
	o.Streamed = o.Streamed || streamed
	switch {
	case expired == phaseConnect:
		return o.fail(models.FailTimeoutConnect, "connect phase timed out")
	case expired == phaseGeneration:
		return o.fail(models.FailTimeoutGeneration, "generation phase timed out")
	case parent.Err() != nil:
		return o.fail(models.FailClientAbort, "client disconnected")
	default:
		return o.fail(models.FailTransport, fmt.Sprintf("upstream request failed: %v", err))
	}
}

// classifyStatus maps an HTTP error status onto a failure kind.
func classifyStatus(status int) models.FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.FailAuth
	case status == http.StatusTooManyRequests:
		return models.FailRateLimited
	case status >= 500:
		return models.FailServerError
	default:
		return models.FailClientError
	}
}
