package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/user/smartroute-go/internal/models"
)

// TraceRecorder collects the per-request timeline. Append-only and safe
// for concurrent use; elapsed times come from a monotonic start point.
type TraceRecorder struct {
	mu     sync.Mutex
	start  time.Time
	events []models.TraceEvent
}

// NewTraceRecorder starts a timeline at now.
func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{start: time.Now()}
}

// Record appends one event. Model, provider and reason are optional and
// set by the option funcs.
func (t *TraceRecorder) Record(stage models.TraceStage, status models.TraceStatus, opts ...TraceOption) {
	ev := models.TraceEvent{
		Stage:     stage,
		Timestamp: time.Now(),
		Status:    status,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	t.mu.Lock()
	ev.ElapsedMs = float64(time.Since(t.start).Microseconds()) / 1000
	t.events = append(t.events, ev)
	t.mu.Unlock()
}

// TraceOption decorates a trace event.
type TraceOption func(*models.TraceEvent)

// WithModel tags the event with the canonical model reference.
func WithModel(model string) TraceOption {
	return func(ev *models.TraceEvent) { ev.Model = model }
}

// WithProvider tags the event with the provider id.
func WithProvider(provider string) TraceOption {
	return func(ev *models.TraceEvent) { ev.Provider = provider }
}

// WithReason attaches a failure or decision reason.
func WithReason(reason string) TraceOption {
	return func(ev *models.TraceEvent) { ev.Reason = reason }
}

// WithRetryCount tags the event with the attempt ordinal.
func WithRetryCount(n int) TraceOption {
	return func(ev *models.TraceEvent) { ev.RetryCount = n }
}

// Events returns a copy of the timeline.
func (t *TraceRecorder) Events() []models.TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// ElapsedMs returns the time since the timeline started.
func (t *TraceRecorder) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000
}

// JSON serializes the timeline for the request log. Always returns valid
// JSON; serialization failures degrade to an empty array.
func (t *TraceRecorder) JSON() string {
	data, err := json.Marshal(t.Events())
	if err != nil {
		return "[]"
	}
	return string(data)
}
