// Package handler implements the HTTP handlers for the gateway and the
// management API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
	"github.com/user/smartroute-go/internal/repository"
	"github.com/user/smartroute-go/internal/service"
)

// promptPreviewRunes bounds the prompt excerpt stored in the request log.
const promptPreviewRunes = 200

// ChatHandler serves the protocol-compatible chat-completion surface.
type ChatHandler struct {
	store        *config.Store
	classifier   *service.IntentClassifier
	orchestrator *service.RetryOrchestrator
	logRepo      *repository.RequestLogRepository
	logger       *zap.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(
	store *config.Store,
	classifier *service.IntentClassifier,
	orchestrator *service.RetryOrchestrator,
	logRepo *repository.RequestLogRepository,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		store:        store,
		classifier:   classifier,
		orchestrator: orchestrator,
		logRepo:      logRepo,
		logger:       logger,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	receivedAt := time.Now()
	trace := service.NewTraceRecorder()
	trace.Record(models.StageReqReceived, models.TraceInfo)

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": "unreadable request body"},
		})
		return
	}

	var bodyMap map[string]any
	if err := json.Unmarshal(rawBody, &bodyMap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": "request body is not valid JSON"},
		})
		return
	}
	var req models.ChatRequest
	if err := json.Unmarshal(rawBody, &req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "bad_request", "reason": "messages must be a non-empty array"},
		})
		return
	}

	cfg := h.store.Snapshot()
	requestID := uuid.New().String()
	ctx := c.Request.Context()

	tier := h.classifier.Classify(ctx, cfg, &req, trace)

	promptText := req.LastUserText()

	var sse *sseWriter
	in := &service.RunInput{
		Tier:       tier,
		ClientBody: bodyMap,
		PromptText: promptText,
		WantStream: req.Stream,
	}
	if req.Stream {
		sse = newSSEWriter(c)
		in.Stream = sse
	}

	res := h.orchestrator.Run(ctx, cfg, in, trace)

	if !res.Streamed && res.Status != models.LogStatusAborted {
		contentType := res.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(res.StatusCode, contentType, res.Body)
	}

	h.saveLog(requestID, receivedAt, tier, &req, rawBody, res, trace, "")
}

// ListModels handles GET /v1/models with the OpenAI list schema.
func (h *ChatHandler) ListModels(c *gin.Context) {
	cfg := h.store.Snapshot()

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	entries := make([]modelEntry, 0)
	for _, m := range cfg.Models.AllModels() {
		entries = append(entries, modelEntry{ID: m, Object: "model", OwnedBy: "smart-route"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}

// saveLog persists the terminal request record asynchronously so the
// response path never waits on SQLite.
func (h *ChatHandler) saveLog(
	requestID string,
	receivedAt time.Time,
	tier models.Tier,
	req *models.ChatRequest,
	rawBody []byte,
	res *service.RunResult,
	trace *service.TraceRecorder,
	stackTrace string,
) {
	entry := &models.RequestLogEntry{
		ID:            requestID,
		ReceivedAt:    receivedAt,
		Tier:          tier,
		Model:         res.Model,
		DurationMs:    trace.ElapsedMs(),
		Status:        res.Status,
		RetryCount:    res.RetryCount,
		PromptPreview: truncateRunes(req.LastUserText(), promptPreviewRunes),
		RequestBody:   string(rawBody),
		ResponseBody:  responseBodyForLog(res),
		Trace:         trace.JSON(),
		StackTrace:    stackTrace,
		TokenSource:   res.TokenSource,
	}
	if res.Usage != nil {
		entry.PromptTokens = res.Usage.PromptTokens
		entry.CompletionTokens = res.Usage.CompletionTokens
	}
	if entry.TokenSource == "" {
		entry.TokenSource = models.TokensLocal
	}

	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.logRepo.Insert(saveCtx, entry); err != nil {
			h.logger.Error("failed to save request log",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}()
}

func responseBodyForLog(res *service.RunResult) string {
	if res.Streamed || len(res.Body) == 0 {
		return res.Text
	}
	return string(res.Body)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// sseWriter streams raw SSE bytes to the client, sending headers lazily
// on the first chunk so failures before commit can still use plain JSON
// status codes.
type sseWriter struct {
	c     *gin.Context
	wrote bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c}
}

// WriteChunk implements service.StreamWriter.
func (w *sseWriter) WriteChunk(data []byte) error {
	if !w.wrote {
		w.wrote = true
		header := w.c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		w.c.Writer.WriteHeader(http.StatusOK)
	}
	if _, err := w.c.Writer.Write(data); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}
