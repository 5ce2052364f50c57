//go:build !integration && !e2e

package service

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/smartroute-go/internal/models"
)

func TestTraceRecordsInOrder(t *testing.T) {
	tr := NewTraceRecorder()
	tr.Record(models.StageReqReceived, models.TraceInfo)
	tr.Record(models.StageModelCallStart, models.TraceInfo,
		WithModel("groq/llama"), WithProvider("groq"), WithRetryCount(1))
	tr.Record(models.StageModelFail, models.TraceFail, WithReason("timeout_connect"))

	events := tr.Events()
	require.Len(t, events, 3)
	assert.Equal(t, models.StageReqReceived, events[0].Stage)
	assert.Equal(t, "groq/llama", events[1].Model)
	assert.Equal(t, "groq", events[1].Provider)
	assert.Equal(t, 1, events[1].RetryCount)
	assert.Equal(t, "timeout_connect", events[2].Reason)

	assert.GreaterOrEqual(t, events[1].ElapsedMs, events[0].ElapsedMs)
	assert.GreaterOrEqual(t, events[2].ElapsedMs, events[1].ElapsedMs)
}

func TestTraceEventsReturnsCopy(t *testing.T) {
	tr := NewTraceRecorder()
	tr.Record(models.StageReqReceived, models.TraceInfo)

	events := tr.Events()
	events[0].Stage = "MUTATED"

	assert.Equal(t, models.StageReqReceived, tr.Events()[0].Stage)
}

func TestTraceJSON(t *testing.T) {
	tr := NewTraceRecorder()
	assert.Equal(t, "[]", tr.JSON())

	tr.Record(models.StageRouterEnd, models.TraceSuccess, WithReason("classified as t2"))

	var decoded []models.TraceEvent
	require.NoError(t, json.Unmarshal([]byte(tr.JSON()), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, models.StageRouterEnd, decoded[0].Stage)
}

func TestTraceConcurrentRecord(t *testing.T) {
	tr := NewTraceRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(models.StageModelCallStart, models.TraceInfo)
		}()
	}
	wg.Wait()
	assert.Len(t, tr.Events(), 20)
}
