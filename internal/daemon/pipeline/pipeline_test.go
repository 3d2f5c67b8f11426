package pipeline

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/secrets"
)

type memSink struct {
	mu         sync.Mutex
	events     []model.RunEvent
	diffs      []model.DiffSnapshot
	tools      []model.ToolProjection
	questions  []model.QuestionRequest
}

func (m *memSink) AppendEvent(e model.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}
func (m *memSink) UpsertDiffSnapshot(d model.DiffSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diffs = append(m.diffs, d)
	return nil
}
func (m *memSink) UpsertToolProjection(tp model.ToolProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append(m.tools, tp)
	return nil
}
func (m *memSink) CreateQuestionRequest(q model.QuestionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append(m.questions, q)
	return nil
}

type memRunUpdater struct {
	summary, errMsg string
}

func (m *memRunUpdater) AttachCompletion(runID, summary, errMsg string) error {
	m.summary, m.errMsg = summary, errMsg
	return nil
}

func wireLine(seqNum int64, typ, content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"marker":   "agentsdashboard.harness-runtime-event.v1",
		"sequence": seqNum,
		"type":     typ,
		"content":  content,
	})
	return b
}

func TestIngestSequenceMonotonicity(t *testing.T) {
	sink := &memSink{}
	p := New(sink, nil, secrets.New())

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Ingest("run-1", "task-1", wireLine(int64(i), "thinking", `{"thinking":"step"}`)))
	}

	require.Len(t, sink.events, 5)
	var last int64
	for _, e := range sink.events {
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
}

func TestIngestRawLineBecomesLogCategory(t *testing.T) {
	sink := &memSink{}
	p := New(sink, nil, secrets.New())
	require.NoError(t, p.Ingest("run-1", "task-1", []byte("plain stdout line")))
	require.Len(t, sink.events, 1)
	assert.Equal(t, model.CategoryLog, sink.events[0].Category)
}

func TestIngestRedactsSecrets(t *testing.T) {
	sink := &memSink{}
	r := secrets.New()
	r.Register("sekret-value")
	p := New(sink, nil, r)

	require.NoError(t, p.Ingest("run-1", "task-1", []byte("leaking sekret-value in log")))
	require.Len(t, sink.events, 1)
	line, _ := sink.events[0].Payload["line"].(string)
	assert.NotContains(t, line, "sekret-value")
}

func TestIngestCompletionAttachesSummary(t *testing.T) {
	sink := &memSink{}
	runs := &memRunUpdater{}
	p := New(sink, runs, secrets.New())

	line := wireLine(1, "completion", `{"summary":"all good","error":""}`)
	require.NoError(t, p.Ingest("run-1", "task-1", line))
	assert.Equal(t, "all good", runs.summary)
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	sink := &memSink{}
	p := New(sink, nil, secrets.New())
	ch, unsub := p.Subscribe("run-1")
	defer unsub()

	require.NoError(t, p.Ingest("run-1", "task-1", wireLine(1, "thinking", `{"thinking":"x"}`)))
	select {
	case evt := <-ch:
		assert.Equal(t, int64(1), evt.Sequence)
	default:
		t.Fatal("expected a published event")
	}
}
