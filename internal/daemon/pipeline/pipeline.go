// Package pipeline implements the Structured Event Pipeline (component F):
// it canonicalises harness chunks into sequenced structured events, maintains
// diff snapshots and tool projections, and fans events out to subscribers.
// Grounded on this codebase's prior pkg/workflow/events.go EventEmitter, generalized
// from a single-workflow listener registry into a per-run fan-out broker.
package pipeline

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/envelope"
	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/secrets"
)

// RunUpdater is the narrow slice of the Run Store the pipeline needs to
// attach a completion summary to a Run record.
type RunUpdater interface {
	AttachCompletion(runID, summary, errMsg string) error
}

// EventSink persists the canonical rows the pipeline produces. The store
// package implements this.
type EventSink interface {
	AppendEvent(model.RunEvent) error
	UpsertDiffSnapshot(model.DiffSnapshot) error
	UpsertToolProjection(model.ToolProjection) error
	CreateQuestionRequest(model.QuestionRequest) error
}

// Pipeline ingests chunks for many runs concurrently; persistence for a
// single run-id is single-writer to preserve the strictly-increasing
// sequence invariant.
type Pipeline struct {
	Sink     EventSink
	Runs     RunUpdater
	Redactor *secrets.Redactor

	mu          sync.Mutex
	sequences   map[string]int64
	subscribers map[string][]chan model.RunEvent
}

// New builds a Pipeline.
func New(sink EventSink, runs RunUpdater, redactor *secrets.Redactor) *Pipeline {
	return &Pipeline{
		Sink:        sink,
		Runs:        runs,
		Redactor:    redactor,
		sequences:   make(map[string]int64),
		subscribers: make(map[string][]chan model.RunEvent),
	}
}

// Subscribe returns a channel receiving every event persisted for runID from
// this point on, and an unsubscribe function.
func (p *Pipeline) Subscribe(runID string) (<-chan model.RunEvent, func()) {
	ch := make(chan model.RunEvent, 64)
	p.mu.Lock()
	p.subscribers[runID] = append(p.subscribers[runID], ch)
	p.mu.Unlock()

	unsub := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subscribers[runID]
		for i, c := range subs {
			if c == ch {
				p.subscribers[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsub
}

func (p *Pipeline) nextSequence(runID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[runID]++
	return p.sequences[runID]
}

func (p *Pipeline) publish(evt model.RunEvent) {
	p.mu.Lock()
	subs := append([]chan model.RunEvent(nil), p.subscribers[evt.RunID]...)
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Ingest processes one chunk for runID: redacts it, classifies it into a
// canonical category, persists the structured row, and fans it out to
// subscribers.
func (p *Pipeline) Ingest(runID, taskID string, raw []byte) error {
	text := string(raw)
	if p.Redactor != nil {
		text = p.Redactor.Redact(text)
	}

	wire, ok := envelope.DecodeWireLine([]byte(text))
	if !ok {
		return p.persistLog(runID, text)
	}

	var payload map[string]any
	if wire.Content != "" {
		_ = json.Unmarshal([]byte(wire.Content), &payload)
	}
	if payload == nil {
		payload = map[string]any{"content": wire.Content}
		for k, v := range wire.Metadata {
			payload[k] = v
		}
	}

	category := canonicalCategory(wire.Type, payload)
	schemaVersion := "1"
	if nested, hasNested := envelope.ExtractNestedProjection(payload); hasNested {
		category = canonicalCategory(nested.Type, nested.Properties)
		if nested.SchemaVersion != "" {
			schemaVersion = nested.SchemaVersion
		}
		payload = nested.Properties
	}

	seq := p.nextSequence(runID)
	evt := model.RunEvent{
		RunID:         runID,
		Sequence:      seq,
		EventType:     wire.Type,
		Category:      category,
		Payload:       payload,
		SchemaVersion: schemaVersion,
		Timestamp:     time.Now().UTC(),
	}
	if err := p.Sink.AppendEvent(evt); err != nil {
		return err
	}

	switch category {
	case model.CategoryToolLifecycle:
		p.upsertToolProjection(runID, payload)
	case model.CategoryDiffUpdated:
		p.upsertDiffSnapshot(runID, seq, payload)
	case model.CategoryQuestionRequest:
		p.createQuestionRequest(runID, taskID, payload)
	case model.CategoryRunCompleted:
		p.attachCompletion(runID, payload)
	}

	p.publish(evt)
	return nil
}

func (p *Pipeline) persistLog(runID, text string) error {
	seq := p.nextSequence(runID)
	evt := model.RunEvent{
		RunID:     runID,
		Sequence:  seq,
		Category:  model.CategoryLog,
		Payload:   map[string]any{"line": text},
		Timestamp: time.Now().UTC(),
	}
	if err := p.Sink.AppendEvent(evt); err != nil {
		return err
	}
	p.publish(evt)
	return nil
}

// canonicalCategory maps a wire event type to a canonical category.
func canonicalCategory(eventType string, payload map[string]any) model.RunEventCategory {
	switch {
	case eventType == "reasoning_delta" || eventType == "thinking":
		return model.CategoryReasoningDelta
	case hasPrefix(eventType, "tool.") && payload["state"] != nil:
		return model.CategoryToolLifecycle
	case eventType == "completion" || eventType == "run_completed":
		return model.CategoryRunCompleted
	case hasPrefix(eventType, "diff.") || payload["session.diff"] != nil:
		return model.CategoryDiffUpdated
	case eventType == "request_user_input":
		return model.CategoryQuestionRequest
	default:
		return model.CategoryStructured
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (p *Pipeline) upsertToolProjection(runID string, payload map[string]any) {
	callID, _ := payload["tool_call_id"].(string)
	if callID == "" {
		return
	}
	name, _ := payload["tool_name"].(string)
	stateStr, _ := payload["state"].(string)
	proj := model.ToolProjection{
		RunID:      runID,
		ToolCallID: callID,
		ToolName:   name,
		State:      model.ToolProjectionState(stateStr),
		StartedAt:  time.Now().UTC(),
	}
	if in, ok := payload["input"].(map[string]any); ok {
		proj.Input = in
	}
	if out, ok := payload["output"].(map[string]any); ok {
		proj.Output = out
	}
	_ = p.Sink.UpsertToolProjection(proj)
}

func (p *Pipeline) upsertDiffSnapshot(runID string, seq int64, payload map[string]any) {
	summary, _ := payload["summary"].(string)
	stat, _ := payload["diffStat"].(string)
	patch, _ := payload["diffPatch"].(string)
	_ = p.Sink.UpsertDiffSnapshot(model.DiffSnapshot{
		RunID:     runID,
		Sequence:  seq,
		Summary:   summary,
		DiffStat:  stat,
		DiffPatch: patch,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Pipeline) createQuestionRequest(runID, taskID string, payload map[string]any) {
	sourceTool, _ := payload["tool_name"].(string)
	req := model.QuestionRequest{
		RunID:      runID,
		TaskID:     taskID,
		Status:     model.QuestionPending,
		SourceTool: sourceTool,
		CreatedAt:  time.Now().UTC(),
	}
	if id, ok := payload["id"].(string); ok {
		req.ID = id
	}
	_ = p.Sink.CreateQuestionRequest(req)
}

func (p *Pipeline) attachCompletion(runID string, payload map[string]any) {
	summary, _ := payload["summary"].(string)
	errMsg, _ := payload["error"].(string)
	if p.Runs != nil {
		_ = p.Runs.AttachCompletion(runID, summary, errMsg)
	}
}
