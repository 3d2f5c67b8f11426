// Package envelope implements the Envelope Codec (component C): parsing and
// normalising the harness JSON result envelope, and extracting the nested
// structured-event projection a payload may carry.
package envelope

import (
	"encoding/json"
	"strings"

	"github.com/itchyny/gojq"
)

// Status enumerates the terminal outcome a harness envelope reports.
type Status string

const (
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusPendingApproval Status = "pending-approval"
)

// Envelope is the terminal JSON object a harness emits.
type Envelope struct {
	Status    Status            `json:"status"`
	Summary   string            `json:"summary"`
	Error     string            `json:"error"`
	Artifacts []string          `json:"artifacts"`
	Metadata  map[string]string `json:"metadata"`
}

// Parse decodes a harness's final stdout payload as an Envelope. If raw is
// not valid JSON, the caller should fall back to Synthesize.
func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Synthesize builds an Envelope from a harness's raw exit signal when it
// produced no parseable JSON envelope.
func Synthesize(stdout, stderr string, exitCode int) *Envelope {
	status := StatusSucceeded
	errMsg := ""
	if exitCode != 0 {
		status = StatusFailed
		errMsg = strings.TrimSpace(stderr)
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout)
		}
	}
	return &Envelope{
		Status:  status,
		Summary: strings.TrimSpace(stdout),
		Error:   errMsg,
	}
}

// WireEvent is the structured-event wire format: one JSON object
// per newline-delimited chunk.
type WireEvent struct {
	Marker   string            `json:"marker"`
	Sequence int64             `json:"sequence"`
	Type     string            `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// WireMarker is the literal marker consumers must match exactly.
const WireMarker = "agentsdashboard.harness-runtime-event.v1"

// nestedProjectionQuery extracts a nested structured projection (type,
// schemaVersion, properties) from a decoded payload, if present.
var nestedProjectionQuery = mustParseQuery(".type, .schemaVersion, .properties")

func mustParseQuery(src string) *gojq.Query {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(err)
	}
	return q
}

// NestedProjection is the overriding structured projection a payload may
// carry: when it itself has type/schemaVersion/properties fields, that
// nested projection overrides the outer event.
type NestedProjection struct {
	Type          string
	SchemaVersion string
	Properties    map[string]any
}

// ExtractNestedProjection inspects a decoded payload map for a nested
// structured projection. It returns ok=false when the payload carries no
// such projection, in which case the outer event's type/schema stand.
func ExtractNestedProjection(payload map[string]any) (NestedProjection, bool) {
	typ, hasType := payload["type"].(string)
	if !hasType || typ == "" {
		return NestedProjection{}, false
	}
	schemaVersion, _ := payload["schemaVersion"].(string)
	props, _ := payload["properties"].(map[string]any)
	if props == nil {
		return NestedProjection{}, false
	}
	return NestedProjection{Type: typ, SchemaVersion: schemaVersion, Properties: props}, true
}

// QueryPayload runs a jq expression (e.g. a task-configured override of
// nestedProjectionQuery) against a decoded payload and returns every result
// value gojq yields. Used when a harness's structured projection lives at a
// non-standard path within its payload.
func QueryPayload(query *gojq.Query, payload map[string]any) ([]any, error) {
	iter := query.Run(payload)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

// DefaultNestedProjectionQuery exposes the compiled ".type, .schemaVersion,
// .properties" query, for callers that want to run it themselves via
// QueryPayload (e.g. against a batch of payloads). ExtractNestedProjection
// does not use it; it reads the same three keys with plain map lookups.
func DefaultNestedProjectionQuery() *gojq.Query { return nestedProjectionQuery }

// DecodeWireLine attempts to decode one newline-delimited chunk as a
// WireEvent. ok is false (and the caller should treat the line as a raw log
// line) unless the marker matches literally.
func DecodeWireLine(line []byte) (*WireEvent, bool) {
	var e WireEvent
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, false
	}
	if e.Marker != WireMarker {
		return nil, false
	}
	return &e, true
}
