package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidEnvelope(t *testing.T) {
	raw := []byte(`{"status":"succeeded","summary":"done","artifacts":["a.patch"],"metadata":{"k":"v"}}`)
	e, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, e.Status)
	assert.Equal(t, []string{"a.patch"}, e.Artifacts)
}

func TestSynthesizeSuccessAndFailure(t *testing.T) {
	ok := Synthesize("all good", "", 0)
	assert.Equal(t, StatusSucceeded, ok.Status)

	bad := Synthesize("", "boom", 1)
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, "boom", bad.Error)
}

func TestDecodeWireLineRequiresLiteralMarker(t *testing.T) {
	good := []byte(`{"marker":"agentsdashboard.harness-runtime-event.v1","sequence":1,"type":"reasoning_delta","content":"hi"}`)
	evt, ok := DecodeWireLine(good)
	require.True(t, ok)
	assert.Equal(t, int64(1), evt.Sequence)

	other := []byte(`{"marker":"something-else","sequence":1}`)
	_, ok = DecodeWireLine(other)
	assert.False(t, ok)

	notJSON := []byte("plain log line")
	_, ok = DecodeWireLine(notJSON)
	assert.False(t, ok)
}

func TestExtractNestedProjectionOverridesOuter(t *testing.T) {
	payload := map[string]any{
		"outer": "value",
		"type":  "diff.updated",
		"schemaVersion": "2",
		"properties": map[string]any{"diffStat": "+1 -0"},
	}
	proj, ok := ExtractNestedProjection(payload)
	require.True(t, ok)
	assert.Equal(t, "diff.updated", proj.Type)
	assert.Equal(t, "2", proj.SchemaVersion)
	assert.Equal(t, "+1 -0", proj.Properties["diffStat"])
}

func TestExtractNestedProjectionAbsent(t *testing.T) {
	_, ok := ExtractNestedProjection(map[string]any{"content": "plain"})
	assert.False(t, ok)
}

func TestQueryPayloadWithDefaultQuery(t *testing.T) {
	payload := map[string]any{"type": "tool.lifecycle", "schemaVersion": "1", "properties": map[string]any{"x": 1.0}}
	results, err := QueryPayload(DefaultNestedProjectionQuery(), payload)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "tool.lifecycle", results[0])
}
