package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload_TypeAliases(t *testing.T) {
	p, err := ParsePayload([]byte(`{"type":"call_started","event_timestamp":1756000000,"data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "call_started", p.Type)
	assert.Equal(t, int64(1756000000), p.EventTimestamp)

	p, err = ParsePayload([]byte(`{"event_type":"post_call_audio","event_timestamp":"1756000001"}`))
	require.NoError(t, err)
	assert.Equal(t, "post_call_audio", p.Type)
	assert.Equal(t, int64(1756000001), p.EventTimestamp)
	assert.NotNil(t, p.Data)
}

func TestParsePayload_Errors(t *testing.T) {
	_, err := ParsePayload([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParsePayload([]byte(`{"event_timestamp":1756000000}`))
	assert.Error(t, err)

	_, err = ParsePayload([]byte(`{"type":"call_started"}`))
	assert.Error(t, err)

	_, err = ParsePayload([]byte(`{"type":"call_started","event_timestamp":"soon"}`))
	assert.Error(t, err)
}

func TestExtractCallSID_Priority(t *testing.T) {
	data := map[string]interface{}{
		"conversation_id": "conv_low",
		"call_id":         "CAtop",
		"metadata": map[string]interface{}{
			"call_sid": "CAmeta",
		},
		"conversation_initiation_client_data": map[string]interface{}{
			"dynamic_variables": map[string]interface{}{
				"call_sid": "CAdyn",
			},
		},
	}

	assert.Equal(t, "CAdyn", ExtractCallSID(data))

	delete(data, "conversation_initiation_client_data")
	assert.Equal(t, "CAmeta", ExtractCallSID(data))

	delete(data, "metadata")
	assert.Equal(t, "CAtop", ExtractCallSID(data))

	delete(data, "call_id")
	assert.Equal(t, "conv_low", ExtractCallSID(data))

	delete(data, "conversation_id")
	assert.Equal(t, "", ExtractCallSID(data))
}

func TestShouldIgnore(t *testing.T) {
	assert.True(t, ShouldIgnore("TEST_123", "call_started"))
	assert.True(t, ShouldIgnore("test_123", "call_started"))
	assert.True(t, ShouldIgnore("CA123", "call_initiation_failure"))
	assert.False(t, ShouldIgnore("CA123", "call_started"))
	assert.False(t, ShouldIgnore("", "call_started"))
}

func TestExtractTranscript_StructuredList(t *testing.T) {
	data := map[string]interface{}{
		"transcript": []interface{}{
			map[string]interface{}{"role": "user", "message": "Hello there"},
			map[string]interface{}{"role": "agent", "message": "Hi, how can I help?"},
			map[string]interface{}{"role": "user", "message": ""},
		},
		"analysis": map[string]interface{}{
			"transcript_summary": "Caller greeted the agent.",
		},
	}

	text, summary := ExtractTranscript(data)
	assert.Equal(t, "Customer: Hello there\nAgent: Hi, how can I help?", text)
	assert.Equal(t, "Caller greeted the agent.", summary)
}

func TestExtractTranscript_PlainStringAndTopLevelSummary(t *testing.T) {
	data := map[string]interface{}{
		"transcript": "raw text",
		"summary":    "short",
	}

	text, summary := ExtractTranscript(data)
	assert.Equal(t, "raw text", text)
	assert.Equal(t, "short", summary)
}

func TestCollectMetadata_DynamicVariablesWin(t *testing.T) {
	data := map[string]interface{}{
		"metadata": map[string]interface{}{
			"direction": "inbound",
			"extra":     "kept",
		},
		"conversation_initiation_client_data": map[string]interface{}{
			"dynamic_variables": map[string]interface{}{
				"direction": "outbound",
			},
		},
	}

	meta := CollectMetadata(data)
	assert.Equal(t, "outbound", meta["direction"])
	assert.Equal(t, "kept", meta["extra"])
}

func TestDeriveNumbers(t *testing.T) {
	tests := []struct {
		name      string
		meta      map[string]interface{}
		direction string
		wantFrom  string
		wantTo    string
	}{
		{
			name:      "inbound with explicit pair",
			meta:      map[string]interface{}{"from_number": "+15550001", "to_number": "+15559999"},
			direction: "inbound",
			wantFrom:  "+15550001",
			wantTo:    "+15559999",
		},
		{
			name:      "inbound customer number only",
			meta:      map[string]interface{}{"phone_number": "+15550002"},
			direction: "inbound",
			wantFrom:  "+15550002",
			wantTo:    "+15551000",
		},
		{
			name:      "outbound customer number only",
			meta:      map[string]interface{}{"phone_number": "+15550003"},
			direction: "outbound",
			wantFrom:  "+15551000",
			wantTo:    "+15550003",
		},
		{
			name:      "nothing known",
			meta:      map[string]interface{}{},
			direction: "inbound",
			wantFrom:  "unknown",
			wantTo:    "+15551000",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			from, to := DeriveNumbers(tc.meta, tc.direction, "+15551000")
			assert.Equal(t, tc.wantFrom, from)
			assert.Equal(t, tc.wantTo, to)
		})
	}
}

func TestExtractDirection(t *testing.T) {
	assert.Equal(t, "outbound", ExtractDirection(map[string]interface{}{"direction": "Outbound"}))
	assert.Equal(t, "inbound", ExtractDirection(map[string]interface{}{"call_direction": "inbound"}))
	assert.Equal(t, "inbound", ExtractDirection(map[string]interface{}{"direction": "sideways"}))
	assert.Equal(t, "inbound", ExtractDirection(map[string]interface{}{}))
}
