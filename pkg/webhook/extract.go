package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"callbridge-server/pkg/errors"
)

// Event types this service reconciles. Anything else is acknowledged
// and ignored.
const (
	EventCallStarted       = "call_started"
	EventTranscription     = "post_call_transcription"
	EventAudio             = "post_call_audio"
	EventInitiationFailure = "call_initiation_failure"
)

// genericEventTypes are legacy variants carrying partial call data.
var genericEventTypes = map[string]bool{
	"call_completed":  true,
	"transcription":   true,
	"summary":         true,
	"audio_available": true,
}

// Payload is one webhook delivery after parsing.
type Payload struct {
	Type           string
	EventTimestamp int64
	Data           map[string]interface{}
}

type rawPayload struct {
	Type           string                 `json:"type"`
	EventType      string                 `json:"event_type"`
	EventTimestamp json.RawMessage        `json:"event_timestamp"`
	Data           map[string]interface{} `json:"data"`
}

// ParsePayload decodes a delivery body. The event timestamp arrives as
// either a number or a numeric string depending on vendor version.
func ParsePayload(body []byte) (*Payload, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "malformed webhook body")
	}

	eventType := raw.Type
	if eventType == "" {
		eventType = raw.EventType
	}
	if eventType == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "webhook payload has no event type")
	}

	ts, ok := parseTimestamp(raw.EventTimestamp)
	if !ok {
		return nil, errors.Wrap(errors.ErrInvalidInput, "webhook payload has no event timestamp")
	}

	data := raw.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	return &Payload{Type: eventType, EventTimestamp: ts, Data: data}, nil
}

func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return int64(asNumber), true
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(asString), 10, 64); err == nil {
			return parsed, true
		}
	}

	return 0, false
}

// sidAliases is the prioritized alias list for the call identifier
// inside nested sections.
var sidAliases = []string{"call_sid", "twilio_call_sid", "external_call_id", "call_id"}

// ExtractCallSID resolves the call identity from a delivery's data
// section. Lookup order: initiation dynamic variables, the metadata
// section, top-level aliases, then the conversation id as last resort.
func ExtractCallSID(data map[string]interface{}) string {
	if cid, ok := data["conversation_initiation_client_data"].(map[string]interface{}); ok {
		if dyn, ok := cid["dynamic_variables"].(map[string]interface{}); ok {
			if sid := firstString(dyn, sidAliases); sid != "" {
				return sid
			}
		}
	}

	if meta, ok := data["metadata"].(map[string]interface{}); ok {
		if sid := firstString(meta, sidAliases); sid != "" {
			return sid
		}
	}

	if sid := firstString(data, []string{"call_id", "call_sid", "external_call_id"}); sid != "" {
		return sid
	}

	if conv, ok := data["conversation_id"].(string); ok && strings.TrimSpace(conv) != "" {
		return strings.TrimSpace(conv)
	}

	return ""
}

// ShouldIgnore reports whether a delivery is acknowledged but skipped:
// synthetic test call sids and initiation failures.
func ShouldIgnore(callSID, eventType string) bool {
	if callSID == "" {
		return false
	}
	if strings.HasPrefix(strings.ToUpper(callSID), "TEST_") {
		return true
	}
	return strings.ToLower(strings.TrimSpace(eventType)) == EventInitiationFailure
}

// ExtractTranscript returns the flattened transcript text and summary.
// Structured transcripts become "Role: message" lines, with the vendor's
// "user" role shown as Customer.
func ExtractTranscript(data map[string]interface{}) (string, string) {
	summary, _ := data["summary"].(string)
	if summary == "" {
		if analysis, ok := data["analysis"].(map[string]interface{}); ok {
			summary, _ = analysis["transcript_summary"].(string)
		}
	}

	switch transcript := data["transcript"].(type) {
	case string:
		return transcript, summary
	case []interface{}:
		var parts []string
		for _, entry := range transcript {
			item, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			message, _ := item["message"].(string)
			if message == "" {
				continue
			}
			role, _ := item["role"].(string)
			if role == "" {
				role = "unknown"
			}
			if strings.ToLower(role) == "user" {
				role = "Customer"
			} else {
				role = capitalize(role)
			}
			parts = append(parts, fmt.Sprintf("%s: %s", role, strings.TrimSpace(message)))
		}
		return strings.Join(parts, "\n"), summary
	}

	return "", summary
}

// CollectMetadata merges the initiation dynamic variables and the
// metadata section into one lookup map. Dynamic variables win.
func CollectMetadata(data map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}

	if meta, ok := data["metadata"].(map[string]interface{}); ok {
		for k, v := range meta {
			merged[k] = v
		}
	}
	if cid, ok := data["conversation_initiation_client_data"].(map[string]interface{}); ok {
		if dyn, ok := cid["dynamic_variables"].(map[string]interface{}); ok {
			for k, v := range dyn {
				merged[k] = v
			}
		}
	}

	return merged
}

// ExtractDirection reads the call direction from merged metadata,
// defaulting to inbound.
func ExtractDirection(meta map[string]interface{}) string {
	raw := ""
	if v, ok := meta["direction"].(string); ok {
		raw = v
	} else if v, ok := meta["call_direction"].(string); ok {
		raw = v
	}
	direction := strings.ToLower(strings.TrimSpace(raw))
	if direction == "inbound" || direction == "outbound" {
		return direction
	}
	return "inbound"
}

// DeriveNumbers resolves from/to numbers from merged metadata, filling
// gaps with the service's own number according to direction.
func DeriveNumbers(meta map[string]interface{}, direction, serviceNumber string) (string, string) {
	if serviceNumber == "" {
		serviceNumber = "unknown"
	}

	explicitFrom := firstString(meta, []string{"from_number", "caller_id", "from", "caller", "source_number"})
	explicitTo := firstString(meta, []string{"to_number", "called_number", "to", "callee", "destination_number"})
	customer := firstString(meta, []string{"phone_number", "phone", "customer_number"})

	if explicitFrom != "" && explicitTo != "" {
		return explicitFrom, explicitTo
	}

	if direction == "outbound" {
		from := explicitFrom
		if from == "" {
			from = serviceNumber
		}
		to := explicitTo
		if to == "" {
			to = customer
		}
		if to == "" {
			to = "unknown"
		}
		if to == "unknown" && explicitFrom != "" && explicitTo == "" && explicitFrom != serviceNumber {
			to = explicitFrom
			from = serviceNumber
		}
		return from, to
	}

	from := explicitFrom
	if from == "" {
		from = customer
	}
	if from == "" {
		from = "unknown"
	}
	to := explicitTo
	if to == "" {
		to = serviceNumber
	}
	if from == "unknown" && explicitTo != "" && explicitFrom == "" && explicitTo != serviceNumber {
		from = explicitTo
		to = serviceNumber
	}
	return from, to
}

func capitalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func firstString(m map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
