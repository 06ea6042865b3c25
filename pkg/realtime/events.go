package realtime

import "encoding/json"

// Server event types the session reacts to. Everything else is counted
// and ignored.
const (
	eventSessionCreated         = "session.created"
	eventSessionUpdated         = "session.updated"
	eventResponseCreated        = "response.created"
	eventResponseAudioDelta     = "response.audio.delta"
	eventResponseAudioDone      = "response.audio.done"
	eventResponseTranscriptDone = "response.audio_transcript.done"
	eventResponseDone           = "response.done"
	eventSpeechStarted          = "input_audio_buffer.speech_started"
	eventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	eventFunctionCallDone       = "response.function_call_arguments.done"
	eventError                  = "error"
)

// ServerEvent is the subset of bridge event fields the session consumes.
type ServerEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Name       string       `json:"name,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Error      *ServerError `json:"error,omitempty"`
}

// ServerError is the bridge's error payload.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Tool declares one function the assistant may call.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// SessionSettings is the payload of a session.update.
type SessionSettings struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools,omitempty"`
}

// TranscriptionConfig selects the model transcribing caller audio.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

type sessionUpdateEvent struct {
	Type    string          `json:"type"`
	Session SessionSettings `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

func newTextItem(role, text string) itemCreateEvent {
	return itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
}

func newToolOutputItem(callID, output string) itemCreateEvent {
	return itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}
