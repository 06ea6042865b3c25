package gateway

// Frame events on the telephony media stream.
const (
	FrameEventStart = "start"
	FrameEventMedia = "media"
	FrameEventStop  = "stop"
	FrameEventClear = "clear"
)

// StreamFrame is one message on the telephony media stream, inbound or
// outbound. Unused sections stay nil.
type StreamFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartSection `json:"start,omitempty"`
	Media     *MediaSection `json:"media,omitempty"`
}

// StartSection carries the call identity on the opening frame.
type StartSection struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

// MediaSection carries one base64 µ-law 8k mono audio payload.
type MediaSection struct {
	Payload string `json:"payload"`
}

// NewMediaFrame builds an outbound audio frame.
func NewMediaFrame(streamSID, payloadB64 string) StreamFrame {
	return StreamFrame{
		Event:     FrameEventMedia,
		StreamSID: streamSID,
		Media:     &MediaSection{Payload: payloadB64},
	}
}

// NewClearFrame builds the buffered-playback clear signal.
func NewClearFrame(streamSID string) StreamFrame {
	return StreamFrame{
		Event:     FrameEventClear,
		StreamSID: streamSID,
	}
}
