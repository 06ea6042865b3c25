package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
)

// TelephonyLink is the session's view of the caller's media stream:
// outbound audio frames and the buffered-playback clear signal.
type TelephonyLink interface {
	SendAudio(payloadB64 string) error
	Clear() error
}

// ControlClient drives mid-call actions against the telephony provider.
type ControlClient interface {
	Transfer(ctx context.Context, callSID, number string) error
	Hangup(ctx context.Context, callSID string) error
}

// ContextFetcher returns grounding context for an utterance, or "".
type ContextFetcher interface {
	FetchContext(ctx context.Context, utterance string) string
}

// Tool names the assistant may invoke.
const (
	toolTransferCall = "transfer_call"
	toolEndCall      = "end_call"
)

// SessionConfig carries the per-session knobs taken from configuration.
type SessionConfig struct {
	Instructions     string
	Greeting         string
	Voice            string
	VADThreshold     float64
	VADSilenceMs     int
	VADPrefixMs      int
	EndCallEnabled   bool
	EscalationNumber string
	MemorySlots      int
}

// Session bridges one telephone call to the realtime speech service. The
// gateway owns its lifecycle: Start after the start frame, Run pumped in
// a goroutine, HandleCallerAudio per media frame, Close on teardown.
type Session struct {
	callSID   string
	streamSID string
	bridge    BridgeConn
	link      TelephonyLink
	control   ControlClient
	retrieval ContextFetcher
	machine   *StateMachine
	memory    *MemorySlots
	cfg       SessionConfig
	logger    *logrus.Entry
	startedAt time.Time

	turnsMu sync.Mutex
	turns   []string

	suppressedFrames int64
}

// NewSession wires a session together. control and retrieval may be nil.
func NewSession(callSID, streamSID string, bridge BridgeConn, link TelephonyLink,
	control ControlClient, retrieval ContextFetcher, cfg SessionConfig, logger *logrus.Logger) *Session {

	return &Session{
		callSID:   callSID,
		streamSID: streamSID,
		bridge:    bridge,
		link:      link,
		control:   control,
		retrieval: retrieval,
		machine:   NewStateMachine(),
		memory:    NewMemorySlots(cfg.MemorySlots),
		cfg:       cfg,
		logger: logger.WithFields(logrus.Fields{
			"call_sid":   callSID,
			"stream_sid": streamSID,
		}),
		startedAt: time.Now(),
	}
}

// CallSID returns the telephony call identifier.
func (s *Session) CallSID() string {
	return s.callSID
}

// StreamSID returns the media stream identifier.
func (s *Session) StreamSID() string {
	return s.streamSID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.machine.Current()
}

// Start sends the session configuration to the speech bridge. The state
// machine leaves StateConnecting once the bridge acknowledges it.
func (s *Session) Start() error {
	settings := SessionSettings{
		Modalities:        []string{"text", "audio"},
		Instructions:      s.cfg.Instructions,
		Voice:             s.cfg.Voice,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		InputAudioTranscription: &TranscriptionConfig{
			Model: "whisper-1",
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         s.cfg.VADThreshold,
			PrefixPaddingMs:   s.cfg.VADPrefixMs,
			SilenceDurationMs: s.cfg.VADSilenceMs,
		},
		Tools: s.toolDefinitions(),
	}

	if err := s.bridge.Configure(settings); err != nil {
		return err
	}

	s.logger.Info("Voice session configured")
	return nil
}

// Run pumps bridge events until the bridge closes or the context ends.
// It always leaves the machine in StateClosed.
func (s *Session) Run(ctx context.Context) error {
	defer s.machine.Apply(InputTeardown)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := s.bridge.ReadEvent()
		if err != nil {
			if errors.IsErrorType(err, errors.ErrBridgeClosed) {
				s.logger.WithError(err).Debug("Speech bridge closed")
				return nil
			}
			s.logger.WithError(err).Warn("Speech bridge read error")
			return err
		}

		s.handleEvent(ctx, event)
	}
}

// HandleCallerAudio relays one inbound media payload to the bridge.
// While the assistant is speaking the payload is dropped: the caller's
// line is half duplex and echoed playback must not reach the model.
func (s *Session) HandleCallerAudio(payloadB64 string) error {
	if s.machine.Is(StateSpeaking) {
		s.suppressedFrames++
		if metrics.StreamFramesReceived != nil {
			metrics.StreamFramesReceived.WithLabelValues("media_suppressed").Inc()
		}
		return nil
	}
	if s.machine.Is(StateClosed) {
		return errors.Wrap(errors.ErrBridgeClosed, "session is closed").
			WithField("call_sid", s.callSID)
	}

	if metrics.StreamAudioBytes != nil {
		metrics.StreamAudioBytes.WithLabelValues("inbound").Add(float64(len(payloadB64)))
	}
	return s.bridge.SendAudio(payloadB64)
}

// SuppressedFrames reports how many inbound frames were dropped while
// the assistant was speaking.
func (s *Session) SuppressedFrames() int64 {
	return s.suppressedFrames
}

// Transcript returns the accumulated conversation, one labeled line per
// finalized turn. Empty when neither side completed a turn.
func (s *Session) Transcript() string {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	return strings.Join(s.turns, "\n")
}

func (s *Session) recordTurn(speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.turnsMu.Lock()
	s.turns = append(s.turns, speaker+": "+text)
	s.turnsMu.Unlock()
}

// Close tears the bridge down and closes the state machine.
func (s *Session) Close() {
	s.machine.Apply(InputTeardown)
	if err := s.bridge.Close(); err != nil {
		s.logger.WithError(err).Debug("Speech bridge close failed")
	}

	if metrics.StreamSessionDuration != nil {
		metrics.StreamSessionDuration.Observe(time.Since(s.startedAt).Seconds())
	}
	s.logger.WithField("duration", time.Since(s.startedAt).Round(time.Second)).
		Info("Voice session closed")
}

func (s *Session) handleEvent(ctx context.Context, event *ServerEvent) {
	switch event.Type {
	case eventSessionCreated:
		s.logger.Debug("Speech bridge session created")

	case eventSessionUpdated:
		if _, changed := s.machine.Apply(InputBridgeReady); changed {
			s.greet()
		}

	case eventResponseCreated:
		s.machine.Apply(InputResponseStarted)

	case eventResponseAudioDelta:
		if err := s.link.SendAudio(event.Delta); err != nil {
			s.logger.WithError(err).Warn("Failed to relay assistant audio")
		}
		if metrics.StreamAudioBytes != nil {
			metrics.StreamAudioBytes.WithLabelValues("outbound").Add(float64(len(event.Delta)))
		}

	case eventResponseAudioDone, eventResponseDone:
		s.machine.Apply(InputResponseDone)

	case eventResponseTranscriptDone:
		s.recordTurn("Agent", event.Transcript)
		s.logger.WithField("transcript", event.Transcript).Debug("Assistant turn finished")

	case eventSpeechStarted:
		// Caller started talking; anything still queued for playback on
		// the telephony side is stale.
		if err := s.link.Clear(); err != nil {
			s.logger.WithError(err).Debug("Failed to clear playback buffer")
		}
		if metrics.BridgeBargeInsTotal != nil {
			metrics.BridgeBargeInsTotal.Inc()
		}

	case eventTranscriptionCompleted:
		s.onUserUtterance(ctx, event.Transcript)

	case eventFunctionCallDone:
		s.dispatchTool(ctx, event)

	case eventError:
		fields := logrus.Fields{}
		if event.Error != nil {
			fields["code"] = event.Error.Code
			fields["message"] = event.Error.Message
		}
		s.logger.WithFields(fields).Warn("Speech bridge reported an error")
	}
}

// greet asks the assistant to open the call. Runs once, when the bridge
// acknowledges the session configuration.
func (s *Session) greet() {
	if s.cfg.Greeting == "" {
		return
	}
	if err := s.bridge.SendText("user", "Greet the caller by saying: "+s.cfg.Greeting); err != nil {
		s.logger.WithError(err).Warn("Failed to send greeting")
		return
	}
	if err := s.bridge.CreateResponse(); err != nil {
		s.logger.WithError(err).Warn("Failed to request greeting response")
	}
}

// onUserUtterance handles a finalized caller turn: remember it, fetch
// grounding context under the retrieval deadline, then request the next
// assistant response. A response.create always follows the utterance,
// with or without context.
func (s *Session) onUserUtterance(ctx context.Context, transcript string) {
	s.recordTurn("Customer", transcript)
	s.memory.Add(transcript)
	s.logger.WithField("transcript", transcript).Debug("Caller turn finalized")

	if s.retrieval != nil {
		if snippets := s.retrieval.FetchContext(ctx, s.memory.Query()); snippets != "" {
			if err := s.bridge.SendText("system", "Relevant knowledge for the next answer:\n"+snippets); err != nil {
				s.logger.WithError(err).Warn("Failed to inject retrieval context")
			}
		}
	}

	if err := s.bridge.CreateResponse(); err != nil {
		s.logger.WithError(err).Warn("Failed to request response after caller turn")
	}
}

func (s *Session) dispatchTool(ctx context.Context, event *ServerEvent) {
	logger := s.logger.WithFields(logrus.Fields{
		"tool":    event.Name,
		"tool_id": event.CallID,
	})

	switch event.Name {
	case toolTransferCall:
		var args struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(event.Arguments), &args); err != nil {
			logger.WithError(err).Warn("Malformed tool arguments")
		}
		logger.WithField("reason", args.Reason).Info("Assistant requested transfer to a human")

		s.replyToTool(event.CallID, `{"status":"transferring the caller now"}`)
		metrics.RecordToolCall(toolTransferCall, "dispatched")

		// The redirect races against assistant audio on purpose: the
		// caller keeps hearing the assistant until the provider switches
		// the leg. Failures end the tool, not the session.
		go func() {
			tctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if s.control == nil {
				logger.Warn("Transfer requested but call control is not configured")
				metrics.RecordToolCall(toolTransferCall, "unconfigured")
				return
			}
			if err := s.control.Transfer(tctx, s.callSID, s.cfg.EscalationNumber); err != nil {
				logger.WithError(err).Warn("Transfer failed")
				metrics.RecordToolCall(toolTransferCall, "error")
				return
			}
			metrics.RecordToolCall(toolTransferCall, "ok")
		}()

	case toolEndCall:
		if !s.cfg.EndCallEnabled {
			logger.Info("Assistant requested hangup; feature flag is off")
			s.replyToTool(event.CallID, `{"status":"noted"}`)
			metrics.RecordToolCall(toolEndCall, "disabled")
			return
		}

		s.replyToTool(event.CallID, `{"status":"ending the call"}`)
		metrics.RecordToolCall(toolEndCall, "dispatched")

		go func() {
			tctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if s.control == nil {
				logger.Warn("Hangup requested but call control is not configured")
				metrics.RecordToolCall(toolEndCall, "unconfigured")
				return
			}
			if err := s.control.Hangup(tctx, s.callSID); err != nil {
				logger.WithError(err).Warn("Hangup failed")
				metrics.RecordToolCall(toolEndCall, "error")
			}
		}()

	default:
		logger.Warn("Assistant called an unknown tool")
		s.replyToTool(event.CallID, `{"error":"unknown tool"}`)
		metrics.RecordToolCall(event.Name, "unknown")
	}
}

func (s *Session) replyToTool(callID, output string) {
	if err := s.bridge.SendToolOutput(callID, output); err != nil {
		s.logger.WithError(err).Warn("Failed to send tool output")
		return
	}
	if err := s.bridge.CreateResponse(); err != nil {
		s.logger.WithError(err).Warn("Failed to request response after tool output")
	}
}

func (s *Session) toolDefinitions() []Tool {
	return []Tool{
		{
			Type:        "function",
			Name:        toolTransferCall,
			Description: "Transfer the caller to a human agent. Use when the caller asks for a person or the conversation cannot be resolved.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"reason": {
						"type": "string",
						"description": "Short reason for the transfer"
					}
				},
				"required": ["reason"]
			}`),
		},
		{
			Type:        "function",
			Name:        toolEndCall,
			Description: "End the call once the caller has said goodbye and has no further requests.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}
