package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
)

// BridgeConn is the session's view of the speech service connection. It
// exists so sessions can be tested against a fake without any network.
type BridgeConn interface {
	Configure(settings SessionSettings) error
	SendAudio(audioB64 string) error
	SendText(role, text string) error
	SendToolOutput(callID, output string) error
	CreateResponse() error
	ReadEvent() (*ServerEvent, error)
	Close() error
}

// BridgeConfig configures the websocket connection to the speech service.
type BridgeConfig struct {
	URL         string
	APIKey      string
	Model       string
	DialTimeout time.Duration
}

// Bridge is the websocket client for the realtime speech service. Writes
// are serialized through a mutex; reads belong to a single pump goroutine.
type Bridge struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	logger    *logrus.Logger
	closeOnce sync.Once
	closeErr  error
}

// DialBridge opens and authenticates the speech service connection.
func DialBridge(ctx context.Context, cfg BridgeConfig, logger *logrus.Logger) (*Bridge, error) {
	if cfg.APIKey == "" {
		return nil, errors.Wrap(errors.ErrUnauthenticated, "speech bridge API key is not set")
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := cfg.URL
	if cfg.Model != "" {
		url += "?model=" + cfg.Model
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if metrics.BridgeConnectsTotal != nil {
			metrics.BridgeConnectsTotal.WithLabelValues("error").Inc()
		}
		return nil, errors.Wrap(err, "failed to connect to speech bridge").
			WithField("status", status)
	}

	if metrics.BridgeConnectsTotal != nil {
		metrics.BridgeConnectsTotal.WithLabelValues("ok").Inc()
	}
	logger.WithField("model", cfg.Model).Info("Speech bridge connected")

	return &Bridge{conn: conn, logger: logger}, nil
}

// Configure sends the session.update carrying formats, VAD and tools.
func (b *Bridge) Configure(settings SessionSettings) error {
	return b.writeJSON(sessionUpdateEvent{Type: "session.update", Session: settings})
}

// SendAudio appends base64 audio to the bridge input buffer.
func (b *Bridge) SendAudio(audioB64 string) error {
	return b.writeJSON(audioAppendEvent{Type: "input_audio_buffer.append", Audio: audioB64})
}

// SendText injects a text item into the conversation.
func (b *Bridge) SendText(role, text string) error {
	return b.writeJSON(newTextItem(role, text))
}

// SendToolOutput returns a tool result to the conversation.
func (b *Bridge) SendToolOutput(callID, output string) error {
	return b.writeJSON(newToolOutputItem(callID, output))
}

// CreateResponse asks the bridge to produce the next assistant turn.
func (b *Bridge) CreateResponse() error {
	return b.writeJSON(responseCreateEvent{Type: "response.create"})
}

// ReadEvent blocks until the next bridge event arrives.
func (b *Bridge) ReadEvent() (*ServerEvent, error) {
	_, data, err := b.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(errors.ErrBridgeClosed, "speech bridge read failed").
			WithField("cause", err.Error())
	}

	var event ServerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.Wrap(err, "malformed speech bridge event")
	}
	metrics.RecordBridgeEvent(event.Type)
	return &event, nil
}

// Close shuts the connection down. Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		b.writeMu.Unlock()
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}

func (b *Bridge) writeJSON(v interface{}) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := b.conn.WriteJSON(v); err != nil {
		return errors.Wrap(errors.ErrBridgeClosed, "speech bridge write failed").
			WithField("cause", err.Error())
	}
	return nil
}
