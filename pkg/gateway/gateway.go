package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/realtime"
	"callbridge-server/pkg/registry"
)

// Session is the gateway's view of a live voice session.
type Session interface {
	CallSID() string
	Start() error
	Run(ctx context.Context) error
	HandleCallerAudio(payloadB64 string) error
	Transcript() string
	Close()
}

// SessionFactory builds a voice session for an accepted call. The link
// is the telephony side of the media stream; the factory attaches the
// speech bridge.
type SessionFactory func(ctx context.Context, callSID, streamSID string, link realtime.TelephonyLink) (Session, error)

// ReportScheduler receives at most one report-generation task per call,
// carrying the transcript accumulated by the voice session.
type ReportScheduler interface {
	ScheduleReport(callSID, transcript string)
}

// streamUpgrader accepts the telephony provider's media stream; origin
// checks do not apply to machine-to-machine streams.
var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway terminates telephony media streams. One websocket connection
// carries one call: a start frame opens the session, media frames relay
// caller audio, a stop frame (or disconnect) tears everything down and
// schedules the post-call report exactly once.
type Gateway struct {
	registry  *registry.CallRegistry
	factory   SessionFactory
	scheduler ReportScheduler
	logger    *logrus.Logger
}

// NewGateway creates a stream gateway.
func NewGateway(reg *registry.CallRegistry, factory SessionFactory,
	scheduler ReportScheduler, logger *logrus.Logger) *Gateway {
	return &Gateway{
		registry:  reg,
		factory:   factory,
		scheduler: scheduler,
		logger:    logger,
	}
}

// HandleStream is the websocket endpoint for the telephony media stream.
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to upgrade media stream connection")
		return
	}

	link := newStreamLink(conn)
	defer link.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		session    Session
		reportOnce sync.Once
		outcome    = "no_start"
	)

	teardown := func() {
		if session == nil {
			return
		}
		callSID := session.CallSID()
		transcript := session.Transcript()
		session.Close()
		g.registry.Remove(callSID)
		if metrics.StreamSessionsActive != nil {
			metrics.StreamSessionsActive.Dec()
		}
		reportOnce.Do(func() {
			if g.scheduler == nil {
				return
			}
			if transcript == "" {
				g.logger.WithField("call_sid", callSID).
					Info("No transcript accumulated, skipping report task")
				return
			}
			g.scheduler.ScheduleReport(callSID, transcript)
		})
	}
	defer teardown()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if session != nil {
				g.logger.WithField("call_sid", session.CallSID()).
					Debug("Media stream disconnected")
				outcome = "disconnect"
			}
			break
		}

		var frame StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.WithError(err).Debug("Malformed media stream frame")
			continue
		}

		switch frame.Event {
		case FrameEventStart:
			if metrics.StreamFramesReceived != nil {
				metrics.StreamFramesReceived.WithLabelValues("start").Inc()
			}
			if session != nil {
				g.logger.Warn("Duplicate start frame on media stream")
				continue
			}
			if frame.Start == nil || frame.Start.CallSID == "" {
				g.logger.Warn("Start frame without call identity")
				outcome = "bad_start"
				goto done
			}

			streamSID := frame.Start.StreamSID
			if streamSID == "" {
				streamSID = frame.StreamSID
			}
			link.setStreamSID(streamSID)

			session, err = g.openSession(ctx, frame.Start.CallSID, streamSID, link)
			if err != nil {
				g.logger.WithError(err).WithField("call_sid", frame.Start.CallSID).
					Error("Failed to open voice session")
				outcome = "session_error"
				goto done
			}

		case FrameEventMedia:
			if metrics.StreamFramesReceived != nil {
				metrics.StreamFramesReceived.WithLabelValues("media").Inc()
			}
			if session == nil || frame.Media == nil {
				continue
			}
			if err := session.HandleCallerAudio(frame.Media.Payload); err != nil {
				g.logger.WithError(err).WithField("call_sid", session.CallSID()).
					Warn("Failed to relay caller audio")
			}

		case FrameEventStop:
			if metrics.StreamFramesReceived != nil {
				metrics.StreamFramesReceived.WithLabelValues("stop").Inc()
			}
			outcome = "stop"
			goto done

		default:
			if metrics.StreamFramesReceived != nil {
				metrics.StreamFramesReceived.WithLabelValues("other").Inc()
			}
		}
	}

done:
	if metrics.StreamSessionsTotal != nil {
		metrics.StreamSessionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) openSession(ctx context.Context, callSID, streamSID string,
	link realtime.TelephonyLink) (Session, error) {

	session, err := g.factory(ctx, callSID, streamSID, link)
	if err != nil {
		return nil, err
	}

	if err := g.registry.Add(session); err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Start(); err != nil {
		g.registry.Remove(callSID)
		session.Close()
		return nil, err
	}

	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			g.logger.WithError(err).WithField("call_sid", callSID).
				Warn("Voice session pump ended with error")
		}
	}()

	if metrics.StreamSessionsActive != nil {
		metrics.StreamSessionsActive.Inc()
	}
	g.logger.WithFields(logrus.Fields{
		"call_sid":   callSID,
		"stream_sid": streamSID,
	}).Info("Media stream session opened")

	return session, nil
}

// streamLink is the telephony side of the media stream. It serializes
// writes because the session pump and the gateway share the socket.
type streamLink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	streamSID string
	sidMu     sync.RWMutex
}

func newStreamLink(conn *websocket.Conn) *streamLink {
	return &streamLink{conn: conn}
}

func (l *streamLink) setStreamSID(sid string) {
	l.sidMu.Lock()
	l.streamSID = sid
	l.sidMu.Unlock()
}

func (l *streamLink) getStreamSID() string {
	l.sidMu.RLock()
	defer l.sidMu.RUnlock()
	return l.streamSID
}

// SendAudio writes one outbound media frame.
func (l *streamLink) SendAudio(payloadB64 string) error {
	return l.writeJSON(NewMediaFrame(l.getStreamSID(), payloadB64))
}

// Clear tells the telephony side to drop buffered playback.
func (l *streamLink) Clear() error {
	return l.writeJSON(NewClearFrame(l.getStreamSID()))
}

// Close shuts the socket down.
func (l *streamLink) Close() error {
	return l.conn.Close()
}

func (l *streamLink) writeJSON(v interface{}) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

// NewRealtimeSessionFactory builds the production session factory: dial
// the speech bridge, then assemble a realtime session around it.
func NewRealtimeSessionFactory(bridgeCfg realtime.BridgeConfig, sessionCfg realtime.SessionConfig,
	control realtime.ControlClient, retrieval realtime.ContextFetcher, logger *logrus.Logger) SessionFactory {

	return func(ctx context.Context, callSID, streamSID string, link realtime.TelephonyLink) (Session, error) {
		bridge, err := realtime.DialBridge(ctx, bridgeCfg, logger)
		if err != nil {
			return nil, err
		}
		return realtime.NewSession(callSID, streamSID, bridge, link,
			control, retrieval, sessionCfg, logger), nil
	}
}
