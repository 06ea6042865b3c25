package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/call"
	"callbridge-server/pkg/errors"
)

// Dialer places outbound calls through the telephony provider.
type Dialer interface {
	Dial(ctx context.Context, from, to, streamURL string) (string, error)
}

// RecordingResolver locates a playable recording URL for a call.
type RecordingResolver interface {
	Resolve(ctx context.Context, c *call.Call) (string, error)
}

// CallAPI serves the call management endpoints: outbound dialing and
// recording retrieval.
type CallAPI struct {
	store         call.Store
	dialer        Dialer
	resolver      RecordingResolver
	serviceNumber string
	streamURL     string
	logger        *logrus.Logger
}

// NewCallAPI creates the call API. dialer and resolver may be nil; the
// matching endpoints then answer 503.
func NewCallAPI(store call.Store, dialer Dialer, resolver RecordingResolver,
	serviceNumber, streamURL string, logger *logrus.Logger) *CallAPI {
	return &CallAPI{
		store:         store,
		dialer:        dialer,
		resolver:      resolver,
		serviceNumber: serviceNumber,
		streamURL:     streamURL,
		logger:        logger,
	}
}

type dialRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// DialHandler places an outbound call. The call row is created first
// with a conversation-scoped sid, then the provider sid is attached as
// the parent sid so webhook deliveries under either identity land on
// the same record.
func (a *CallAPI) DialHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}
	if a.dialer == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"detail": "outbound dialing is not configured"})
		return
	}

	var req dialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"detail": "malformed request body"})
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"detail": "to number is required"})
		return
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = a.serviceNumber
	}

	callSID := "convai_" + uuid.NewString()
	record := &call.Call{
		CallSID:     callSID,
		Direction:   call.DirectionOutbound,
		FromNumber:  from,
		ToNumber:    req.To,
		Status:      call.StatusInitiated,
		StartedAt:   time.Now().UTC(),
		HandledByAI: true,
	}
	if err := a.store.Create(r.Context(), record); err != nil {
		a.logger.WithError(err).Error("Failed to create outbound call record")
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"detail": "failed to create call record"})
		return
	}

	providerSID, err := a.dialer.Dial(r.Context(), from, req.To, a.streamURL)
	if err != nil {
		a.logger.WithError(err).WithField("call_sid", callSID).Error("Outbound dial failed")
		record.AdvanceStatus(call.StatusFailed)
		if updateErr := a.store.Update(r.Context(), record); updateErr != nil {
			a.logger.WithError(updateErr).WithField("call_sid", callSID).
				Error("Failed to mark outbound call failed")
		}
		writeJSONStatus(w, http.StatusBadGateway, map[string]string{"detail": "dial rejected by provider"})
		return
	}

	record.ParentCallSID = providerSID
	if err := a.store.Update(r.Context(), record); err != nil {
		a.logger.WithError(err).WithField("call_sid", callSID).
			Error("Failed to attach provider sid to outbound call")
	}

	a.logger.WithFields(logrus.Fields{
		"call_sid":     callSID,
		"provider_sid": providerSID,
		"to":           req.To,
	}).Info("Outbound call created")

	writeJSONStatus(w, http.StatusCreated, map[string]string{
		"call_sid":     callSID,
		"provider_sid": providerSID,
		"status":       string(record.Status),
	})
}

// RecordingHandler returns a short-lived playback URL for a call's
// recording. Mounted as "GET /api/calls/{call_sid}/recording".
func (a *CallAPI) RecordingHandler(w http.ResponseWriter, r *http.Request) {
	callSID := strings.TrimSpace(r.PathValue("call_sid"))
	if callSID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"detail": "call sid is required"})
		return
	}

	record, err := a.store.FindBySID(r.Context(), callSID)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrCallNotFound) {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"detail": "call not found"})
			return
		}
		a.logger.WithError(err).WithField("call_sid", callSID).Error("Call lookup failed")
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"detail": "lookup failed"})
		return
	}

	if a.resolver == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"detail": "recording storage is not configured"})
		return
	}

	url, err := a.resolver.Resolve(r.Context(), record)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrRecordingNotFound) {
			writeJSONStatus(w, http.StatusNotFound, map[string]string{"detail": "recording not found"})
			return
		}
		a.logger.WithError(err).WithField("call_sid", callSID).Error("Recording resolution failed")
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"detail": "resolution failed"})
		return
	}

	writeJSONStatus(w, http.StatusOK, map[string]string{
		"call_sid":      record.CallSID,
		"recording_url": url,
	})
}
