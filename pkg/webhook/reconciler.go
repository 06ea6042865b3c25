package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/call"
	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/util"
)

// RecordingUploader stores fetched audio durably and returns its URI.
type RecordingUploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) (string, error)
}

// ReconcilerConfig carries the reconciler's environment-derived knobs.
type ReconcilerConfig struct {
	// ServiceNumber is this deployment's own phone number, used to fill
	// number gaps in vendor metadata.
	ServiceNumber string

	// VendorAPIKey authenticates recording downloads from the vendor.
	VendorAPIKey string

	// ReplayWindow bounds how old an enrichment event may be.
	ReplayWindow time.Duration

	// Location is the call-local time zone used for recording key dates.
	Location *time.Location
}

// Reconciler folds webhook deliveries into persisted call records. All
// paths are idempotent: the event ledger drops duplicates and statuses
// only move forward.
type Reconciler struct {
	store       call.Store
	uploader    RecordingUploader
	httpClient  *http.Client
	cfg         ReconcilerConfig
	retryPolicy util.RetryPolicy
	logger      *logrus.Logger
	now         func() time.Time
}

// NewReconciler creates a reconciler. uploader may be nil; audio events
// then keep the vendor URL out of the record rather than storing blobs.
func NewReconciler(store call.Store, uploader RecordingUploader,
	cfg ReconcilerConfig, logger *logrus.Logger) *Reconciler {

	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 300 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Reconciler{
		store:       store,
		uploader:    uploader,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		cfg:         cfg,
		retryPolicy: util.DefaultRetryPolicy(),
		logger:      logger,
		now:         time.Now,
	}
}

// Process reconciles one verified delivery. It never returns an error:
// every outcome short of a crash is acknowledged to the vendor, so
// failures are logged and absorbed here.
func (r *Reconciler) Process(ctx context.Context, payload *Payload) {
	done := metrics.ObserveWebhookProcessing(payload.Type)
	defer done()

	switch payload.Type {
	case EventCallStarted:
		r.handleCallStarted(ctx, payload)
	case EventTranscription:
		r.handleTranscription(ctx, payload)
	case EventAudio:
		r.handleAudio(ctx, payload)
	default:
		if genericEventTypes[strings.ToLower(strings.TrimSpace(payload.Type))] {
			r.handleGeneric(ctx, payload)
			return
		}
		r.logger.WithField("event_type", payload.Type).Info("Ignoring unrecognized webhook event")
		metrics.RecordWebhookRequest(payload.Type, "ignored")
	}
}

func (r *Reconciler) handleCallStarted(ctx context.Context, payload *Payload) {
	callSID, ok := r.resolveCallSID(payload)
	if !ok {
		return
	}

	if !r.insertLedger(ctx, callSID, payload) {
		return
	}

	c := r.ensureCall(ctx, callSID, payload, "call_started")
	if c == nil {
		return
	}

	// A row created ahead of the webhook (the dial endpoint seeds
	// initiated) moves to in_progress here; terminal rows stay put.
	c.AdvanceStatus(call.StatusInProgress)

	now := r.now().UTC()
	c.WebhookProcessedAt = &now
	r.commit(ctx, c, "call_started")
	metrics.RecordWebhookRequest(payload.Type, "processed")
}

func (r *Reconciler) handleTranscription(ctx context.Context, payload *Payload) {
	callSID, ok := r.resolveCallSID(payload)
	if !ok {
		return
	}

	// Transcripts never create call rows. A transcript with no prior
	// record is discarded; a later redelivery after the row exists will
	// land normally.
	c, err := r.store.FindBySID(ctx, callSID)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrCallNotFound) {
			r.logger.WithField("call_sid", callSID).
				Info("Transcription for unknown call dropped")
			metrics.RecordWebhookRequest(payload.Type, "unknown_call")
			return
		}
		r.logger.WithError(err).WithField("call_sid", callSID).Error("Call lookup failed")
		metrics.RecordWebhookRequest(payload.Type, "error")
		return
	}

	if r.isStale(payload) {
		r.logger.WithFields(logrus.Fields{
			"call_sid":        callSID,
			"event_timestamp": payload.EventTimestamp,
		}).Info("Transcription event outside replay window, dropped")
		if metrics.WebhookStaleEvents != nil {
			metrics.WebhookStaleEvents.Inc()
		}
		metrics.RecordWebhookRequest(payload.Type, "stale")
		return
	}

	if !r.insertLedger(ctx, callSID, payload) {
		return
	}

	transcript, summary := ExtractTranscript(payload.Data)

	if conv, ok := payload.Data["conversation_id"].(string); ok {
		if trimmed := strings.TrimSpace(conv); trimmed != "" && c.ParentCallSID == "" {
			c.ParentCallSID = trimmed
		}
	}

	if transcript != "" {
		c.TranscriptText = transcript
	}
	if summary != "" {
		c.TranscriptSummary = summary
	}

	if username := ExtractUsername(transcript); username != "" {
		c.CallerUsername = username
	}

	if c.Status == call.StatusCompleted || c.AnsweredAt != nil || transcript != "" {
		c.ReceptionStatus = "received"
	} else {
		c.ReceptionStatus = "not_received"
	}

	r.finalize(c, payload.EventTimestamp)
	if !r.commit(ctx, c, "post_call_transcription") {
		return
	}

	r.logger.WithFields(logrus.Fields{
		"call_sid":       callSID,
		"has_transcript": transcript != "",
		"has_summary":    summary != "",
	}).Info("Post-call transcription reconciled")
	metrics.RecordWebhookRequest(payload.Type, "processed")
}

func (r *Reconciler) handleAudio(ctx context.Context, payload *Payload) {
	callSID, ok := r.resolveCallSID(payload)
	if !ok {
		return
	}

	c, err := r.store.FindBySID(ctx, callSID)
	if err != nil {
		if !errors.IsErrorType(err, errors.ErrCallNotFound) {
			r.logger.WithError(err).WithField("call_sid", callSID).Error("Call lookup failed")
			metrics.RecordWebhookRequest(payload.Type, "error")
			return
		}
		c = r.ensureCall(ctx, callSID, payload, "post_call_audio")
		if c == nil {
			return
		}
	}

	if r.isStale(payload) {
		r.logger.WithFields(logrus.Fields{
			"call_sid":        callSID,
			"event_timestamp": payload.EventTimestamp,
		}).Info("Audio event outside replay window, dropped")
		if metrics.WebhookStaleEvents != nil {
			metrics.WebhookStaleEvents.Inc()
		}
		metrics.RecordWebhookRequest(payload.Type, "stale")
		return
	}

	if !r.insertLedger(ctx, callSID, payload) {
		return
	}

	audioBytes := r.loadAudio(ctx, callSID, payload.Data)

	if len(audioBytes) > 0 && r.uploader != nil {
		eventTime := time.Unix(payload.EventTimestamp, 0).In(r.cfg.Location)
		key := fmt.Sprintf("recordings/%s/%s_%d.mp3",
			eventTime.Format("2006-01-02"), callSID, payload.EventTimestamp)

		uri, err := r.uploader.Upload(ctx, key, bytes.NewReader(audioBytes), "audio/mpeg")
		if err != nil {
			r.logger.WithError(err).WithField("call_sid", callSID).
				Error("Recording upload failed")
		} else {
			c.RecordingURL = uri
			if metrics.RecordingUploadBytes != nil {
				metrics.RecordingUploadBytes.Add(float64(len(audioBytes)))
			}
		}
	}

	if duration, ok := numberField(payload.Data, "duration_seconds"); ok {
		d := int(duration)
		c.RecordingDuration = &d
		if c.DurationSeconds == nil {
			c.DurationSeconds = &d
		}
	}

	r.finalize(c, payload.EventTimestamp)
	if !r.commit(ctx, c, "post_call_audio") {
		return
	}

	r.logger.WithFields(logrus.Fields{
		"call_sid":      callSID,
		"has_recording": c.RecordingURL != "",
	}).Info("Post-call audio reconciled")
	metrics.RecordWebhookRequest(payload.Type, "processed")
}

func (r *Reconciler) handleGeneric(ctx context.Context, payload *Payload) {
	callSID, ok := r.resolveCallSID(payload)
	if !ok {
		return
	}

	c, err := r.store.FindBySID(ctx, callSID)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrCallNotFound) {
			r.logger.WithFields(logrus.Fields{
				"call_sid":   callSID,
				"event_type": payload.Type,
			}).Info("Supplemental event for unknown call dropped")
			metrics.RecordWebhookRequest(payload.Type, "unknown_call")
			return
		}
		r.logger.WithError(err).WithField("call_sid", callSID).Error("Call lookup failed")
		metrics.RecordWebhookRequest(payload.Type, "error")
		return
	}

	if !r.insertLedger(ctx, callSID, payload) {
		return
	}

	transcript, summary := ExtractTranscript(payload.Data)
	if transcript != "" {
		c.TranscriptText = transcript
	}
	if summary != "" {
		c.TranscriptSummary = summary
	}
	if url := firstString(payload.Data, []string{"audio_url", "recording_url"}); url != "" && c.RecordingURL == "" {
		c.RecordingURL = url
	}
	if duration, ok := numberField(payload.Data, "duration_seconds"); ok && c.DurationSeconds == nil {
		d := int(duration)
		c.DurationSeconds = &d
	}

	if strings.ToLower(strings.TrimSpace(payload.Type)) == "call_completed" {
		r.finalize(c, payload.EventTimestamp)
	} else if status := call.ParseStatus(statusField(payload.Data)); status != "" {
		c.AdvanceStatus(status)
		now := r.now().UTC()
		c.WebhookProcessedAt = &now
	}

	if r.commit(ctx, c, payload.Type) {
		metrics.RecordWebhookRequest(payload.Type, "processed")
	}
}

// resolveCallSID extracts and screens the call identity. A missing sid
// is logged and acknowledged per the always-200 policy.
func (r *Reconciler) resolveCallSID(payload *Payload) (string, bool) {
	callSID := ExtractCallSID(payload.Data)
	if callSID == "" {
		r.logger.WithField("event_type", payload.Type).
			Warn("Webhook delivery without resolvable call identity")
		metrics.RecordWebhookRequest(payload.Type, "no_call_sid")
		return "", false
	}
	if ShouldIgnore(callSID, payload.Type) {
		r.logger.WithFields(logrus.Fields{
			"call_sid":   callSID,
			"event_type": payload.Type,
		}).Info("Webhook delivery ignored by rule")
		metrics.RecordWebhookRequest(payload.Type, "ignored")
		return "", false
	}
	return callSID, true
}

// insertLedger appends the dedup ledger row. Duplicates are dropped
// silently: the vendor retries deliveries and every retry lands here.
func (r *Reconciler) insertLedger(ctx context.Context, callSID string, payload *Payload) bool {
	err := r.store.InsertEvent(ctx, call.EventRecord{
		CallSID:        callSID,
		EventType:      payload.Type,
		EventTimestamp: payload.EventTimestamp,
		Status:         "processed",
	})
	if err == nil {
		return true
	}

	if errors.IsErrorType(err, errors.ErrDuplicateEvent) {
		r.logger.WithFields(logrus.Fields{
			"call_sid":        callSID,
			"event_type":      payload.Type,
			"event_timestamp": payload.EventTimestamp,
		}).Info("Duplicate webhook delivery dropped")
		if metrics.WebhookDuplicateEvents != nil {
			metrics.WebhookDuplicateEvents.Inc()
		}
		metrics.RecordWebhookRequest(payload.Type, "duplicate")
		return false
	}

	r.logger.WithError(err).WithField("call_sid", callSID).Error("Event ledger insert failed")
	metrics.RecordWebhookRequest(payload.Type, "error")
	return false
}

// ensureCall returns the call row for a sid, creating an in-progress
// one from delivery metadata when the webhook outran session setup.
func (r *Reconciler) ensureCall(ctx context.Context, callSID string, payload *Payload, origin string) *call.Call {
	existing, err := r.store.FindBySID(ctx, callSID)
	if err == nil {
		return existing
	}
	if !errors.IsErrorType(err, errors.ErrCallNotFound) {
		r.logger.WithError(err).WithField("call_sid", callSID).Error("Call lookup failed")
		return nil
	}

	meta := CollectMetadata(payload.Data)

	// A conversation-scoped sid may belong to a call row keyed by the
	// provider sid; attach it as the parent instead of creating twins.
	if strings.HasPrefix(callSID, "conv_") {
		if altSID := firstString(meta, sidAliases); altSID != "" && altSID != callSID {
			if alt, err := r.store.FindBySID(ctx, altSID); err == nil {
				if alt.ParentCallSID == "" {
					alt.ParentCallSID = callSID
				}
				return alt
			}
		}
	}

	direction := ExtractDirection(meta)
	fromNumber, toNumber := DeriveNumbers(meta, direction, r.cfg.ServiceNumber)

	startedAt := time.Unix(payload.EventTimestamp, 0).UTC()
	if ts, ok := numberField(payload.Data, "started_at"); ok {
		startedAt = time.Unix(int64(ts), 0).UTC()
	}

	now := r.now().UTC()
	created := &call.Call{
		CallSID:            callSID,
		Direction:          call.Direction(direction),
		FromNumber:         fromNumber,
		ToNumber:           toNumber,
		Status:             call.StatusInProgress,
		StartedAt:          startedAt,
		HandledByAI:        true,
		WebhookProcessedAt: &now,
	}

	err = util.Retry(ctx, r.retryPolicy, func(ctx context.Context) error {
		return r.store.Create(ctx, created)
	})
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"call_sid": callSID,
			"context":  origin,
		}).Error("Failed to initialize call from webhook")
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"call_sid":  callSID,
		"context":   origin,
		"direction": direction,
	}).Info("Call initialized from webhook delivery")
	return created
}

// finalize applies the end-of-call invariants shared by enrichment
// events: completion is monotonic and ended_at is written once.
func (r *Reconciler) finalize(c *call.Call, eventTimestamp int64) {
	c.AdvanceStatus(call.StatusCompleted)
	if c.EndedAt == nil {
		endedAt := time.Unix(eventTimestamp, 0).UTC()
		c.EndedAt = &endedAt
	}
	now := r.now().UTC()
	c.WebhookProcessedAt = &now
}

// commit persists the call with bounded retries. Exhaustion is absorbed:
// the delivery is still acknowledged and a later retry or event repairs
// the record.
func (r *Reconciler) commit(ctx context.Context, c *call.Call, origin string) bool {
	err := util.Retry(ctx, r.retryPolicy, func(ctx context.Context) error {
		return r.store.Update(ctx, c)
	})
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"call_sid": c.CallSID,
			"context":  origin,
		}).Error("Call update abandoned after retries")
		metrics.RecordWebhookRequest(origin, "commit_failed")
		return false
	}
	return true
}

func (r *Reconciler) isStale(payload *Payload) bool {
	age := r.now().Unix() - payload.EventTimestamp
	if age < 0 {
		age = -age
	}
	return time.Duration(age)*time.Second > r.cfg.ReplayWindow
}

// loadAudio returns recording bytes from the delivery: inline base64
// first, then an authenticated download from the vendor URL.
func (r *Reconciler) loadAudio(ctx context.Context, callSID string, data map[string]interface{}) []byte {
	inline := firstString(data, []string{"audio", "audio_base64", "full_audio", "full_audio_base64"})
	if inline != "" {
		decoded, err := base64.StdEncoding.DecodeString(inline)
		if err != nil {
			r.logger.WithError(err).WithField("call_sid", callSID).
				Error("Inline audio payload is not valid base64")
			return nil
		}
		return decoded
	}

	audioURL := firstString(data, []string{"audio_url", "recording_url"})
	if audioURL == "" {
		r.logger.WithField("call_sid", callSID).Warn("Audio event without audio payload or URL")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		r.logger.WithError(err).WithField("call_sid", callSID).Error("Invalid audio URL")
		return nil
	}
	if r.cfg.VendorAPIKey != "" {
		req.Header.Set("xi-api-key", r.cfg.VendorAPIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.WithError(err).WithField("call_sid", callSID).Error("Audio download failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.WithFields(logrus.Fields{
			"call_sid": callSID,
			"status":   resp.StatusCode,
		}).Error("Audio download rejected")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		r.logger.WithError(err).WithField("call_sid", callSID).Error("Audio download read failed")
		return nil
	}
	return body
}

func numberField(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		var parsed float64
		if _, err := fmt.Sscanf(trimmed, "%g", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func statusField(data map[string]interface{}) string {
	if v, ok := data["status"].(string); ok {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return ""
}
