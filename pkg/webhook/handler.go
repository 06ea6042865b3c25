package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
)

const maxBodyBytes = 10 << 20

// HandlerConfig carries the verification settings for the HTTP surface.
type HandlerConfig struct {
	// Secret is the shared HMAC key. Empty disables the endpoint with 401s.
	Secret string

	// SignatureHeader names the header carrying "t=<ts>,v1=<hex>".
	SignatureHeader string

	// ReplayWindow bounds the signature timestamp age.
	ReplayWindow time.Duration
}

// Handler terminates vendor webhook deliveries. Authentication failures
// are rejected before anything is persisted; every verified delivery is
// acknowledged with 200 regardless of processing outcome, so the vendor
// never retries what we have already seen.
type Handler struct {
	reconciler *Reconciler
	cfg        HandlerConfig
	logger     *logrus.Logger
	now        func() time.Time
}

func NewHandler(reconciler *Reconciler, cfg HandlerConfig, logger *logrus.Logger) *Handler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Voice-Signature"
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 300 * time.Second
	}
	return &Handler{
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"success": false,
			"error":   "method not allowed",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read webhook body")
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "unreadable body",
		})
		return
	}

	header := r.Header.Get(h.cfg.SignatureHeader)
	if err := VerifySignature(body, header, h.cfg.Secret, h.cfg.ReplayWindow, h.now()); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"has_header":  header != "",
		}).Warn("Webhook signature rejected")
		metrics.RecordWebhookRequest("unknown", "unauthorized")
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   unauthorizedReason(err),
		})
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		// Malformed but authentic payloads are acknowledged; a retry
		// would deliver the same bytes again.
		h.logger.WithError(err).Warn("Unparseable webhook payload acknowledged")
		metrics.RecordWebhookRequest("unknown", "unparseable")
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		return
	}

	h.reconciler.Process(r.Context(), payload)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func unauthorizedReason(err error) string {
	switch {
	case errors.IsErrorType(err, errors.ErrStaleEvent):
		return "signature timestamp expired"
	case errors.IsErrorType(err, errors.ErrUnauthenticated):
		return "webhook authentication unavailable"
	default:
		return "invalid signature"
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
