package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(store *fakeStore) *Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	r := newTestReconciler(store, nil)
	h := NewHandler(r, HandlerConfig{
		Secret:          "topsecret",
		SignatureHeader: "X-Voice-Signature",
		ReplayWindow:    300 * time.Second,
	}, logger)
	h.now = func() time.Time { return time.Unix(testNow, 0).UTC() }
	return h
}

func deliver(t *testing.T, h *Handler, body []byte, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", bytes.NewReader(body))
	if header != "" {
		req.Header.Set("X-Voice-Signature", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandler_VerifiedDeliveryPersistsAndAcks(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	body := []byte(`{"type":"call_started","event_timestamp":1756000000,"data":{"call_sid":"CA900","metadata":{"phone_number":"+15550009"}}}`)
	rec := deliver(t, h, body, signBody(body, "topsecret", testNow))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])
	assert.Equal(t, 1, store.createCalls)
}

func TestHandler_BadSignatureRejectedBeforePersistence(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	body := []byte(`{"type":"call_started","event_timestamp":1756000000,"data":{"call_sid":"CA901"}}`)
	rec := deliver(t, h, body, signBody(body, "wrong-secret", testNow))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
	assert.Equal(t, 0, store.createCalls)
	assert.Equal(t, 0, store.ledgerSize())
}

func TestHandler_MissingSignatureRejected(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	rec := deliver(t, h, []byte(`{"type":"call_started","event_timestamp":1756000000}`), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ExpiredSignatureRejected(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	body := []byte(`{"type":"call_started","event_timestamp":1756000000,"data":{"call_sid":"CA902"}}`)
	rec := deliver(t, h, body, signBody(body, "topsecret", testNow-3600))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature timestamp expired", decodeBody(t, rec)["error"])
	assert.Equal(t, 0, store.ledgerSize())
}

func TestHandler_UnparseableBodyStillAcked(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	body := []byte(`{"event_timestamp":1756000000}`)
	rec := deliver(t, h, body, signBody(body, "topsecret", testNow))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])
	assert.Equal(t, 0, store.ledgerSize())
}

func TestHandler_DuplicateDeliveryAcked(t *testing.T) {
	store := newFakeStore()
	seededCall(store, "CA903")
	h := newTestHandler(store)

	body := []byte(`{"type":"post_call_transcription","event_timestamp":1756000000,"data":{"call_sid":"CA903","transcript":"Customer: hi"}}`)
	header := signBody(body, "topsecret", testNow)

	first := deliver(t, h, body, header)
	second := deliver(t, h, body, header)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, true, decodeBody(t, second)["success"])
	assert.Equal(t, 1, store.updateCalls)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/webhooks/voice", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}
