package webhook

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-server/pkg/call"
	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/util"
)

type fakeStore struct {
	mu             sync.Mutex
	events         map[string]int
	calls          []*call.Call
	createCalls    int
	updateCalls    int
	updateAttempts int
	failUpdates    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[string]int{}}
}

func (s *fakeStore) InsertEvent(ctx context.Context, rec call.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%d", rec.CallSID, rec.EventType, rec.EventTimestamp)
	if s.events[key] > 0 {
		return errors.NewDuplicateEvent(rec.CallSID, rec.EventType, rec.EventTimestamp)
	}
	s.events[key]++
	return nil
}

func (s *fakeStore) FindBySID(ctx context.Context, callSID string) (*call.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.CallSID == callSID || (c.ParentCallSID != "" && c.ParentCallSID == callSID) {
			return c, nil
		}
	}
	return nil, errors.NewCallNotFound(callSID)
}

func (s *fakeStore) Create(ctx context.Context, c *call.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	s.calls = append(s.calls, c)
	return nil
}

func (s *fakeStore) Update(ctx context.Context, c *call.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateAttempts++
	if s.failUpdates > 0 {
		s.failUpdates--
		return fmt.Errorf("write timeout")
	}
	s.updateCalls++
	return nil
}

func (s *fakeStore) ledgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	size int
}

func (u *fakeUploader) Upload(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	u.keys = append(u.keys, key)
	u.size = len(body)
	return "s3://call-recordings/" + key, nil
}

const testNow = int64(1756000000)

func newTestReconciler(store *fakeStore, uploader RecordingUploader) *Reconciler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	r := NewReconciler(store, uploader, ReconcilerConfig{
		ServiceNumber: "+15551000",
		ReplayWindow:  300 * time.Second,
	}, logger)
	r.retryPolicy = util.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}
	r.now = func() time.Time { return time.Unix(testNow, 0).UTC() }
	return r
}

func seededCall(store *fakeStore, callSID string) *call.Call {
	c := &call.Call{
		ID:         "11111111-1111-1111-1111-111111111111",
		CallSID:    callSID,
		Direction:  call.DirectionInbound,
		FromNumber: "+15550001",
		ToNumber:   "+15551000",
		Status:     call.StatusInProgress,
		StartedAt:  time.Unix(testNow-120, 0).UTC(),
	}
	store.calls = append(store.calls, c)
	return c
}

func TestReconciler_CallStartedCreatesOutboundCall(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventCallStarted,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"conversation_id": "conv_xyz",
			"conversation_initiation_client_data": map[string]interface{}{
				"dynamic_variables": map[string]interface{}{
					"call_sid":     "convai_0a1b2c",
					"direction":    "outbound",
					"phone_number": "+15550007",
				},
			},
		},
	})

	require.Equal(t, 1, store.createCalls)
	c := store.calls[0]
	assert.Equal(t, "convai_0a1b2c", c.CallSID)
	assert.Equal(t, call.DirectionOutbound, c.Direction)
	assert.Equal(t, call.StatusInProgress, c.Status)
	assert.Equal(t, "+15551000", c.FromNumber)
	assert.Equal(t, "+15550007", c.ToNumber)
	assert.True(t, c.HandledByAI)
	assert.NotNil(t, c.WebhookProcessedAt)
	assert.Equal(t, 1, store.ledgerSize())
}

func TestReconciler_DuplicateTranscriptionDropped(t *testing.T) {
	store := newFakeStore()
	seededCall(store, "CA100")
	r := newTestReconciler(store, nil)

	payload := &Payload{
		Type:           EventTranscription,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid":   "CA100",
			"transcript": "Customer: my name is Ravi Kumar",
		},
	}

	r.Process(context.Background(), payload)
	r.Process(context.Background(), payload)

	assert.Equal(t, 1, store.ledgerSize())
	assert.Equal(t, 1, store.updateCalls)

	c := store.calls[0]
	assert.Equal(t, "Customer: my name is Ravi Kumar", c.TranscriptText)
	assert.Equal(t, "Ravi Kumar", c.CallerUsername)
	assert.Equal(t, call.StatusCompleted, c.Status)
	assert.Equal(t, "received", c.ReceptionStatus)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, testNow, c.EndedAt.Unix())
}

func TestReconciler_TranscriptionForUnknownCallDropped(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventTranscription,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid":   "CA200",
			"transcript": "Customer: hello",
			"summary":    "Greeting only.",
		},
	})

	// No backfill from transcript data alone and no ledger entry, so a
	// redelivery after the call row exists can still land.
	assert.Equal(t, 0, store.createCalls)
	assert.Equal(t, 0, store.updateCalls)
	assert.Equal(t, 0, store.ledgerSize())

	r.Process(context.Background(), &Payload{
		Type:           EventCallStarted,
		EventTimestamp: testNow + 1,
		Data:           map[string]interface{}{"call_sid": "CA200"},
	})
	r.Process(context.Background(), &Payload{
		Type:           EventTranscription,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid":   "CA200",
			"transcript": "Customer: hello",
			"summary":    "Greeting only.",
		},
	})

	require.Equal(t, 1, store.createCalls)
	c := store.calls[0]
	assert.Equal(t, call.StatusCompleted, c.Status)
	assert.Equal(t, "Customer: hello", c.TranscriptText)
	assert.Equal(t, "Greeting only.", c.TranscriptSummary)
}

func TestReconciler_AudioBeforeCallStartedCreatesCall(t *testing.T) {
	store := newFakeStore()
	uploader := &fakeUploader{}
	r := newTestReconciler(store, uploader)

	r.Process(context.Background(), &Payload{
		Type:           EventAudio,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid": "CA210",
			"audio":    base64.StdEncoding.EncodeToString([]byte("RIFFdata")),
			"metadata": map[string]interface{}{
				"phone_number": "+15550009",
				"direction":    "inbound",
			},
		},
	})

	require.Equal(t, 1, store.createCalls)
	c := store.calls[0]
	assert.Equal(t, "CA210", c.CallSID)
	assert.Equal(t, "+15550009", c.FromNumber)
	assert.Equal(t, call.DirectionInbound, c.Direction)
	assert.NotEmpty(t, c.RecordingURL)

	// The late call_started finds the existing row instead of inserting a
	// second one.
	r.Process(context.Background(), &Payload{
		Type:           EventCallStarted,
		EventTimestamp: testNow + 1,
		Data:           map[string]interface{}{"call_sid": "CA210"},
	})

	assert.Equal(t, 1, store.createCalls)
	assert.Equal(t, 2, store.ledgerSize())
}

func TestReconciler_CallStartedAdvancesExistingCall(t *testing.T) {
	store := newFakeStore()
	dialed := seededCall(store, "convai_dialed")
	dialed.Status = call.StatusInitiated
	dialed.Direction = call.DirectionOutbound
	finished := seededCall(store, "CA250")
	finished.Status = call.StatusCompleted
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventCallStarted,
		EventTimestamp: testNow,
		Data:           map[string]interface{}{"call_sid": "convai_dialed"},
	})
	r.Process(context.Background(), &Payload{
		Type:           EventCallStarted,
		EventTimestamp: testNow,
		Data:           map[string]interface{}{"call_sid": "CA250"},
	})

	assert.Equal(t, 0, store.createCalls)
	assert.Equal(t, call.StatusInProgress, dialed.Status)
	assert.Equal(t, call.StatusCompleted, finished.Status)
	require.NotNil(t, dialed.WebhookProcessedAt)
}

func TestReconciler_StatusNeverMovesBackward(t *testing.T) {
	store := newFakeStore()
	c := seededCall(store, "CA300")
	c.Status = call.StatusCompleted
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           "summary",
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid": "CA300",
			"status":   "ringing",
			"summary":  "late summary",
		},
	})

	assert.Equal(t, call.StatusCompleted, c.Status)
	assert.Equal(t, "late summary", c.TranscriptSummary)
}

func TestReconciler_StaleEnrichmentDropped(t *testing.T) {
	store := newFakeStore()
	c := seededCall(store, "CA400")
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventTranscription,
		EventTimestamp: testNow - 10000,
		Data: map[string]interface{}{
			"call_sid":   "CA400",
			"transcript": "Customer: too late",
		},
	})

	assert.Equal(t, 0, store.ledgerSize())
	assert.Equal(t, 0, store.updateCalls)
	assert.Empty(t, c.TranscriptText)
	assert.Equal(t, call.StatusInProgress, c.Status)
}

func TestReconciler_AudioInlineUpload(t *testing.T) {
	store := newFakeStore()
	c := seededCall(store, "CA500")
	uploader := &fakeUploader{}
	r := newTestReconciler(store, uploader)

	audio := []byte("fake mp3 bytes")
	r.Process(context.Background(), &Payload{
		Type:           EventAudio,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid":         "CA500",
			"full_audio":       base64.StdEncoding.EncodeToString(audio),
			"duration_seconds": float64(42),
		},
	})

	require.Len(t, uploader.keys, 1)
	assert.Contains(t, uploader.keys[0], "recordings/")
	assert.Contains(t, uploader.keys[0], "CA500")
	assert.Equal(t, len(audio), uploader.size)

	assert.Equal(t, "s3://call-recordings/"+uploader.keys[0], c.RecordingURL)
	require.NotNil(t, c.RecordingDuration)
	assert.Equal(t, 42, *c.RecordingDuration)
	require.NotNil(t, c.DurationSeconds)
	assert.Equal(t, 42, *c.DurationSeconds)
	assert.Equal(t, call.StatusCompleted, c.Status)
}

func TestReconciler_AudioWithoutUploaderKeepsRecordOpen(t *testing.T) {
	store := newFakeStore()
	c := seededCall(store, "CA510")
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventAudio,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid":         "CA510",
			"full_audio":       base64.StdEncoding.EncodeToString([]byte("x")),
			"duration_seconds": float64(7),
		},
	})

	assert.Empty(t, c.RecordingURL)
	assert.Equal(t, call.StatusCompleted, c.Status)
	assert.Equal(t, 1, store.updateCalls)
}

func TestReconciler_UpdateRetryExhaustionIsAbsorbed(t *testing.T) {
	store := newFakeStore()
	seededCall(store, "CA600")
	store.failUpdates = 10
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventTranscription,
		EventTimestamp: testNow,
		Data: map[string]interface{}{
			"call_sid":   "CA600",
			"transcript": "Customer: hi",
		},
	})

	assert.Equal(t, 3, store.updateAttempts)
	assert.Equal(t, 0, store.updateCalls)
	assert.Equal(t, 1, store.ledgerSize())
}

func TestReconciler_IgnoresTestCallsAndFailures(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)

	r.Process(context.Background(), &Payload{
		Type:           EventCallStarted,
		EventTimestamp: testNow,
		Data:           map[string]interface{}{"call_sid": "TEST_synthetic"},
	})
	r.Process(context.Background(), &Payload{
		Type:           EventInitiationFailure,
		EventTimestamp: testNow,
		Data:           map[string]interface{}{"call_sid": "CA700"},
	})

	assert.Equal(t, 0, store.createCalls)
	assert.Equal(t, 0, store.ledgerSize())
}
