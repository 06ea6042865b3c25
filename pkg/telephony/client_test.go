package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-server/pkg/errors"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestTransfer(t *testing.T) {
	var gotPath, gotTwiml string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotTwiml = r.PostForm.Get("Twiml")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
	}, quietLogger())
	require.NotNil(t, client)

	require.NoError(t, client.Transfer(context.Background(), "CA555", "+15550142"))
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Calls/CA555.json", gotPath)
	assert.Equal(t, "<Response><Dial>+15550142</Dial></Response>", gotTwiml)
}

func TestHangup(t *testing.T) {
	var gotStatus string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotStatus = r.PostForm.Get("Status")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
	}, quietLogger())

	require.NoError(t, client.Hangup(context.Background(), "CA555"))
	assert.Equal(t, "completed", gotStatus)
}

func TestDial(t *testing.T) {
	var gotPath, gotTo, gotFrom, gotURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotTo = r.PostForm.Get("To")
		gotFrom = r.PostForm.Get("From")
		gotURL = r.PostForm.Get("Url")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CAnew1","status":"queued"}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
	}, quietLogger())

	sid, err := client.Dial(context.Background(), "+15551000", "+15550042", "https://bridge.example.com/voice/answer")
	require.NoError(t, err)
	assert.Equal(t, "CAnew1", sid)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Calls.json", gotPath)
	assert.Equal(t, "+15550042", gotTo)
	assert.Equal(t, "+15551000", gotFrom)
	assert.Equal(t, "https://bridge.example.com/voice/answer", gotURL)
}

func TestDial_Validation(t *testing.T) {
	client := NewClient(Config{AccountSID: "AC1", AuthToken: "tok"}, quietLogger())

	_, err := client.Dial(context.Background(), "+15551000", "", "")
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))

	_, err = client.Dial(context.Background(), "", "+15550042", "")
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))

	var nilClient *Client
	_, err = nilClient.Dial(context.Background(), "+15551000", "+15550042", "")
	assert.True(t, errors.IsErrorType(err, errors.ErrUnavailable))
}

func TestUpdateCall_RejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"bad credentials"}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "wrong",
	}, quietLogger())

	err := client.Hangup(context.Background(), "CA555")
	assert.Error(t, err)
}

func TestNilClientBehavior(t *testing.T) {
	assert.Nil(t, NewClient(Config{}, quietLogger()))

	var client *Client
	err := client.Transfer(context.Background(), "CA1", "+15550100")
	assert.True(t, errors.IsErrorType(err, errors.ErrUnavailable))

	err = client.Hangup(context.Background(), "CA1")
	assert.True(t, errors.IsErrorType(err, errors.ErrUnavailable))
}

func TestTransfer_EmptyNumber(t *testing.T) {
	client := NewClient(Config{AccountSID: "AC1", AuthToken: "tok"}, quietLogger())
	err := client.Transfer(context.Background(), "CA1", "")
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}
