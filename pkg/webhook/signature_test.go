package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-server/pkg/errors"
)

func signBody(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature_Valid(t *testing.T) {
	now := time.Unix(1756000000, 0)
	body := []byte(`{"type":"call_started"}`)
	header := signBody(body, "topsecret", now.Unix())

	require.NoError(t, VerifySignature(body, header, "topsecret", 300*time.Second, now))
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	now := time.Unix(1756000000, 0)
	header := signBody([]byte(`{"a":1}`), "topsecret", now.Unix())

	err := VerifySignature([]byte(`{"a":2}`), header, "topsecret", 300*time.Second, now)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidSignature))
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	now := time.Unix(1756000000, 0)
	body := []byte(`{}`)
	header := signBody(body, "other", now.Unix())

	err := VerifySignature(body, header, "topsecret", 300*time.Second, now)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidSignature))
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	now := time.Unix(1756000000, 0)
	body := []byte(`{}`)
	header := signBody(body, "topsecret", now.Add(-10*time.Minute).Unix())

	err := VerifySignature(body, header, "topsecret", 300*time.Second, now)
	assert.True(t, errors.IsErrorType(err, errors.ErrStaleEvent))
}

func TestVerifySignature_FutureTimestampInsideWindow(t *testing.T) {
	now := time.Unix(1756000000, 0)
	body := []byte(`{}`)
	header := signBody(body, "topsecret", now.Add(2*time.Minute).Unix())

	require.NoError(t, VerifySignature(body, header, "topsecret", 300*time.Second, now))
}

func TestVerifySignature_MalformedHeader(t *testing.T) {
	now := time.Unix(1756000000, 0)

	for _, header := range []string{"", "v1=abcdef", "t=1756000000", "garbage", "t=abc,v1=def"} {
		err := VerifySignature([]byte(`{}`), header, "topsecret", 300*time.Second, now)
		assert.True(t, errors.IsErrorType(err, errors.ErrInvalidSignature), "header %q", header)
	}
}

func TestVerifySignature_NoSecretConfigured(t *testing.T) {
	now := time.Unix(1756000000, 0)
	body := []byte(`{}`)
	header := signBody(body, "anything", now.Unix())

	err := VerifySignature(body, header, "", 300*time.Second, now)
	assert.True(t, errors.IsErrorType(err, errors.ErrUnauthenticated))
}
