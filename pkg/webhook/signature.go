package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"callbridge-server/pkg/errors"
)

// VerifySignature checks the vendor's delivery signature. The header
// carries `t=<unix>,v1=<hex>`; the signature is HMAC-SHA256 over
// "<t>.<body>" keyed with the shared secret, and the timestamp must fall
// inside the replay window around now.
func VerifySignature(body []byte, header, secret string, replayWindow time.Duration, now time.Time) error {
	if strings.TrimSpace(secret) == "" {
		return errors.Wrap(errors.ErrUnauthenticated, "webhook secret is not configured")
	}
	if strings.TrimSpace(header) == "" {
		return errors.Wrap(errors.ErrInvalidSignature, "signature header is missing")
	}

	var timestamp, signature string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			timestamp = strings.TrimSpace(part[2:])
		case strings.HasPrefix(part, "v1="):
			signature = strings.TrimSpace(part[3:])
		}
	}
	if timestamp == "" || signature == "" {
		return errors.Wrap(errors.ErrInvalidSignature, "signature header is malformed")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidSignature, "signature timestamp is not a number")
	}

	if replayWindow <= 0 {
		replayWindow = 300 * time.Second
	}
	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > replayWindow {
		return errors.Wrap(errors.ErrStaleEvent, "signature timestamp outside replay window").
			WithField("age_seconds", age)
	}

	secretClean := strings.TrimSpace(secret)
	mac := hmac.New(sha256.New, []byte(secretClean))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.ToLower(strings.TrimSpace(signature))
	provided = strings.TrimPrefix(provided, "0x")

	if hmac.Equal([]byte(expected), []byte(provided)) {
		return nil
	}

	return errors.Wrap(errors.ErrInvalidSignature, "signature mismatch")
}
