package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
)

// Client drives the telephony provider's call control REST API. It is
// used for mid-call redirects: transferring a caller to a human agent
// and hanging up a finished call.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Config configures the call control client.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
}

// NewClient creates a call control client. A nil return means call
// control is not configured; transfer and hangup become logged no-ops.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &Client{
		baseURL:    baseURL,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Transfer redirects a live call to the given phone number.
func (c *Client) Transfer(ctx context.Context, callSID, number string) error {
	if c == nil {
		return errors.Wrap(errors.ErrUnavailable, "call control is not configured")
	}
	if number == "" {
		return errors.Wrap(errors.ErrInvalidInput, "transfer number is empty")
	}

	twiml := fmt.Sprintf("<Response><Dial>%s</Dial></Response>", number)
	return c.updateCall(ctx, callSID, url.Values{"Twiml": {twiml}})
}

// Dial places an outbound call and returns the provider's call sid.
// streamURL is the voice webhook the provider fetches when the callee
// answers; it points the call at this server's media stream.
func (c *Client) Dial(ctx context.Context, from, to, streamURL string) (string, error) {
	if c == nil {
		return "", errors.Wrap(errors.ErrUnavailable, "call control is not configured")
	}
	if to == "" {
		return "", errors.Wrap(errors.ErrInvalidInput, "destination number is empty")
	}
	if from == "" {
		return "", errors.Wrap(errors.ErrInvalidInput, "origin number is empty")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	form := url.Values{"To": {to}, "From": {from}}
	if streamURL != "" {
		form.Set("Url", streamURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "failed to build dial request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "dial request failed").WithField("to", to)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Wrap(errors.ErrInternalError, "dial rejected by provider").
			WithField("to", to).
			WithField("status", resp.StatusCode).
			WithField("body", strings.TrimSpace(string(body)))
	}

	var created struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&created); err != nil {
		return "", errors.Wrap(err, "failed to decode dial response")
	}

	c.logger.WithFields(logrus.Fields{
		"provider_sid": created.SID,
		"to":           to,
	}).Info("Outbound call placed")

	return created.SID, nil
}

// Hangup completes a live call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if c == nil {
		return errors.Wrap(errors.ErrUnavailable, "call control is not configured")
	}
	return c.updateCall(ctx, callSID, url.Values{"Status": {"completed"}})
}

func (c *Client) updateCall(ctx context.Context, callSID string, form url.Values) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		c.baseURL, c.accountSID, callSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to build call control request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "call control request failed").
			WithField("call_sid", callSID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Wrap(errors.ErrInternalError, "call control rejected request").
			WithField("call_sid", callSID).
			WithField("status", resp.StatusCode).
			WithField("body", strings.TrimSpace(string(body)))
	}

	c.logger.WithFields(logrus.Fields{
		"call_sid": callSID,
		"status":   resp.StatusCode,
	}).Info("Call control request accepted")

	return nil
}
