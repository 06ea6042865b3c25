package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/metrics"
)

// Client fetches grounding context for a user utterance from the
// retrieval service. Lookups run on the conversation's critical path, so
// every call is bounded by a short timeout and failures degrade to an
// empty context instead of an error the caller must handle.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logrus.Logger
}

// Config configures the retrieval client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a retrieval client. A nil return means retrieval is
// not configured and sessions should skip context fetches entirely.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 700 * time.Millisecond
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type queryResponse struct {
	Results []struct {
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// FetchContext returns grounding snippets for the utterance, joined into
// one block. An empty string means no usable context; errors are logged
// and swallowed so a slow retrieval service never stalls the call.
func (c *Client) FetchContext(ctx context.Context, utterance string) string {
	if c == nil || strings.TrimSpace(utterance) == "" {
		return ""
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{Query: utterance, TopK: 3})
	if err != nil {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordOutcome("error", start)
		c.logger.WithError(err).Debug("Context retrieval failed")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(fmt.Sprintf("http_%d", resp.StatusCode), start)
		c.logger.WithField("status", resp.StatusCode).Debug("Context retrieval returned non-200")
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordOutcome("error", start)
		return ""
	}

	var parsed queryResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		c.recordOutcome("error", start)
		c.logger.WithError(err).Debug("Context retrieval returned malformed body")
		return ""
	}

	snippets := make([]string, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if trimmed := strings.TrimSpace(r.Text); trimmed != "" {
			snippets = append(snippets, trimmed)
		}
	}
	if len(snippets) == 0 {
		c.recordOutcome("empty", start)
		return ""
	}

	c.recordOutcome("ok", start)
	return strings.Join(snippets, "\n\n")
}

func (c *Client) recordOutcome(status string, start time.Time) {
	if metrics.RetrievalRequestsTotal != nil {
		metrics.RetrievalRequestsTotal.WithLabelValues(status).Inc()
	}
	if metrics.RetrievalLatency != nil {
		metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
	}
}
