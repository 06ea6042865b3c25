package rag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestFetchContext_JoinsSnippets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"text":"Opening hours are 9-5.","score":0.9},{"text":" Closed Sundays. ","score":0.7}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "key-1"}, quietLogger())
	got := client.FetchContext(context.Background(), "when are you open")
	assert.Equal(t, "Opening hours are 9-5.\n\nClosed Sundays.", got)
}

func TestFetchContext_TimeoutReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 20 * time.Millisecond}, quietLogger())
	got := client.FetchContext(context.Background(), "anything")
	assert.Empty(t, got)
}

func TestFetchContext_Non200ReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, quietLogger())
	assert.Empty(t, client.FetchContext(context.Background(), "anything"))
}

func TestFetchContext_NilClientAndBlankUtterance(t *testing.T) {
	var client *Client
	assert.Empty(t, client.FetchContext(context.Background(), "hello"))

	client = NewClient(Config{}, quietLogger())
	assert.Nil(t, client)

	real := NewClient(Config{BaseURL: "http://localhost:1"}, quietLogger())
	assert.Empty(t, real.FetchContext(context.Background(), "   "))
}
