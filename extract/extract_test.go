package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/graphloom/loom/faults"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		RequestsPerMinute: 6000,
		MaxConcurrent:     4,
	}, zap.NewNop().Sugar())
}

func TestExtractParsesResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"entities": [{"name": "Pump P-101", "kind": "equipment", "confidence": 0.93}],
			"relationships": [{"subject": "Pump P-101", "predicate": "feeds", "object": "Tank T-2", "confidence": 0.81}],
			"confidence": 0.88
		}`))
	})

	result, err := c.Extract(context.Background(), "doc://manual-7")
	require.NoError(t, err)
	assert.Equal(t, "doc://manual-7", result.SourceRef)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Pump P-101", result.Entities[0].Name)
	require.Len(t, result.Relationships, 1)
	assert.Equal(t, "feeds", result.Relationships[0].Predicate)
	assert.False(t, result.ExtractedAt.IsZero())
}

func TestExtractServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	})

	_, err := c.Extract(context.Background(), "doc://x")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, "extraction", faults.DependencyOf(err))
}

func TestExtractClientErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported document type", http.StatusUnprocessableEntity)
	})

	_, err := c.Extract(context.Background(), "doc://x")
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))
}

func TestExtractThrottleIsResource(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := c.Extract(context.Background(), "doc://x")
	require.Error(t, err)
	assert.True(t, faults.IsResource(err))
}

func TestExtractConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore

	c := NewClient(Config{
		BaseURL:           srv.URL,
		Timeout:           2 * time.Second,
		RequestsPerMinute: 6000,
		MaxConcurrent:     1,
	}, zap.NewNop().Sugar())

	_, err := c.Extract(context.Background(), "doc://x")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestExtractFiltersLowConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"entities": [
				{"name": "A", "kind": "equipment", "confidence": 0.95},
				{"name": "B", "kind": "equipment", "confidence": 0.40}
			],
			"relationships": [
				{"subject": "A", "predicate": "feeds", "object": "B", "confidence": 0.30}
			],
			"confidence": 0.7
		}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		RequestsPerMinute: 6000,
		MaxConcurrent:     1,
		MinConfidence:     0.6,
	}, zap.NewNop().Sugar())

	result, err := c.Extract(context.Background(), "doc://x")
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "A", result.Entities[0].Name)
	assert.Empty(t, result.Relationships)
}

func TestExtractCancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Extract(ctx, "doc://x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	assert.NoError(t, c.HealthCheck(context.Background()))

	healthy = false
	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}
