package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/pkg/resilience"
)

func TestEmbedBatch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"embedding": []float32{float32(i), float32(i) + 0.5}, "index": i}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Model: "test-model", ConcurrencyLimit: 8})
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 0.5}, vecs[0])
	assert.Equal(t, []float32{2, 2.5}, vecs[2])
}

func TestEmbedBatch_SplitsIntoChunks(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req batchReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"embedding": []float32{1}, "index": i}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Model: "m", BatchSize: 2, ConcurrencyLimit: 8})
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, 3, calls)
}

func TestEmbedBatch_PermanentErrorNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Model: "m", ConcurrencyLimit: 8, MaxRetries: 3})
	_, err := c.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls, "a 4xx response must not be retried")
}

func TestEmbedBatch_TransientErrorRetriesThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bo := resilience.BreakerOpts{FailThreshold: 100, Timeout: time.Minute, HalfOpenMax: 1}
	c := New(Options{BaseURL: srv.URL, Model: "m", ConcurrencyLimit: 8, MaxRetries: 2, BreakerOpts: bo})
	_, err := c.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.GreaterOrEqual(t, calls, 2, "a 5xx response should be retried")
}

func TestEmbedOne_Fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": []float32{9, 9}}}})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Model: "m", ConcurrencyLimit: 8})
	vec, err := c.EmbedOne(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, vec)
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	c := New(Options{BaseURL: "http://unused", Model: "m"})
	vecs, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
