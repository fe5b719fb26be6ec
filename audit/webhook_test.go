package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSink_Delivers(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Record
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		mu.Lock()
		received = append(received, rec)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "Authorization: Bearer s3cret", nil)
	require.NoError(t, sink.Write(context.Background(), Record{Actor: "u1", Action: ActionLogin, Status: StatusSuccess}))
	require.NoError(t, sink.Write(context.Background(), Record{Actor: "u2", Action: ActionLogin, Status: StatusFailure}))
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "u1", received[0].Actor)
	assert.Equal(t, StatusFailure, received[1].Status)
	assert.Equal(t, "Bearer s3cret", auth)
}

func TestWebhookSink_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", nil)
	sink.retryDelay = time.Millisecond
	require.NoError(t, sink.Write(context.Background(), Record{Action: ActionLogin}))
	sink.Close()

	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookSink_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", nil)
	sink.retryDelay = time.Millisecond
	require.NoError(t, sink.Write(context.Background(), Record{Action: ActionLogin}))
	sink.Close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSink_QueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", nil)
	var dropped bool
	for i := 0; i < webhookQueueSize+2; i++ {
		if err := sink.Write(context.Background(), Record{Action: ActionLogin}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "writes beyond the queue capacity are dropped")

	close(block)
	sink.Close()
}

func TestWebhookSink_WriteAfterClose(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", nil)
	sink.Close()
	sink.Close()

	var err error
	assert.NotPanics(t, func() {
		err = sink.Write(context.Background(), Record{Action: ActionLogin})
	})
	assert.ErrorIs(t, err, ErrSinkClosed)
	assert.Zero(t, hits.Load())
}
