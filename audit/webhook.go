package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound records.
const webhookQueueSize = 1024

var (
	// ErrQueueFull is returned by WebhookSink.Write when the record was dropped.
	ErrQueueFull = errors.New("audit webhook queue full")
	// ErrSinkClosed is returned by WebhookSink.Write after Close.
	ErrSinkClosed = errors.New("audit webhook closed")
)

// WebhookSink POSTs records as JSON to an external endpoint. Write only
// enqueues; a background goroutine delivers with one retry on 5xx.
type WebhookSink struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	records    chan Record
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWebhookSink starts the delivery loop. Call Close to drain it.
func NewWebhookSink(url, authHeader string, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookSink{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		records:    make(chan Record, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write enqueues rec without blocking.
func (w *WebhookSink) Write(_ context.Context, rec Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("%w: dropping %s", ErrSinkClosed, rec.Action)
	}
	select {
	case w.records <- rec:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, rec.Action)
	}
}

// Close stops accepting records and waits for queued ones to be sent.
func (w *WebhookSink) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.records)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *WebhookSink) loop() {
	defer w.wg.Done()
	for rec := range w.records {
		w.send(rec)
	}
}

func (w *WebhookSink) send(rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Lockbox-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
