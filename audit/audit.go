// Package audit records security events. Recording is fire-and-forget: a
// failing sink is logged and never fails the operation being audited.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Action identifies the security-relevant operation being recorded.
type Action string

const (
	ActionLogin           Action = "login"
	ActionRegistration    Action = "registration"
	ActionPasskeyEnrolled Action = "passkey_enrolled"
	ActionPasskeyRemoved  Action = "passkey_removed"
	ActionPasswordSet     Action = "password_set"
	ActionPasswordRemoved Action = "password_removed"
	ActionLogout          Action = "logout"
)

// Status is the outcome of an audited action.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Record is one write-once audit entry. Actor is a user ID, or the hashed
// identifier the caller submitted when no user could be resolved.
type Record struct {
	Actor         string         `json:"actor"`
	Action        Action         `json:"action"`
	Status        Status         `json:"status"`
	SourceAddress string         `json:"source_address,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink persists or forwards audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type contextKey int

const sourceAddressKey contextKey = iota

// WithSourceAddress attaches the client address to ctx for later records.
func WithSourceAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddressKey, addr)
}

// SourceAddress returns the address stored by WithSourceAddress.
func SourceAddress(ctx context.Context) string {
	addr, _ := ctx.Value(sourceAddressKey).(string)
	return addr
}

// Recorder stamps records and hands them to a Sink, absorbing failures.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder writing to sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger.With("component", "audit"), now: time.Now}
}

// Record fills in the timestamp and source address and writes rec. It never
// returns an error and never panics on sink failure.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r == nil || r.sink == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	if rec.SourceAddress == "" {
		rec.SourceAddress = SourceAddress(ctx)
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "audit sink panicked", slog.Any("panic", p), slog.String("action", string(rec.Action)))
		}
	}()
	if err := r.sink.Write(ctx, rec); err != nil {
		r.logger.WarnContext(ctx, "audit sink write failed",
			slog.String("action", string(rec.Action)), slog.String("error", err.Error()))
	}
}
