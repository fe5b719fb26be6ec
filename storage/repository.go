// Package storage defines the sealed-record persistence layer used by the
// credential store. Backends live in the memory, bbolt and postgres
// sub-packages.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction. The namespace is
// scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType, recordID string, envelope *Envelope) error
	PutCAS(recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository stores sealed envelopes keyed by (namespace, recordType, recordID).
//
// PutCAS with expectedVersion 0 is create-only. Otherwise the stored
// envelope's Version must equal expectedVersion for the write to land.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
