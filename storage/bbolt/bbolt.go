// Package bbolt provides a BBolt-backed storage repository. Each namespace
// maps to a top-level bucket; keys are "<recordType>:<recordID>".
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/lockbox/storage"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func (s *Store) Put(_ context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putInBucket(b, recordType, recordID, envelope)
	})
}

func (s *Store) Get(_ context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var envelope storage.Envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return notFound(recordType, recordID)
		}
		data := b.Get(recordKey(recordType, recordID))
		if data == nil {
			return notFound(recordType, recordID)
		}
		return json.Unmarshal(data, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (s *Store) List(_ context.Context, namespace, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) Delete(_ context.Context, namespace, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return notFound(recordType, recordID)
		}
		return deleteInBucket(b, recordType, recordID)
	})
}

func (s *Store) PutCAS(_ context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, envelope)
	})
}

// Batch runs fn inside a single read-write bbolt transaction; returning an
// error from fn rolls every write back.
func (s *Store) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}

func putInBucket(b *bbolt.Bucket, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func deleteInBucket(b *bbolt.Bucket, recordType, recordID string) error {
	key := recordKey(recordType, recordID)
	if b.Get(key) == nil {
		return notFound(recordType, recordID)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existingData := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Envelope
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, recordType, recordID, envelope)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return putInBucket(tx.bucket, recordType, recordID, envelope)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, envelope)
}

func (tx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteInBucket(tx.bucket, recordType, recordID)
}
