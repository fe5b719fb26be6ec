// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space of the BBolt and in-memory
// backends. Envelope fields are stored as individual columns so nonce and
// ciphertext use native BYTEA storage.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/lockbox/storage"
)

const upsertSQL = `INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext, version)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	 ON CONFLICT (namespace, record_type, record_id)
	 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8`

const deleteSQL = `DELETE FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execer abstracts *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsert(ctx context.Context, e execer, namespace, recordType, recordID string, env *storage.Envelope) error {
	_, err := e.Exec(ctx, upsertSQL,
		namespace, recordType, recordID,
		env.Ver, env.Scheme, env.Nonce, env.Ciphertext, env.Version)
	return err
}

func remove(ctx context.Context, e execer, namespace, recordType, recordID string) error {
	tag, err := e.Exec(ctx, deleteSQL, namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return upsert(ctx, s.pool, namespace, recordType, recordID, envelope)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := s.pool.QueryRow(ctx,
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &env.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND record_type = $2 ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return remove(ctx, s.pool, namespace, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, recordType, recordID, expectedVersion, envelope); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Batch runs fn inside one database transaction.
func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return upsert(btx.ctx, btx.tx, btx.namespace, recordType, recordID, envelope)
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, recordType, recordID, expectedVersion, envelope)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return remove(btx.ctx, btx.tx, btx.namespace, recordType, recordID)
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// The row lock taken by SELECT ... FOR UPDATE serialises concurrent writers.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		namespace, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// ON CONFLICT DO NOTHING covers a concurrent create of the same key.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (namespace, record_type, record_id) DO NOTHING`,
			namespace, recordType, recordID,
			envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, envelope.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, envelope.Version)
	return err
}
