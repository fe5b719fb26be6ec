// Package storagetest holds a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/lockbox/storage"
)

func env(version uint64, payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      make([]byte, 12),
		Ciphertext: []byte(payload),
		Version:    version,
	}
}

// Run exercises repo against the storage.Repository contract. Each backend
// must hand in an empty repository.
func Run(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	const ns = "accounts"

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, ns, "credential", "u1", env(1, "one")))
		got, err := repo.Get(ctx, ns, "credential", "u1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, ns, "credential", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
		_, err = repo.Get(ctx, "other-namespace", "credential", "u1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, ns, "credential", "u2", env(1, "two")))
		require.NoError(t, repo.Put(ctx, ns, "email", "u1", env(1, "idx")))
		ids, err := repo.List(ctx, ns, "credential")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

		ids, err = repo.List(ctx, "empty", "credential")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("PutCAS", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, ns, "cas", "r1", 0, env(1, "v1")))

		err := repo.PutCAS(ctx, ns, "cas", "r1", 0, env(1, "dup"))
		assert.ErrorIs(t, err, storage.ErrCASFailed, "create-only over existing record")

		err = repo.PutCAS(ctx, ns, "cas", "absent", 1, env(2, "x"))
		assert.ErrorIs(t, err, storage.ErrCASFailed, "update of missing record")

		require.NoError(t, repo.PutCAS(ctx, ns, "cas", "r1", 1, env(2, "v2")))

		err = repo.PutCAS(ctx, ns, "cas", "r1", 1, env(2, "stale"))
		assert.ErrorIs(t, err, storage.ErrCASFailed, "stale version")

		got, err := repo.Get(ctx, ns, "cas", "r1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Ciphertext)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, ns, "del", "r1", env(1, "x")))
		require.NoError(t, repo.Delete(ctx, ns, "del", "r1"))
		_, err := repo.Get(ctx, ns, "del", "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, ns, "del", "r1"), storage.ErrNotFound)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.PutCAS("batch", "a", 0, env(1, "a")); err != nil {
				return err
			}
			return tx.Put("batch", "b", env(1, "b"))
		})
		require.NoError(t, err)
		_, err = repo.Get(ctx, ns, "batch", "a")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, ns, "batch", "b")
		assert.NoError(t, err)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "c", env(1, "c")); err != nil {
				return err
			}
			if err := tx.Put("batch", "a", env(9, "overwritten")); err != nil {
				return err
			}
			return tx.PutCAS("batch", "b", 0, env(1, "conflict"))
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get(ctx, ns, "batch", "c")
		assert.ErrorIs(t, err, storage.ErrNotFound, "write inside failed batch must roll back")
		got, err := repo.Get(ctx, ns, "batch", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got.Ciphertext)
	})
}
