package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/lockbox/internal/util"
	"github.com/jmcleod/lockbox/storage"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrConflict is returned when Update keeps losing the compare-and-swap
	// race to concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

const (
	namespace          = "accounts"
	credentialRecord   = "credential"
	emailIndexRecord   = "email"
	maxUpdateAttempts  = 8
	emailIndexAADScope = "email:"
	credentialAADScope = "credential:"
)

// Store is the durable credential store consumed by the authentication core.
//
// Update reads the record, applies mutate and writes it back atomically; if
// another writer got in first the read-mutate-write is replayed against the
// fresh record. An error returned by mutate aborts the update and is
// returned unchanged.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
	FindByID(ctx context.Context, id string) (*Credential, error)
	Create(ctx context.Context, c *Credential) error
	Update(ctx context.Context, id string, mutate func(*Credential) error) (*Credential, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Credential, error)
}

// RepositoryStore implements Store on a storage.Repository. Every record is
// sealed with AES-256-GCM under the storage key; the AAD binds a ciphertext
// to its record ID so envelopes cannot be swapped between users.
type RepositoryStore struct {
	repo   storage.Repository
	key    *memguard.Enclave
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*RepositoryStore)(nil)

// StoreOption configures a RepositoryStore.
type StoreOption func(*RepositoryStore)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *RepositoryStore) { s.logger = logger.With("component", "account_store") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *RepositoryStore) { s.now = now }
}

// NewRepositoryStore returns a Store sealing records with storageKey, which
// must be util.KeySize bytes. The key is copied into a memguard enclave and
// the caller's slice is wiped.
func NewRepositoryStore(repo storage.Repository, storageKey []byte, opts ...StoreOption) (*RepositoryStore, error) {
	if len(storageKey) != util.KeySize {
		return nil, fmt.Errorf("storage key must be %d bytes, got %d", util.KeySize, len(storageKey))
	}
	s := &RepositoryStore{
		repo:   repo,
		key:    memguard.NewEnclave(storageKey),
		logger: slog.Default().With("component", "account_store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func emailLookupID(email string) string {
	return util.HashIdentifier(NormalizeEmail(email))
}

func (s *RepositoryStore) withKey(fn func(key []byte) error) error {
	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening storage key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (s *RepositoryStore) seal(aad string, v any, version uint64) (*storage.Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	defer util.Wipe(plaintext)
	var env *storage.Envelope
	err = s.withKey(func(key []byte) error {
		var err error
		env, err = storage.SealRecord(key, plaintext, []byte(aad), version)
		return err
	})
	return env, err
}

func (s *RepositoryStore) open(aad string, env *storage.Envelope, v any) error {
	return s.withKey(func(key []byte) error {
		plaintext, err := storage.OpenRecord(key, env, []byte(aad))
		if err != nil {
			return fmt.Errorf("opening record: %w", err)
		}
		defer util.Wipe(plaintext)
		return json.Unmarshal(plaintext, v)
	})
}

// load returns the decoded credential and the envelope version it was read at.
func (s *RepositoryStore) load(ctx context.Context, id string) (*Credential, uint64, error) {
	env, err := s.repo.Get(ctx, namespace, credentialRecord, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading credential: %w", err)
	}
	var c Credential
	if err := s.open(credentialAADScope+id, env, &c); err != nil {
		return nil, 0, err
	}
	return &c, env.Version, nil
}

func (s *RepositoryStore) FindByID(ctx context.Context, id string) (*Credential, error) {
	c, _, err := s.load(ctx, id)
	return c, err
}

type emailIndex struct {
	UserID string `json:"user_id"`
}

func (s *RepositoryStore) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	lookup := emailLookupID(email)
	env, err := s.repo.Get(ctx, namespace, emailIndexRecord, lookup)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading email index: %w", err)
	}
	var idx emailIndex
	if err := s.open(emailIndexAADScope+lookup, env, &idx); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, idx.UserID)
}

// Create persists a new credential and its email index in one batch. The
// email is normalized in place.
func (s *RepositoryStore) Create(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		return errors.New("credential ID is required")
	}
	c.Email = NormalizeEmail(c.Email)
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	lookup := emailLookupID(c.Email)
	idxEnv, err := s.seal(emailIndexAADScope+lookup, emailIndex{UserID: c.ID}, 1)
	if err != nil {
		return err
	}
	credEnv, err := s.seal(credentialAADScope+c.ID, c, 1)
	if err != nil {
		return err
	}

	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(emailIndexRecord, lookup, 0, idxEnv); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrDuplicateEmail
			}
			return err
		}
		return tx.PutCAS(credentialRecord, c.ID, 0, credEnv)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("credential %s already exists: %w", c.ID, err)
	}
	return err
}

func (s *RepositoryStore) Update(ctx context.Context, id string, mutate func(*Credential) error) (*Credential, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		c, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(c); err != nil {
			return nil, err
		}
		c.ID = id
		c.UpdatedAt = s.now().UTC()

		env, err := s.seal(credentialAADScope+id, c, version+1)
		if err != nil {
			return nil, err
		}
		err = s.repo.PutCAS(ctx, namespace, credentialRecord, id, version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			s.logger.Debug("credential update lost CAS race; retrying",
				slog.String("user_id", id), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving credential: %w", err)
		}
		return c, nil
	}
	return nil, ErrConflict
}

func (s *RepositoryStore) Delete(ctx context.Context, id string) error {
	c, _, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(credentialRecord, id); err != nil {
			return err
		}
		if err := tx.Delete(emailIndexRecord, emailLookupID(c.Email)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
}

func (s *RepositoryStore) List(ctx context.Context) ([]*Credential, error) {
	ids, err := s.repo.List(ctx, namespace, credentialRecord)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	out := make([]*Credential, 0, len(ids))
	for _, id := range ids {
		c, err := s.FindByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
