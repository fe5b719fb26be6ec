// Package password verifies password proofs against stored hashes and
// upgrades legacy bcrypt hashes to argon2id on successful login.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/lockbox/account"
)

var (
	ErrMalformedHash = errors.New("malformed password hash")
	ErrNoHash        = errors.New("no password hash stored")
)

// StoredHash is the closed set of stored password hash variants:
// LegacyHash and CurrentHash.
type StoredHash interface {
	// Verify reports whether proof matches the hash. Proofs are compared
	// lowercased.
	Verify(proof string) (bool, error)
	// Version returns the account.HashVersion* tag persisted alongside.
	Version() int
	// Encoded returns the persisted string form.
	Encoded() string

	sealed()
}

// LegacyHash is a bcrypt hash produced by the previous client generation.
type LegacyHash struct {
	encoded string
}

// CurrentHash is an argon2id hash in PHC string format.
type CurrentHash struct {
	encoded string
}

func (LegacyHash) sealed()  {}
func (CurrentHash) sealed() {}

func (h LegacyHash) Version() int     { return account.HashVersionLegacy }
func (h LegacyHash) Encoded() string  { return h.encoded }
func (h CurrentHash) Version() int    { return account.HashVersionCurrent }
func (h CurrentHash) Encoded() string { return h.encoded }

// NormalizeProof lowercases a client-derived proof. The client sends hex or
// base64 digests whose letter case is not stable across platforms.
func NormalizeProof(proof string) string {
	return strings.ToLower(proof)
}

func (h LegacyHash) Verify(proof string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(h.encoded), []byte(NormalizeProof(proof)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

func (h CurrentHash) Verify(proof string) (bool, error) {
	parsed, err := parsePHC(h.encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(NormalizeProof(proof)), parsed.salt,
		parsed.params.Time, parsed.params.Memory, parsed.params.Parallelism, uint32(len(parsed.hash)))
	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// FromCredential returns the stored hash variant of c. Any version of 2 or
// above is treated as current.
func FromCredential(c *account.Credential) (StoredHash, error) {
	if !c.HasPassword() {
		return nil, ErrNoHash
	}
	if c.PasswordHashVersion <= account.HashVersionLegacy {
		return LegacyHash{encoded: c.PasswordHash}, nil
	}
	return CurrentHash{encoded: c.PasswordHash}, nil
}

// Params are the argon2id cost parameters used for new hashes.
type Params struct {
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	SaltLength  uint32 `json:"salt_length"`
	KeyLength   uint32 `json:"key_length"`
}

// DefaultParams follows the OWASP argon2id baseline.
func DefaultParams() Params {
	return Params{
		Time:        1,
		Memory:      64 * 1024,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher produces CurrentHash values.
type Hasher struct {
	params Params
}

// NewHasher validates p and returns a Hasher.
func NewHasher(p Params) (*Hasher, error) {
	if p.Time < 1 || p.Memory < 8*1024 || p.Parallelism < 1 || p.SaltLength < 16 || p.KeyLength < 16 {
		return nil, fmt.Errorf("argon2id parameters below minimum: %+v", p)
	}
	return &Hasher{params: p}, nil
}

// Hash derives a CurrentHash from proof.
func (h *Hasher) Hash(proof string) (CurrentHash, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return CurrentHash{}, fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(NormalizeProof(proof)), salt,
		h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	return CurrentHash{encoded: fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)}, nil
}

// Migrate verifies proof against a legacy hash and, on a match, derives the
// replacement current hash from newProof. It touches no storage.
func (h *Hasher) Migrate(legacy LegacyHash, proof, newProof string) (CurrentHash, error) {
	ok, err := legacy.Verify(proof)
	if err != nil {
		return CurrentHash{}, err
	}
	if !ok {
		return CurrentHash{}, ErrInvalidCredentials
	}
	return h.Hash(newProof)
}

// Bounds on parameters read back from stored hashes. argon2.IDKey panics on
// zero rounds or threads.
const (
	maxTime      = 64
	maxMemoryKiB = 4 * 1024 * 1024
)

type phc struct {
	params Params
	salt   []byte
	hash   []byte
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported argon2 version", ErrMalformedHash)
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Parallelism); err != nil {
		return nil, fmt.Errorf("%w: bad parameters", ErrMalformedHash)
	}
	if p.Time < 1 || p.Time > maxTime || p.Parallelism < 1 || p.Memory < 1 || p.Memory > maxMemoryKiB {
		return nil, fmt.Errorf("%w: parameters out of range", ErrMalformedHash)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, fmt.Errorf("%w: bad hash", ErrMalformedHash)
	}
	return &phc{params: p, salt: salt, hash: hash}, nil
}

// LegacyHashFor produces a bcrypt hash of proof. Only tooling that seeds
// legacy accounts (imports, tests) should need this.
func LegacyHashFor(proof string, cost int) (LegacyHash, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(NormalizeProof(proof)), cost)
	if err != nil {
		return LegacyHash{}, err
	}
	return LegacyHash{encoded: string(b)}, nil
}
