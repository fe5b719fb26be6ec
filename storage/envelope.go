package storage

import (
	"fmt"

	"github.com/jmcleod/lockbox/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
// Version is the optimistic-concurrency counter compared by PutCAS.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext into an Envelope carrying the given version.
func SealRecord(key, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	n := util.NonceSize()
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:n],
		Ciphertext: sealed[n:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts an Envelope sealed with the same key and AAD.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	sealed := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	sealed = append(sealed, envelope.Nonce...)
	sealed = append(sealed, envelope.Ciphertext...)
	return util.Open(key, sealed, aad)
}
