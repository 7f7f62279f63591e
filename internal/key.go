package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shieldcrypt/envelope/secret"
)

// CryptoKey is an unencrypted key held in a Secret. It is the unit of
// plaintext key material passed between the cache, the envelope engine, and
// the AEAD layer.
type CryptoKey struct {
	created int64
	sec     secret.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix epoch in seconds.
func (k *CryptoKey) Created() int64 {
	return k.created
}

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically updates the revoked flag.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var v uint32
	if revoked {
		v = 1
	}

	atomic.StoreUint32(&k.revoked, v)
}

// Close destroys the underlying secret. Safe to call more than once.
func (k *CryptoKey) Close() {
	k.once.Do(func() {
		if k.sec != nil {
			k.sec.Close()
		}
	})
}

// IsClosed reports whether the underlying secret has been closed.
func (k *CryptoKey) IsClosed() bool {
	return k.sec.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){secret(%p)}", k, k.sec)
}

// WithBytes exposes the plaintext key bytes to action for the duration of
// the call only.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.sec.WithBytes(action)
}

// WithBytesFunc exposes the plaintext key bytes to action and returns
// action's byte-slice result.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.sec.WithBytesFunc(action)
}

// NewCryptoKey wraps key in a Secret allocated by factory. key is wiped by
// the factory once copied.
func NewCryptoKey(factory secret.Factory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	var v uint32
	if revoked {
		v = 1
	}

	s, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, revoked: v, sec: s}, nil
}

// NewCryptoKeyForTest builds a CryptoKey with no backing secret. For test use only.
func NewCryptoKeyForTest(created int64, revoked bool) *CryptoKey {
	var v uint32
	if revoked {
		v = 1
	}

	return &CryptoKey{created: created, revoked: v}
}

// GenerateKey creates a new random CryptoKey of size bytes.
func GenerateKey(factory secret.Factory, created int64, size int) (*CryptoKey, error) {
	s, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, sec: s}, nil
}

// BytesAccessor exposes a byte view for the scope of a callback.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey invokes action with key's plaintext bytes.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor exposes a byte view for the scope of a callback and
// returns a derived byte slice.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc invokes action with key's plaintext bytes and returns its result.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable is the subset of CryptoKey used by expiration/revocation checks.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsKeyInvalid reports whether key is revoked or has aged past expireAfter.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}

// IsKeyExpired reports whether created is older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}
