// Package kms provides KeyManagementService implementations: StaticKMS for
// tests and local development, and AWSKMS for production use against one or
// more AWS KMS regions.
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	envelope "github.com/shieldcrypt/envelope"
	"github.com/shieldcrypt/envelope/internal"
	"github.com/shieldcrypt/envelope/secret/memguard"
)

var _ envelope.KeyManagementService = (*StaticKMS)(nil)

const staticKeySize = 32

// StaticKMS is an in-memory KeyManagementService backed by a single
// hard-coded key. It never leaves the process and provides no actual key
// separation - it exists for tests and local development only, never for
// production use.
type StaticKMS struct {
	Crypto envelope.AEAD
	key    *internal.CryptoKey
}

// NewStatic builds a StaticKMS around key, which must be exactly 32 bytes.
func NewStatic(key string, crypto envelope.AEAD) (*StaticKMS, error) {
	if len(key) != staticKeySize {
		return nil, errors.Errorf("invalid key size %d, must be 32 bytes", len(key))
	}

	f := new(memguard.Factory)

	cryptoKey, err := internal.NewCryptoKey(f, time.Now().Unix(), false, []byte(key))
	if err != nil {
		return nil, err
	}

	return &StaticKMS{Crypto: crypto, key: cryptoKey}, nil
}

// EncryptKey wraps keyBytes under the static master key.
func (s *StaticKMS) EncryptKey(_ context.Context, keyBytes []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(mkBytes []byte) ([]byte, error) {
		return s.Crypto.Encrypt(keyBytes, mkBytes)
	})
}

// DecryptKey unwraps encKey under the static master key.
func (s *StaticKMS) DecryptKey(_ context.Context, encKey []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(mkBytes []byte) ([]byte, error) {
		return s.Crypto.Decrypt(encKey, mkBytes)
	})
}

// Close frees the memory locked by the master key.
func (s *StaticKMS) Close() {
	if s.key != nil {
		s.key.Close()
	}
}
