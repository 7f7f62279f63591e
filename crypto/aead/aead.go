// Package aead implements the envelope package's AEAD interface over
// standard library AEAD ciphers, laying out the result as
// ciphertext || tag || nonce so the nonce (and, for GCM, the 128-bit tag
// folded into the ciphertext by cipher.AEAD.Seal) travels with the data it
// protects.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/shieldcrypt/envelope/internal"
)

// gcmNonceSize is the standard GCM nonce length.
const gcmNonceSize = 12

// gcmTagSize is the GCM authentication tag length (128 bits).
const gcmTagSize = 16

// gcmMaxDataSize is GCM's plaintext limit of 2^39-256 bits, i.e.
// (2^32-2) blocks of 16 bytes (just under 64 GiB).
const gcmMaxDataSize = ((1 << 32) - 2) * 16

// cryptoFunc adapts a key-to-cipher.AEAD constructor into the envelope
// package's AEAD interface.
type cryptoFunc func(key []byte) (cipher.AEAD, error)

// Encrypt encrypts data under encKey, appending the authentication tag and
// a fresh random nonce to the returned ciphertext.
func (c cryptoFunc) Encrypt(data, encKey []byte) ([]byte, error) {
	aeadCipher, err := c(encKey)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if gcmTagSize != aeadCipher.Overhead() {
		return nil, errors.New("unexpected cipher overhead")
	}

	if gcmNonceSize != aeadCipher.NonceSize() {
		return nil, errors.New("unexpected cipher nonce size")
	}

	size := len(data) + gcmTagSize + gcmNonceSize

	cipherAndNonce := make([]byte, size)
	noncePos := len(cipherAndNonce) - aeadCipher.NonceSize()

	internal.FillRandom(cipherAndNonce[noncePos:])

	aeadCipher.Seal(cipherAndNonce[:0], cipherAndNonce[noncePos:], data, nil)

	return cipherAndNonce, nil
}

// Decrypt decrypts data (as produced by Encrypt) under key.
func (c cryptoFunc) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aeadCipher.NonceSize() {
		return nil, errors.New("data length is shorter than nonce size")
	}

	noncePos := len(data) - aeadCipher.NonceSize()

	// The caller controls data's lifecycle (e.g. the wrapped-DRK bytes are
	// wiped immediately after this call returns), so Open can't be handed
	// data's own backing array as its destination.
	d, err := aeadCipher.Open(nil, data[noncePos:], data[:noncePos], nil)

	return d, errors.Wrap(err, "error decrypting data")
}
