package aead

import (
	"crypto/aes"
	"crypto/cipher"

	envelope "github.com/shieldcrypt/envelope"
)

// aesGCMCipherFactory returns an AEAD cipher using AES/GCM.
func aesGCMCipherFactory(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns an envelope.AEAD implemented with AES-256-GCM.
func NewAES256GCM() envelope.AEAD {
	return cryptoFunc(aesGCMCipherFactory)
}
