// Package internal holds the key-handle and byte-scrubbing primitives shared
// by the envelope package. It is not part of the public API.
package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr overwrites buf with zeroes.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically secure random bytes.
func FillRandom(buf []byte) {
	fillRandom(buf, rand.Read)
}

func fillRandom(buf []byte, r func([]byte) (int, error)) {
	if _, err := r(buf); err != nil {
		panic(err)
	}

	// Keeps buf alive past the random fill so the compiler can't treat the
	// write as dead code when the caller discards buf immediately after.
	runtime.KeepAlive(buf)
}

// RandomBytes returns a new slice of length n filled with secure random bytes.
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
