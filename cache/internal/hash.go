package internal

import (
	"fmt"
	"reflect"
)

// Hashable lets a cache key supply its own 64-bit hash, bypassing the
// reflection-based fallback in ComputeHash.
type Hashable interface {
	Sum64() uint64
}

const (
	offset64 uint64 = 14695981039346656037
	prime64  uint64 = 1099511628211
)

// ComputeHash returns a 64-bit FNV-1a hash of v, used by the TinyLFU
// admission policy's sketch and doorkeeper. Keys implementing Hashable
// supply their own hash; bools hash to 1 (true) or 0 (false); everything
// else is hashed via its string form,
// which is adequate for the cache keys this package actually sees
// (fixed-width integers and short strings).
func ComputeHash(v interface{}) uint64 {
	if h, ok := v.(Hashable); ok {
		return h.Sum64()
	}

	if b, ok := v.(bool); ok {
		if b {
			return 1
		}

		return 0
	}

	return fnv1a(hashBytes(v))
}

func hashBytes(v interface{}) []byte {
	switch s := v.(type) {
	case string:
		return []byte(s)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.String {
			return []byte(rv.String())
		}

		return []byte(fmt.Sprintf("%v", v))
	}
}

func fnv1a(b []byte) uint64 {
	h := offset64

	for _, c := range b {
		h ^= uint64(c)
		h *= prime64
	}

	return h
}
