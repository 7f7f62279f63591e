/*
Package secret provides a way for applications to hold sensitive byte
slices (cryptographic keys, mostly) outside the ordinary Go heap: the
backing pages are locked against swap, excluded from core dumps where the
platform allows it, and marked unreadable whenever no caller is actively
using them.

	factory := new(protectedmemory.Factory)

	s, err := factory.New(keyBytes)
	if err != nil {
		panic(err)
	}
	defer s.Close()

	err = s.WithBytes(func(b []byte) error {
		useKey(b)
		return nil
	})
*/
package secret

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter tracks cumulative Secret allocations. It only increases.
	AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

	// InUseCounter tracks Secrets currently allocated. It increases on
	// allocation and decreases on Close.
	InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)
)

// Secret holds sensitive bytes in a protected memory region. Always call
// Close after use.
type Secret interface {
	// WithBytes exposes the plaintext bytes to action for the duration of
	// the call. The slice passed to action MUST NOT be retained past the
	// call: it is made unreadable (or freed) as soon as action returns.
	//
	// Calling WithBytes on a closed Secret returns ErrClosed.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes but returns action's byte-slice result.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has already run.
	IsClosed() bool

	// Close destroys the region and zeroes its contents. Idempotent.
	Close() error

	// NewReader returns an io.Reader over the plaintext bytes. Each Read
	// opens and closes an access scope internally.
	NewReader() io.Reader
}

// Factory constructs Secrets.
type Factory interface {
	// New copies b into a new Secret and wipes b.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret of size bytes filled with secure
	// random data.
	CreateRandom(size int) (Secret, error)
}
