// Package reader implements io.Reader over a Secret's WithBytes scope.
package reader

import "io"

// BytesWrapper is the subset of Secret a Reader needs.
type BytesWrapper interface {
	WithBytes(action func([]byte) error) error
}

// Reader adapts a BytesWrapper to io.Reader, tracking the read offset
// across calls.
type Reader struct {
	secret BytesWrapper
	i      int
}

// New returns a Reader over s.
func New(s BytesWrapper) *Reader {
	return &Reader{secret: s}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (n int, err error) {
	err = r.secret.WithBytes(func(b []byte) error {
		if r.i >= len(b) {
			return io.EOF
		}

		n = copy(p, b[r.i:])
		r.i += n

		if r.i >= len(b) {
			return io.EOF
		}

		return nil
	})

	return
}
