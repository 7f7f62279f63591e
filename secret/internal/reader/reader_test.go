package reader

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSecret struct {
	bytes  []byte
	closed bool
}

func (f *fakeSecret) WithBytes(action func([]byte) error) error {
	if f.closed {
		return errors.New("secret has already been destroyed")
	}

	return action(f.bytes)
}

func TestReader_ReadAcrossCalls(t *testing.T) {
	s := &fakeSecret{bytes: []byte("0123456789")}
	r := New(s)

	tests := []struct {
		n        int
		expected string
		err      error
	}{
		{n: 4, expected: "0123"},
		{n: 4, expected: "4567"},
		{n: 1, expected: "8"},
		{n: 4, expected: "9", err: io.EOF},
		{n: 4, expected: "", err: io.EOF},
	}

	for _, tt := range tests {
		buf := make([]byte, tt.n)
		n, err := r.Read(buf)
		assert.Equal(t, tt.err, err)
		assert.Equal(t, tt.expected, string(buf[:n]))
	}
}

func TestReader_ReadPropagatesSecretError(t *testing.T) {
	s := &fakeSecret{bytes: []byte("testing"), closed: true}
	r := New(s)

	buf := make([]byte, len(s.bytes))
	n, err := r.Read(buf)

	assert.EqualError(t, err, "secret has already been destroyed")
	assert.Equal(t, 0, n)
}

func TestReader_ReadEmptySecret(t *testing.T) {
	s := &fakeSecret{bytes: nil}
	r := New(s)

	buf := make([]byte, 4)
	n, err := r.Read(buf)

	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)
}
