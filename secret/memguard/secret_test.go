package memguard

import (
	"io"
	"sync"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldcrypt/envelope/secret"
)

var factory = new(Factory)

func TestMemguardSecret_Metrics(t *testing.T) {
	secret.AllocCounter.Clear()
	secret.InUseCounter.Clear()

	assert.Equal(t, int64(0), secret.AllocCounter.Count())
	assert.Equal(t, int64(0), secret.InUseCounter.Count())

	const count int64 = 10

	func() {
		for i := int64(0); i < count; i++ {
			orig := []byte("testing")
			copyBytes := make([]byte, len(orig))
			copy(copyBytes, orig)

			s, err := factory.New(orig)
			require.NoError(t, err)

			defer s.Close()

			require.NoError(t, s.WithBytes(func(b []byte) error {
				assert.Equal(t, copyBytes, b)
				return nil
			}))

			r, err := factory.CreateRandom(8)
			require.NoError(t, err)

			defer r.Close()

			require.NoError(t, r.WithBytes(func(b []byte) error {
				assert.Equal(t, 8, len(b))
				return nil
			}))
		}

		assert.Equal(t, count*2, secret.AllocCounter.Count())
		assert.Equal(t, count*2, secret.InUseCounter.Count())
	}()

	assert.Equal(t, count*2, secret.AllocCounter.Count())
	assert.Equal(t, int64(0), secret.InUseCounter.Count())
}

func TestMemguardSecret_WithBytes(t *testing.T) {
	orig := []byte("testing")
	copyBytes := make([]byte, len(orig))
	copy(copyBytes, orig)

	s, err := factory.New(orig)
	if assert.NoError(t, err) {
		defer s.Close()
		assert.NoError(t, s.WithBytes(func(b []byte) error {
			assert.Equal(t, copyBytes, b)
			return nil
		}))
	}
}

func TestMemguardSecret_WithBytes_ClosedReturnsError(t *testing.T) {
	b := memguard.NewBufferRandom(32)
	require.True(t, b.IsAlive())

	rw := new(sync.RWMutex)
	s := &secretImpl{
		buffer: b,
		rw:     rw,
		cond:   sync.NewCond(rw),
	}

	require.NoError(t, s.Close())

	assert.EqualError(t, s.WithBytes(func(_ []byte) error {
		t.Fail()
		return nil
	}), secret.ErrClosed.Error())
}

func TestMemguardSecret_WithBytesFunc(t *testing.T) {
	orig := []byte("testing")
	copyBytes := make([]byte, len(orig))
	copy(copyBytes, orig)

	s, err := factory.New(orig)
	if assert.NoError(t, err) {
		defer s.Close()
		_, err := s.WithBytesFunc(func(b []byte) ([]byte, error) {
			assert.Equal(t, copyBytes, b)
			return b, nil
		})
		assert.NoError(t, err)
	}
}

func TestMemguardSecret_WithBytesFunc_ClosedReturnsError(t *testing.T) {
	b := memguard.NewBufferRandom(32)
	require.True(t, b.IsAlive())

	rw := new(sync.RWMutex)
	s := &secretImpl{
		buffer: b,
		rw:     rw,
		cond:   sync.NewCond(rw),
	}

	require.NoError(t, s.Close())

	_, err := s.WithBytesFunc(func(_ []byte) ([]byte, error) {
		t.Fail()
		return nil, nil
	})
	assert.EqualError(t, err, secret.ErrClosed.Error())
}

func TestMemguardSecret_IsClosed(t *testing.T) {
	sec, err := factory.New([]byte("testing"))
	if assert.NoError(t, err) {
		assert.False(t, sec.IsClosed())
		assert.NoError(t, sec.Close())
		assert.True(t, sec.IsClosed())
	}
}

func TestMemguardSecret_Close_WithRedundantCall(t *testing.T) {
	sec, err := factory.New([]byte("testing"))
	if assert.NoError(t, err) {
		assert.False(t, sec.IsClosed())
		assert.NoError(t, sec.Close())
		assert.True(t, sec.IsClosed())
		assert.NoError(t, sec.Close())
		assert.True(t, sec.IsClosed())
	}
}

func TestMemguardFactory_New(t *testing.T) {
	orig := []byte("testing")
	copyBytes := make([]byte, len(orig))
	copy(copyBytes, orig)

	b, err := factory.New(orig)
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b)
	assert.NoError(t, b.WithBytes(func(bytes []byte) error {
		assert.Equal(t, copyBytes, bytes)
		return nil
	}))
}

func TestMemguardFactory_CreateRandom(t *testing.T) {
	size := 8

	assert.NotPanics(t, func() {
		sec, err := factory.CreateRandom(size)
		if assert.NoError(t, err) {
			defer sec.Close()

			assert.NoError(t, sec.WithBytes(func(bytes []byte) error {
				assert.Equal(t, size, len(bytes))
				return nil
			}))
		}
	})
}

func TestMemguardFactory_CreateRandom_WithError(t *testing.T) {
	sec, err := factory.CreateRandom(-1)
	assert.Error(t, err)
	assert.Nil(t, sec)
}

func TestMemguardSecret_NewReader(t *testing.T) {
	orig := []byte("0123456789")

	s, err := factory.New(orig)
	require.NoError(t, err)
	defer s.Close()

	r := s.NewReader()

	buf := make([]byte, 4)

	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(buf[:n]))

	n, err = r.Read(buf)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "89", string(buf[:n]))
}

func TestMemguardSecret_NewReader_AfterClose(t *testing.T) {
	s, err := factory.New([]byte("testing"))
	require.NoError(t, err)

	r := s.NewReader()
	require.NoError(t, s.Close())

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	assert.Equal(t, 0, n)
	assert.EqualError(t, err, secret.ErrClosed.Error())
}

func TestMemguardSecret_ConcurrentAccess(t *testing.T) {
	s, err := factory.New([]byte("testing"))
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(10)

	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, s.WithBytes(func(b []byte) error {
				assert.Equal(t, "testing", string(b))
				return nil
			}))
		}()
	}

	wg.Wait()
}
