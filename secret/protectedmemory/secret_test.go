package protectedmemory

import (
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shieldcrypt/envelope/secret"
	"github.com/shieldcrypt/envelope/secret/internal/memcall"
)

const keySize = 32

var factory = new(Factory)
var errProtect = errors.New("error from protect")

func TestProtectedMemorySecret_Metrics(t *testing.T) {
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

func TestProtectedMemorySecret_WithBytes(t *testing.T) {
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

func TestProtectedMemorySecret_WithBytes_ClosedReturnsError(t *testing.T) {
	rw := new(sync.RWMutex)
	s := &secretImpl{
		region: &region{
			rw:     rw,
			cond:   sync.NewCond(rw),
			closed: true,
		},
		dummy: nil,
	}

	assert.EqualError(t, s.WithBytes(func(_ []byte) error {
		t.Fail()
		return nil
	}), secret.ErrClosed.Error())
}

func TestProtectedMemorySecret_WithBytesFunc(t *testing.T) {
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

func TestProtectedMemorySecret_WithBytesFunc_ClosedReturnsError(t *testing.T) {
	rw := new(sync.RWMutex)
	s := &secretImpl{
		region: &region{
			rw:     rw,
			cond:   sync.NewCond(rw),
			closed: true,
		},
		dummy: nil,
	}

	_, err := s.WithBytesFunc(func(_ []byte) ([]byte, error) {
		t.Fail()
		return nil, nil
	})
	assert.EqualError(t, err, secret.ErrClosed.Error())
}

func TestProtectedMemorySecret_IsClosed(t *testing.T) {
	orig := []byte("thisismy32bytesecretthatiwilluse")
	sec, err := factory.New(orig)

	if assert.NoError(t, err) {
		assert.False(t, sec.IsClosed())
		assert.NoError(t, sec.Close())
		assert.True(t, sec.IsClosed())
	}
}

func TestProtectedMemorySecret_Close_WithRedundantCall(t *testing.T) {
	orig := []byte("thisismy32bytesecretthatiwilluse")
	sec, err := factory.New(orig)

	if assert.NoError(t, err) {
		assert.False(t, sec.IsClosed())
		assert.NoError(t, sec.Close())
		assert.True(t, sec.IsClosed())
		assert.NoError(t, sec.Close())
		assert.True(t, sec.IsClosed())
	}
}

func TestProtectedMemoryFactory_New(t *testing.T) {
	orig := []byte("testing")
	copyBytes := make([]byte, len(orig))
	copy(copyBytes, orig)

	tests := []struct {
		Name   string
		Error  bool
		Buffer []byte
	}{
		{Name: "returns error", Buffer: nil, Error: true},
		{Name: "returns no error", Buffer: orig, Error: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.Name, func(t *testing.T) {
			b, err := factory.New(tt.Buffer)
			if tt.Error && assert.Error(t, err) {
				assert.Nil(t, b)
			} else if assert.NoError(t, err) {
				assert.NotNil(t, b)
				assert.NoError(t, b.WithBytes(func(bytes []byte) error {
					assert.Equal(t, len(copyBytes), len(bytes))
					assert.Equal(t, copyBytes, bytes)
					return nil
				}))
				defer b.Close()
			}
		})
	}
}

func TestProtectedMemoryFactory_CreateRandom(t *testing.T) {
	size := 8

	assert.NotPanics(t, func() {
		sec, err := factory.CreateRandom(size)
		if assert.NoError(t, err) {
			assert.NoError(t, sec.WithBytes(func(bytes []byte) error {
				assert.Equal(t, size, len(bytes))
				return nil
			}))
			defer sec.Close()
		}
	})
}

func TestProtectedMemoryFactory_CreateRandom_WithError(t *testing.T) {
	sec, e := factory.CreateRandom(-1)
	assert.Nil(t, sec)
	assert.Error(t, e)
}

func TestProtectedMemory_NewSecret(t *testing.T) {
	f := new(Factory)

	s, err := f.alloc(keySize)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, keySize, len(s.bytes))
}

func TestProtectedMemory_NewSecret_InvalidSize(t *testing.T) {
	f := new(Factory)

	s, err := f.alloc(-1)
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestProtectedMemory_NewSecret_TooLargeToAlloc(t *testing.T) {
	var size int64 = 1 << 62

	f := new(Factory)

	s, err := f.alloc(int(size))
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestProtectedMemory_TriggerFinalizer(t *testing.T) {
	s, err := factory.New([]byte("testing"))
	require.NoError(t, err)

	sec := s.(*secretImpl)
	r := sec.region

	assert.False(t, r.isClosed())

	sec = nil
	s = nil

	runtime.GC()

	expireAt := time.Now().Add(time.Minute)

	closed := false

	for time.Now().Before(expireAt) {
		if r.isClosed() {
			closed = true
			break
		}

		runtime.Gosched()
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, closed)
}

type MockMemcall struct {
	mock.Mock
}

func (m *MockMemcall) Alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (m *MockMemcall) Protect(b []byte, mpf memcall.Flag) error {
	args := m.Called(b, mpf)
	return args.Error(0)
}

func (m *MockMemcall) Lock(b []byte) error {
	return nil
}

func (m *MockMemcall) Unlock(b []byte) error {
	args := m.Called(b)
	return args.Error(0)
}

func (m *MockMemcall) Free(b []byte) error {
	args := m.Called(b)
	return args.Error(0)
}

func TestProtectedMemoryFactory_NewWithMemcallError(t *testing.T) {
	m := new(MockMemcall)

	f := &Factory{mc: m}

	data := []byte("testing")

	errUnlock := errors.New("error from unlock")
	errFree := errors.New("error from free")

	m.On("Protect", mock.Anything, memcall.NoAccess()).Return(errProtect)
	m.On("Unlock", mock.Anything).Return(errUnlock)
	m.On("Free", mock.Anything).Return(errFree)

	sec, err := f.New(data)
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect))
		assert.EqualError(t, err, "error from free: error from unlock: error from protect")
		assert.Nil(t, sec)
	}
}

func TestProtectedMemoryFactory_CreateRandomWithMemcallError(t *testing.T) {
	m := new(MockMemcall)

	f := &Factory{mc: m}

	size := 8

	errUnlock := errors.New("error from unlock")
	errFree := errors.New("error from free")

	m.On("Protect", mock.Anything, memcall.NoAccess()).Return(errProtect)
	m.On("Unlock", mock.Anything).Return(errUnlock)
	m.On("Free", mock.Anything).Return(errFree)

	sec, err := f.CreateRandom(size)
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect))
		assert.EqualError(t, err, "error from free: error from unlock: error from protect")
		assert.Nil(t, sec)
	}
}

func TestProtectedMemoryFactory_CreateRandomWithRandError(t *testing.T) {
	m := new(MockMemcall)

	f := &Factory{mc: m}

	size := 8

	errRandom := errors.New("error from random reader")
	errUnlock := errors.New("error from unlock")
	errFree := errors.New("error from free")

	m.On("Unlock", mock.Anything).Return(errUnlock)
	m.On("Free", mock.Anything).Return(errFree)

	reader := func(b []byte) (int, error) {
		return 0, errRandom
	}

	sec, err := f.createRandom(size, reader)
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errRandom))
		assert.EqualError(t, err, "error from free: error from unlock: error from random reader")
		assert.Nil(t, sec)
	}
}

func TestProtectedMemory_SetReadAccessIfNeeded_MemcallError(t *testing.T) {
	m := new(MockMemcall)

	m.On("Protect", mock.Anything, memcall.ReadOnly()).Return(errProtect)

	f := &Factory{mc: m}

	s, err := f.alloc(8)
	require.NoError(t, err)

	originalAccessCounter := s.accessCount

	err = s.access()
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect))
		assert.Equal(t, originalAccessCounter, s.accessCount)
	}
}

func TestProtectedMemory_SetNoAccessIfNeeded_MemcallError(t *testing.T) {
	m := new(MockMemcall)

	m.On("Protect", mock.Anything, memcall.NoAccess()).Return(errProtect)

	f := &Factory{mc: m}

	s, err := f.alloc(8)
	require.NoError(t, err)

	s.accessCount = 1

	err = s.release()
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect))
		assert.Equal(t, 0, s.accessCount)
	}
}

func TestProtectedMemorySecret_WithBytes_SetReadAccessError(t *testing.T) {
	m := new(MockMemcall)

	m.On("Protect", mock.Anything, memcall.ReadOnly()).Return(errProtect)

	f := &Factory{mc: m}

	s, err := f.alloc(8)
	require.NoError(t, err)

	err = s.WithBytes(func([]byte) error {
		assert.FailNow(t, "action should not have been called")
		return nil
	})
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect))
	}
}

func TestProtectedMemorySecret_WithBytes_SetNoAccessError(t *testing.T) {
	m := new(MockMemcall)

	m.On("Protect", mock.Anything, memcall.ReadOnly()).Return(nil)
	m.On("Protect", mock.Anything, memcall.NoAccess()).Return(errProtect)

	f := &Factory{mc: m}

	s, err := f.alloc(8)
	require.NoError(t, err)

	called := false
	err = s.WithBytes(func([]byte) error {
		called = true
		return nil
	})

	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect), "expected protect error")
		assert.True(t, called, "WithBytes action func not called")
	}
}

func TestProtectedMemorySecret_WithBytesFunc_SetReadAccessError(t *testing.T) {
	m := new(MockMemcall)

	m.On("Protect", mock.Anything, memcall.ReadOnly()).Return(errProtect)

	f := &Factory{mc: m}

	s, err := f.alloc(8)
	require.NoError(t, err)

	_, err = s.WithBytesFunc(func([]byte) ([]byte, error) {
		assert.FailNow(t, "action should not have been called")
		return nil, nil
	})

	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, errProtect))
	}
}

func TestProtectedMemorySecret_NewReader(t *testing.T) {
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

func TestProtectedMemory_WithMemoryLimit_RejectsOversizedAllocation(t *testing.T) {
	f := WithMemoryLimit(16)

	s, err := f.New([]byte("this is definitely too long"))
	assert.ErrorIs(t, err, secret.ErrMemoryLimitExceeded)
	assert.Nil(t, s)
}

func TestProtectedMemory_WithMemoryLimit_ReleasesOnClose(t *testing.T) {
	f := WithMemoryLimit(32)

	s1, err := f.New([]byte("0123456789012345"))
	require.NoError(t, err)

	require.NoError(t, s1.Close())

	s2, err := f.New([]byte("0123456789012345"))
	require.NoError(t, err)
	defer s2.Close()
}
