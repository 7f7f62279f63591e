// Package memguard implements Secrets backed by awnumar/memguard's
// LockedBuffer. It trades the fine control of the protectedmemory package
// for memguard's battle-tested allocator and canary guard pages.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/shieldcrypt/envelope/secret"
	"github.com/shieldcrypt/envelope/secret/internal/reader"
)

// AllocTimer records the time taken to allocate a Secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.memguard.alloctimer", nil)

type secretImpl struct {
	buffer  *memguard.LockedBuffer
	rw      *sync.RWMutex
	cond    *sync.Cond
	closing bool

	accessCount int
}

var _ secret.Secret = (*secretImpl)(nil)

func (s *secretImpl) WithBytes(action func([]byte) error) (err error) {
	if err = s.access(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.buffer.Bytes())
}

func (s *secretImpl) WithBytesFunc(action func([]byte) ([]byte, error)) (out []byte, err error) {
	if err = s.access(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.buffer.Bytes())
}

func (s *secretImpl) IsClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return !s.buffer.IsAlive()
}

func (s *secretImpl) NewReader() io.Reader {
	return reader.New(s)
}

func (s *secretImpl) access() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return secret.ErrClosed
	}

	s.accessCount++

	return nil
}

func (s *secretImpl) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.cond.Broadcast()

	s.accessCount--

	return nil
}

// Close blocks until in-flight readers drain, then destroys the buffer.
func (s *secretImpl) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if !s.buffer.IsAlive() {
			return nil
		}

		if s.accessCount == 0 {
			s.buffer.Destroy()
			secret.InUseCounter.Dec(1)

			return nil
		}

		s.cond.Wait()
	}
}

// Factory creates memguard-backed Secrets.
type Factory struct{}

var _ secret.Factory = (*Factory)(nil)

// New copies b into a new memguard Secret and wipes b.
func (f *Factory) New(b []byte) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	buf := memguard.NewBufferFromBytes(b)
	if buf.Size() == 0 && len(b) != 0 {
		return nil, errors.New("memguard buffer creation failed")
	}

	return newSecret(buf), nil
}

// CreateRandom returns a Secret of size bytes filled with secure random data.
func (f *Factory) CreateRandom(size int) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	buf := memguard.NewBufferRandom(size)
	if buf.Size() != size {
		return nil, errors.New("memguard buffer creation failed")
	}

	return newSecret(buf), nil
}

func newSecret(buf *memguard.LockedBuffer) secret.Secret {
	rw := new(sync.RWMutex)

	secret.AllocCounter.Inc(1)
	secret.InUseCounter.Inc(1)

	return &secretImpl{
		buffer: buf,
		rw:     rw,
		cond:   sync.NewCond(rw),
	}
}
