// Package protectedmemory implements Secrets backed directly by locked,
// protection-toggled OS memory pages (mmap + mlock + mprotect); of
// awnumar/memguard it uses only core.Wipe, for scrubbing. See the memguard
// package for an alternative built entirely on awnumar/memguard.
package protectedmemory

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/shieldcrypt/envelope/secret"
	"github.com/shieldcrypt/envelope/secret/internal/memcall"
	"github.com/shieldcrypt/envelope/secret/internal/reader"
	"github.com/shieldcrypt/envelope/secret/log"
)

// AllocTimer records the time taken to allocate a Secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.protectedmemory.alloctimer", nil)

// region holds the actual locked pages and the bookkeeping needed to grant
// and revoke readability. A finalizer is attached indirectly (via dummy)
// rather than to secretImpl itself, since a finalizer reference to the
// receiver would keep it alive forever.
type region struct {
	bytes   []byte
	mc      memcall.Interface
	budget  *budget
	size    int // size reserved against budget, the requested allocation size
	rw      *sync.RWMutex
	cond    *sync.Cond
	closing bool
	closed  bool

	accessCount int
}

// secretImpl is the concrete Secret. It embeds *region so the finalizer can
// close the region without keeping secretImpl (and thus the Secret the
// caller holds) reachable.
type secretImpl struct {
	*region
	// dummy exists solely so runtime.SetFinalizer has something to attach
	// to that isn't reachable from the region itself.
	dummy *byte
}

var _ secret.Secret = (*secretImpl)(nil)

// WithBytes grants read access to the region for the duration of action.
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

	return action(s.bytes)
}

// WithBytesFunc is WithBytes but returns action's byte-slice result.
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

	return action(s.bytes)
}

// IsClosed reports whether Close has run.
func (s *secretImpl) IsClosed() bool {
	return s.region.isClosed()
}

// NewReader returns an io.Reader over the plaintext bytes.
func (s *secretImpl) NewReader() io.Reader {
	return reader.New(s)
}

// access marks the region readable, if it isn't already, and bumps the
// reader count. Concurrent readers share a single readable transition.
func (r *region) access() error {
	r.rw.Lock()
	defer r.rw.Unlock()

	if r.closing || r.closed {
		return secret.ErrClosed
	}

	if r.accessCount == 0 {
		if err := r.mc.Protect(r.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}

	r.accessCount++

	return nil
}

// release drops the reader count and, once it reaches zero, marks the
// region no-access again.
func (r *region) release() error {
	r.rw.Lock()
	defer r.rw.Unlock()
	defer r.cond.Broadcast()

	r.accessCount--

	if r.accessCount == 0 {
		if err := r.mc.Protect(r.bytes, memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

func (r *region) isClosed() bool {
	r.rw.RLock()
	defer r.rw.RUnlock()

	return r.closed
}

func (r *region) finalize() {
	r.rw.Lock()
	wasClosing := r.closing
	r.rw.Unlock()

	if !wasClosing {
		log.Debugf("protectedmemory: secret finalized before Close was called (%p)\n", r)
	}

	r.Close()
}

// Close blocks until any in-flight readers drain, then wipes and frees the
// region. Idempotent and safe to race with an in-flight WithBytes.
func (r *region) Close() error {
	r.rw.Lock()
	defer r.rw.Unlock()

	r.closing = true

	for {
		if r.closed {
			return nil
		}

		if r.accessCount == 0 {
			return r.close()
		}

		r.cond.Wait()
	}
}

func (r *region) close() error {
	if err := r.mc.Protect(r.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	core.Wipe(r.bytes)

	if err := r.mc.Unlock(r.bytes); err != nil {
		return err
	}

	if err := r.mc.Free(r.bytes); err != nil {
		return err
	}

	r.budget.release(r.size)

	r.bytes = nil
	r.closed = true

	secret.InUseCounter.Dec(1)

	return nil
}

// Factory creates protectedmemory-backed Secrets. The zero value is ready
// to use and imposes no locked-memory budget.
type Factory struct {
	// mc is overridable in tests; production always uses memcall.Default.
	mc memcall.Interface

	budget *budget

	once sync.Once
}

// WithMemoryLimit returns a Factory that refuses to allocate once
// limitBytes of locked memory are in use across every Secret it has
// created. Allocations beyond the limit fail with
// secret.ErrMemoryLimitExceeded rather than touching the OS.
func WithMemoryLimit(limitBytes int) *Factory {
	return &Factory{budget: &budget{limit: limitBytes}}
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New copies b into a new protected Secret and wipes b.
func (f *Factory) New(b []byte) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := f.alloc(len(b))
	if err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, s.bytes, b)
	core.Wipe(b)

	return f.finishAlloc(s)
}

// CreateRandom returns a Secret of size bytes filled with secure random data.
func (f *Factory) CreateRandom(size int) (secret.Secret, error) {
	return f.createRandom(size, rand.Read)
}

func (f *Factory) createRandom(size int, readFunc func([]byte) (int, error)) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := f.alloc(size)
	if err != nil {
		return nil, err
	}

	if _, err := readFunc(s.bytes); err != nil {
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		f.budget.release(s.size)

		return nil, err
	}

	return f.finishAlloc(s)
}

// alloc reserves budget, mmaps and mlocks a region of the requested size,
// and prepares the finalizer/cond-var scaffolding. The region is left in
// read-write mode; finishAlloc flips it to no-access once populated.
func (f *Factory) alloc(size int) (*secretImpl, error) {
	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	f.ensureCoreDumpPosture()

	if err := f.budget.reserve(size); err != nil {
		return nil, err
	}

	mc := f.memcall()

	bytes, err := mc.Alloc(size)
	if err != nil {
		f.budget.release(size)
		return nil, err
	}

	if err := mc.Lock(bytes); err != nil {
		if err2 := mc.Free(bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		f.budget.release(size)

		return nil, err
	}

	rw := new(sync.RWMutex)
	r := &region{
		bytes:  bytes,
		mc:     mc,
		budget: f.budget,
		size:   size,
		rw:     rw,
		cond:   sync.NewCond(rw),
	}

	s := &secretImpl{region: r, dummy: new(byte)}

	runtime.SetFinalizer(s.dummy, func(*byte) {
		go r.finalize()
	})

	return s, nil
}

func (f *Factory) finishAlloc(s *secretImpl) (secret.Secret, error) {
	if err := f.memcall().Protect(s.bytes, memcall.NoAccess()); err != nil {
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		f.budget.release(s.size)

		return nil, err
	}

	secret.AllocCounter.Inc(1)
	secret.InUseCounter.Inc(1)

	return s, nil
}

// ensureCoreDumpPosture runs once per Factory and attempts to exclude
// locked pages from core dumps. Per-region advice is handled by the
// platform memcall implementation at lock time; factories fall back to
// disabling core dumps process-wide only when that advice is unavailable.
// See disableCoreDumpsFallback (platform-specific files) for the fallback.
func (f *Factory) ensureCoreDumpPosture() {
	f.once.Do(func() {
		if !perRegionCoreDumpExclusionSupported() {
			disableCoreDumpsFallback()
			log.Debugf("protectedmemory: per-region core dump exclusion unavailable, disabled core dumps process-wide\n")
		}
	})
}

func (r *region) String() string {
	return fmt.Sprintf("protectedmemory.secret(%p)", r)
}
