package envelope

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationProcessor_SubmitRunsJob(t *testing.T) {
	p := newRotationProcessor()
	defer p.close()

	var ran int32
	done := make(chan struct{})

	p.submit(rotationJob{rotate: func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation job did not run")
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestRotationProcessor_SubmitAfterCloseRunsSynchronously(t *testing.T) {
	p := newRotationProcessor()
	p.close()

	var ran int32
	p.submit(rotationJob{rotate: func() { atomic.StoreInt32(&ran, 1) }})

	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestRotationProcessor_SubmitFallsBackWhenQueueFull(t *testing.T) {
	p := &rotationProcessor{
		workChan: make(chan rotationJob),
		done:     make(chan struct{}),
	}

	var ran int32
	p.submit(rotationJob{rotate: func() { atomic.StoreInt32(&ran, 1) }})

	assert.EqualValues(t, 1, atomic.LoadInt32(&ran),
		"a job submitted to an unserviced queue must run synchronously rather than block")
}

func TestRotationProcessor_CloseIsIdempotent(t *testing.T) {
	p := newRotationProcessor()

	assert.NotPanics(t, func() {
		p.close()
		p.close()
	})
}

func TestGetRotationProcessor_SharedAcrossCalls(t *testing.T) {
	resetGlobalRotationProcessor()
	defer resetGlobalRotationProcessor()

	p1 := getRotationProcessor()
	p2 := getRotationProcessor()

	assert.Same(t, p1, p2)
}

func TestGetRotationProcessor_RecreatedAfterReset(t *testing.T) {
	resetGlobalRotationProcessor()
	defer resetGlobalRotationProcessor()

	p1 := getRotationProcessor()
	resetGlobalRotationProcessor()
	p2 := getRotationProcessor()

	assert.NotSame(t, p1, p2)
}

func TestRotationProcessor_ConcurrentSubmit(t *testing.T) {
	p := newRotationProcessor()
	defer p.close()

	const n = 200

	var wg sync.WaitGroup
	var count int32

	wg.Add(n)

	for i := 0; i < n; i++ {
		p.submit(rotationJob{rotate: func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		}})
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "not all queued rotations completed")
	}

	assert.EqualValues(t, n, atomic.LoadInt32(&count))
}
