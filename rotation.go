package envelope

import (
	"context"
	"sync"

	"github.com/shieldcrypt/envelope/internal"
	"github.com/shieldcrypt/envelope/log"
)

// rotationJob is a single expired-key replacement to perform in the
// background, submitted when CryptoPolicy.KeyRotationStrategy is
// QueuedRotation.
type rotationJob struct {
	rotate func()
}

// rotationProcessor runs queued key rotations on a single goroutine, the
// same shape as a session cleanup queue: a large buffered channel absorbs
// bursts, and submission falls back to running the job synchronously if the
// queue is full or has already been closed.
type rotationProcessor struct {
	workChan chan rotationJob
	done     chan struct{}
	once     sync.Once
}

// newRotationProcessor creates a single-goroutine rotation processor.
func newRotationProcessor() *rotationProcessor {
	p := &rotationProcessor{
		workChan: make(chan rotationJob, 10000),
		done:     make(chan struct{}),
	}

	go p.process()

	return p
}

func (p *rotationProcessor) process() {
	for {
		select {
		case job := <-p.workChan:
			log.Debugf("rotation processor: processing queued key rotation")
			job.rotate()
		case <-p.done:
			for {
				select {
				case job := <-p.workChan:
					job.rotate()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues job, falling back to running it synchronously if the
// queue is full or the processor is shut down.
func (p *rotationProcessor) submit(job rotationJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("rotation processor closed, rotating synchronously")
			job.rotate()
		}
	}()

	select {
	case <-p.done:
		log.Debugf("rotation processor closed, rotating synchronously")
		job.rotate()

		return
	default:
	}

	select {
	case p.workChan <- job:
	default:
		log.Debugf("rotation queue full, rotating synchronously")
		job.rotate()
	}
}

func (p *rotationProcessor) close() {
	p.once.Do(func() {
		close(p.done)
	})
}

var (
	globalRotationProcessor     *rotationProcessor
	globalRotationProcessorOnce sync.Once
	globalRotationProcessorMu   sync.Mutex
)

// getRotationProcessor returns the shared rotation processor, creating it
// on first use.
func getRotationProcessor() *rotationProcessor {
	globalRotationProcessorOnce.Do(func() {
		globalRotationProcessor = newRotationProcessor()
	})

	return globalRotationProcessor
}

// resetGlobalRotationProcessor tears down and clears the shared processor.
// Test use only.
func resetGlobalRotationProcessor() {
	globalRotationProcessorMu.Lock()
	defer globalRotationProcessorMu.Unlock()

	if globalRotationProcessor != nil {
		globalRotationProcessor.close()
	}

	globalRotationProcessor = nil
	globalRotationProcessorOnce = sync.Once{}
}

// enqueueSystemKeyRotation submits a background replacement of the system
// key named id. Errors are logged rather than surfaced, since nothing is
// waiting on the result.
func (e *envelopeEncryption) enqueueSystemKeyRotation(id string) {
	getRotationProcessor().submit(rotationJob{rotate: func() {
		ctx := context.Background()

		key, err := e.systemKeys.GetOrLoadLatest(id, func(KeyMeta) (*internal.CryptoKey, error) {
			return e.createSystemKey(ctx)
		})
		if err != nil {
			log.Debugf("queued system key rotation failed -- id: %s, err: %v", id, err)
			return
		}

		key.Close()
	}})
}

// enqueueIntermediateKeyRotation submits a background replacement of the
// intermediate key named id.
func (e *envelopeEncryption) enqueueIntermediateKeyRotation(id string) {
	getRotationProcessor().submit(rotationJob{rotate: func() {
		ctx := context.Background()

		key, err := e.intermediateKeys.GetOrLoadLatest(id, func(KeyMeta) (*internal.CryptoKey, error) {
			return e.createIntermediateKey(ctx)
		})
		if err != nil {
			log.Debugf("queued intermediate key rotation failed -- id: %s, err: %v", id, err)
			return
		}

		key.Close()
	}})
}
