package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ErrQueueFull signals explicit backpressure: the caller decides whether
// to drop or wait, the pool never grows.
var ErrQueueFull = errors.New("worker queue full")

// Pool is a fixed-size worker pool with a bounded task queue, shared by
// the scheduled analysis jobs.
type Pool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
}

// NewPool starts workers goroutines draining a queue of queueSize tasks.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan func(), queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}

	return p
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task()
			p.completed.Add(1)
		}
	}
}

// Submit queues a task, failing fast when the queue is full.
func (p *Pool) Submit(task func()) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close stops the workers. In-flight tasks finish; queued tasks are
// abandoned.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	log.Debugf("Worker pool closed: %d submitted, %d completed, %d dropped",
		p.submitted.Load(), p.completed.Load(), p.dropped.Load())
}

// Stats returns pool counters.
func (p *Pool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"submitted": p.submitted.Load(),
		"completed": p.completed.Load(),
		"dropped":   p.dropped.Load(),
		"queued":    len(p.tasks),
	}
}
