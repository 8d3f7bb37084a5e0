package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/installer/internal/logging"
)

var log = logging.L("workerpool")

// ErrStopped is returned by Submit after Wait has been called.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work. The context is cancelled once any task fails.
type Task func(ctx context.Context) error

// Pool is a bounded goroutine pool that fails fast: the first task error
// cancels the pool context and queued tasks are skipped.
type Pool struct {
	queue  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders Submit's channel send against Wait closing the queue.
	sendMu  sync.RWMutex
	stopped bool

	errMu sync.Mutex
	errs  []error
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(ctx context.Context, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		queue:  make(chan Task, queueSize),
		ctx:    poolCtx,
		cancel: cancel,
	}

	p.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context is cancelled when a task fails, the parent is cancelled, or Wait returns.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues a task, blocking while the queue is full. It returns the
// pool context's error once the pool has failed, and ErrStopped after Wait.
func (p *Pool) Submit(task Task) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Wait stops accepting tasks, waits for queued and in-flight tasks to finish
// and returns every task error joined.
func (p *Pool) Wait() error {
	p.sendMu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.sendMu.Unlock()

	p.wg.Wait()
	p.cancel()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		if p.ctx.Err() != nil {
			continue
		}
		if err := p.runTask(task); err != nil {
			p.fail(err)
		}
	}
}

// runTask executes a single task, converting a panic into an error.
func (p *Pool) runTask(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(p.ctx)
}

func (p *Pool) fail(err error) {
	// Tasks that only observed the cancellation caused by an earlier failure
	// are not failures of their own.
	if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
		p.errMu.Lock()
		n := len(p.errs)
		p.errMu.Unlock()
		if n > 0 {
			return
		}
	}

	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
	p.cancel()
}
