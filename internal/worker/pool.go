// Package worker runs packet-listener callbacks off the transport's dispatch path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when submitting to a closed pool
var ErrClosed = errors.New("worker pool closed")

// ErrFull is returned by TrySubmit when the queue is full
var ErrFull = errors.New("worker pool queue full")

// Task is a unit of work
type Task func(ctx context.Context)

// Pool is a fixed set of goroutines draining a bounded queue
type Pool struct {
	queue  chan Task
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger

	// stop wakes submitters blocked on a full queue when Close starts
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers and queue size
func New(workers, queueSize int, log logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		queue:  make(chan Task, queueSize),
		group:  g,
		ctx:    gctx,
		cancel: cancel,
		log:    log.WithField("component", "worker"),
		stop:   make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		g.Go(p.run)
	}

	return p
}

func (p *Pool) run() error {
	for task := range p.queue {
		p.exec(task)
	}
	return nil
}

func (p *Pool) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("listener task panicked")
		}
	}()
	task(p.ctx)
}

// Submit queues a task, blocking while the queue is full. A submitter
// still blocked when Close starts gets ErrClosed.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		return nil
	case <-p.stop:
		return ErrClosed
	}
}

// TrySubmit queues a task without blocking
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrFull
	}
}

// Close stops accepting tasks, drains the queue and waits for the workers
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	return err
}
