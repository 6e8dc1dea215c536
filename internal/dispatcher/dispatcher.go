// Package dispatcher runs submitted jobs on a fixed set of worker goroutines
// fed from an unbounded FIFO queue.
package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
)

// ErrShutdown is returned by Submit once Shutdown has started.
var ErrShutdown = errors.New("dispatcher: shutting down")

type node[T any] struct {
	job  T
	next *node[T]
}

// Dispatcher is a bounded worker pool. Jobs are dequeued in submission
// order; completion order across workers is not defined.
type Dispatcher[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	drained  *sync.Cond

	head, tail  *node[T]
	queued      int
	outstanding int
	shutdown    bool

	handle func(T)
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts workers goroutines calling handle for every submitted job.
// A non-positive workers means runtime.NumCPU().
func New[T any](workers int, handle func(T), logger *slog.Logger) *Dispatcher[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher[T]{handle: handle, logger: logger}
	d.notEmpty = sync.NewCond(&d.mu)
	d.drained = sync.NewCond(&d.mu)

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work(i)
	}
	logger.Info("dispatcher: workers started", "workers", workers)
	return d
}

// Submit enqueues job at the tail. It never blocks on capacity.
func (d *Dispatcher[T]) Submit(job T) error {
	n := &node[T]{job: job}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	if d.tail == nil {
		d.head = n
	} else {
		d.tail.next = n
	}
	d.tail = n
	d.queued++
	d.outstanding++
	d.notEmpty.Signal()
	return nil
}

func (d *Dispatcher[T]) work(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for d.head == nil && !d.shutdown {
			d.notEmpty.Wait()
		}
		if d.head == nil {
			d.mu.Unlock()
			return
		}
		n := d.head
		d.head = n.next
		if d.head == nil {
			d.tail = nil
		}
		d.queued--
		d.mu.Unlock()

		d.run(id, n.job)

		d.mu.Lock()
		d.outstanding--
		if d.outstanding == 0 {
			d.drained.Broadcast()
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher[T]) run(id int, job T) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: job panicked",
				"worker", id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	d.handle(job)
}

// Shutdown stops accepting jobs, waits until every job submitted before it
// has finished, then joins the workers. Later calls return immediately
// after the first one completes.
func (d *Dispatcher[T]) Shutdown() {
	d.once.Do(func() {
		d.mu.Lock()
		d.shutdown = true
		d.notEmpty.Broadcast()
		for d.outstanding > 0 {
			d.drained.Wait()
		}
		d.mu.Unlock()

		d.wg.Wait()
		d.logger.Info("dispatcher: drained")
	})
}

// Len is the number of jobs waiting for a worker.
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Outstanding is the number of jobs queued or running.
func (d *Dispatcher[T]) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}
