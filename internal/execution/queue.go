// Package execution runs tenant functions in sandboxes behind a
// process-wide concurrency limit.
package execution

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrJobTimeout is returned when a job's deadline passes, whether it
	// was still queued or already running.
	ErrJobTimeout = errors.New("execution: job timed out")
	// ErrQueueClosed is returned for jobs submitted to, or still queued
	// in, a closed queue.
	ErrQueueClosed = errors.New("execution: queue closed")
)

// Observer receives queue occupancy changes. metrics.Collector implements it.
type Observer interface {
	SetJobs(running, pending int64)
	RecordJobTimeout()
}

// Future is the eventual outcome of a submitted job.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete resolves the future. Only the first call wins.
func (f *Future[T]) complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type job struct {
	ctx  context.Context
	run  func()
	fail func(error)
}

// Queue is a FIFO job queue with at most N jobs running at once. The
// backlog is unbounded; jobs bound themselves with their own timeouts.
type Queue struct {
	sem      chan struct{}
	maxSlots int
	observer Observer

	mu      sync.Mutex
	backlog *list.List
	closed  bool
	notify  chan struct{}
	closing chan struct{}
	done    chan struct{}
	running sync.WaitGroup

	pendingN   atomic.Int64
	runningN   atomic.Int64
	completedN atomic.Int64
	timedOutN  atomic.Int64
	peakN      atomic.Int64
}

// NewQueue starts a queue running at most maxConcurrency jobs at once.
// observer may be nil.
func NewQueue(maxConcurrency int, observer Observer) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	q := &Queue{
		sem:      make(chan struct{}, maxConcurrency),
		maxSlots: maxConcurrency,
		observer: observer,
		backlog:  list.New(),
		notify:   make(chan struct{}, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.loop()
	return q
}

// Submit enqueues work and returns immediately. The timeout starts now and
// covers both the wait for a slot and the run itself. Cancelling ctx
// cancels the job.
func Submit[T any](ctx context.Context, q *Queue, timeout time.Duration, work func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	var zero T

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	stop := context.AfterFunc(jobCtx, func() {
		err := jobCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrJobTimeout
		}
		if f.complete(zero, err) && err == ErrJobTimeout {
			q.timedOutN.Add(1)
			if q.observer != nil {
				q.observer.RecordJobTimeout()
			}
		}
	})

	j := &job{
		ctx: jobCtx,
		run: func() {
			v, err := work(jobCtx)
			if stop() {
				// The deadline had not fired, so this result is the outcome.
				q.completedN.Add(1)
				f.complete(v, err)
			}
			cancel()
		},
		fail: func(err error) {
			stop()
			f.complete(zero, err)
			cancel()
		},
	}

	if !q.enqueue(j) {
		j.fail(ErrQueueClosed)
	}
	return f
}

func (q *Queue) enqueue(j *job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.backlog.PushBack(j)
	q.pendingN.Add(1)
	q.mu.Unlock()

	q.observe()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) next() *job {
	for {
		q.mu.Lock()
		if e := q.backlog.Front(); e != nil {
			q.backlog.Remove(e)
			q.mu.Unlock()
			return e.Value.(*job)
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.closing:
			return nil
		}
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		j := q.next()
		if j == nil {
			return
		}

		select {
		case q.sem <- struct{}{}:
		case <-j.ctx.Done():
			// Expired or cancelled while queued; its future is already resolved.
			q.pendingN.Add(-1)
			q.observe()
			continue
		case <-q.closing:
			q.pendingN.Add(-1)
			j.fail(ErrQueueClosed)
			return
		}

		if j.ctx.Err() != nil {
			<-q.sem
			q.pendingN.Add(-1)
			q.observe()
			continue
		}

		q.pendingN.Add(-1)
		n := q.runningN.Add(1)
		for {
			peak := q.peakN.Load()
			if n <= peak || q.peakN.CompareAndSwap(peak, n) {
				break
			}
		}
		q.observe()

		q.running.Add(1)
		go func() {
			defer func() {
				<-q.sem
				q.runningN.Add(-1)
				q.observe()
				q.running.Done()
			}()
			j.run()
		}()
	}
}

func (q *Queue) observe() {
	if q.observer != nil {
		q.observer.SetJobs(q.runningN.Load(), q.pendingN.Load())
	}
}

// Close stops accepting jobs, fails everything still queued with
// ErrQueueClosed and waits for running jobs until ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()

	<-q.done

	q.mu.Lock()
	var queued []*job
	for e := q.backlog.Front(); e != nil; e = e.Next() {
		queued = append(queued, e.Value.(*job))
	}
	q.backlog.Init()
	q.mu.Unlock()
	for _, j := range queued {
		q.pendingN.Add(-1)
		j.fail(ErrQueueClosed)
	}
	q.observe()

	finished := make(chan struct{})
	go func() {
		q.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	MaxConcurrency int   `json:"max_concurrency"`
	Pending        int64 `json:"pending"`
	Running        int64 `json:"running"`
	Completed      int64 `json:"completed"`
	TimedOut       int64 `json:"timed_out"`
	PeakRunning    int64 `json:"peak_running"`
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		MaxConcurrency: q.maxSlots,
		Pending:        q.pendingN.Load(),
		Running:        q.runningN.Load(),
		Completed:      q.completedN.Load(),
		TimedOut:       q.timedOutN.Load(),
		PeakRunning:    q.peakN.Load(),
	}
}
