// Package accesslog records tenant requests asynchronously. Entries are
// buffered in a bounded queue that sheds the oldest entry when full and
// written to a Store in batches by a single flusher.
package accesslog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/model"
)

// Store persists batches of access logs.
type Store interface {
	WriteBatch(ctx context.Context, batch []*model.AccessLog) error
	Close() error
}

// Observer receives pipeline events. *metrics.Collector satisfies it.
type Observer interface {
	RecordLogsDropped(n int)
	RecordFlushFailure()
}

// Options configures a Pipeline.
type Options struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

// Pipeline is the asynchronous access log writer.
type Pipeline struct {
	store    Store
	opts     Options
	observer Observer
	entries  chan *model.AccessLog

	// mu orders Offer's send against Close: once Close holds it, no
	// entry can land in the channel after drain.
	mu        sync.RWMutex
	closed    bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	offered atomic.Int64
	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	dropWarn rate.Sometimes
}

// NewPipeline creates a pipeline writing to store and starts its flusher.
// observer may be nil.
func NewPipeline(store Store, opts Options, observer Observer) *Pipeline {
	p := newPipeline(store, opts, observer)
	go p.run()
	return p
}

func newPipeline(store Store, opts Options, observer Observer) *Pipeline {
	if opts.Capacity <= 0 {
		opts.Capacity = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	return &Pipeline{
		store:    store,
		opts:     opts,
		observer: observer,
		entries:  make(chan *model.AccessLog, opts.Capacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Offer queues an entry without blocking. When the queue is full the
// oldest buffered entry is dropped to make room.
func (p *Pipeline) Offer(entry *model.AccessLog) {
	if entry == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(1)
		return
	}
	p.offered.Add(1)
	for {
		select {
		case p.entries <- entry:
			return
		default:
		}
		select {
		case <-p.entries:
			p.drop(1)
		default:
		}
	}
}

func (p *Pipeline) drop(n int) {
	total := p.dropped.Add(int64(n))
	if p.observer != nil {
		p.observer.RecordLogsDropped(n)
	}
	p.dropWarn.Do(func() {
		logging.Warn("access log queue full, dropping oldest entries",
			zap.Int("capacity", p.opts.Capacity),
			zap.Int64("dropped_total", total),
		)
	})
}

// run waits for a first entry, gathers up to a batch within the flush
// interval and writes it.
func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case first := <-p.entries:
			p.flush(p.collect(first))
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *Pipeline) collect(first *model.AccessLog) []*model.AccessLog {
	batch := make([]*model.AccessLog, 0, p.opts.BatchSize)
	batch = append(batch, first)

	timer := time.NewTimer(p.opts.FlushInterval)
	defer timer.Stop()
	for len(batch) < p.opts.BatchSize {
		select {
		case e := <-p.entries:
			batch = append(batch, e)
		case <-timer.C:
			return batch
		case <-p.stop:
			return p.fill(batch)
		}
	}
	return batch
}

// fill tops batch up with whatever is already buffered.
func (p *Pipeline) fill(batch []*model.AccessLog) []*model.AccessLog {
	for len(batch) < p.opts.BatchSize {
		select {
		case e := <-p.entries:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) drain() {
	batch := make([]*model.AccessLog, 0, p.opts.BatchSize)
	for {
		select {
		case e := <-p.entries:
			batch = append(batch, e)
			if len(batch) >= p.opts.BatchSize {
				p.flush(batch)
				batch = make([]*model.AccessLog, 0, p.opts.BatchSize)
			}
		default:
			p.flush(batch)
			return
		}
	}
}

// flush writes one batch. A failed batch is discarded.
func (p *Pipeline) flush(batch []*model.AccessLog) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.FlushTimeout)
	defer cancel()

	if err := p.store.WriteBatch(ctx, batch); err != nil {
		p.failed.Add(int64(len(batch)))
		if p.observer != nil {
			p.observer.RecordFlushFailure()
		}
		logging.Error("failed to write access logs",
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
		return
	}
	p.written.Add(int64(len(batch)))
}

// Close stops accepting entries, flushes what is buffered and closes the
// store. Entries still buffered when ctx is done are lost.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.stop)
		p.mu.Unlock()
	})

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.store.Close()
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Offered  int64 `json:"offered"`
	Dropped  int64 `json:"dropped"`
	Written  int64 `json:"written"`
	Failed   int64 `json:"failed"`
	Buffered int   `json:"buffered"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Offered:  p.offered.Load(),
		Dropped:  p.dropped.Load(),
		Written:  p.written.Load(),
		Failed:   p.failed.Load(),
		Buffered: len(p.entries),
	}
}
