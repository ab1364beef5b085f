package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"roomlog/pkg/logger"
	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
)

// Handler processes one dispatched event.
type Handler func(ctx context.Context, it *Item) error

// Sink records committed events as delivered.
type Sink interface {
	MarkDelivered(ctx context.Context, ids []string) error
}

// Options tune the processor. Zero values fall back to defaults.
type Options struct {
	Workers       int
	MaxBatch      int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Millisecond
	}
	return o
}

// Processor drains a Queue with a pool of workers. Batches are committed
// to the sink in the order workers claimed them.
type Processor struct {
	q        *Queue
	sink     Sink
	opts     Options
	stop     chan struct{}
	wg       sync.WaitGroup
	running  int32
	stopOnce sync.Once

	hmu      sync.RWMutex
	handlers map[models.EventType]Handler
	fallback Handler

	seqMu      sync.Mutex
	seqCounter uint64

	commitMu   sync.Mutex
	commitCond *sync.Cond
	nextCommit uint64
}

// NewProcessor builds a processor over q committing to sink.
func NewProcessor(q *Queue, sink Sink, opts Options) *Processor {
	p := &Processor{
		q:          q,
		sink:       sink,
		opts:       opts.withDefaults(),
		stop:       make(chan struct{}),
		handlers:   make(map[models.EventType]Handler),
		nextCommit: 1,
	}
	p.commitCond = sync.NewCond(&p.commitMu)
	return p
}

// RegisterHandler sets the handler for one event type.
func (p *Processor) RegisterHandler(t models.EventType, h Handler) {
	p.hmu.Lock()
	p.handlers[t] = h
	p.hmu.Unlock()
}

// RegisterFallback sets the handler for event types with no handler of
// their own.
func (p *Processor) RegisterFallback(h Handler) {
	p.hmu.Lock()
	p.fallback = h
	p.hmu.Unlock()
}

func (p *Processor) handlerFor(t models.EventType) Handler {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	if h, ok := p.handlers[t]; ok {
		return h
	}
	return p.fallback
}

// Start launches the workers.
func (p *Processor) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	logger.Info("dispatch_started", "workers", p.opts.Workers, "max_batch", p.opts.MaxBatch, "flush_interval", p.opts.FlushInterval)
}

// Stop signals workers and waits for them until ctx is done. Items still
// queued are drained before workers exit.
func (p *Processor) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stop) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("dispatch_stopped")
	case <-ctx.Done():
		logger.Warn("dispatch_stop_timeout", "error", ctx.Err())
	}
	atomic.StoreInt32(&p.running, 0)
}

func (p *Processor) nextSeq() uint64 {
	p.seqMu.Lock()
	p.seqCounter++
	s := p.seqCounter
	p.seqMu.Unlock()
	return s
}

func (p *Processor) workerLoop(id int) {
	defer p.wg.Done()
	out := p.q.Out()
	for {
		var first *Item
		var ok bool
		select {
		case <-p.stop:
			for {
				select {
				case it, ok := <-out:
					if !ok {
						return
					}
					p.runBatch(id, []*Item{it}, p.nextSeq())
				default:
					return
				}
			}
		case first, ok = <-out:
			if !ok {
				return
			}
		}
		seq := p.nextSeq()
		batch := p.collect(first, out)
		p.runBatch(id, batch, seq)
	}
}

// collect drains up to MaxBatch items, waiting at most FlushInterval for
// more to arrive.
func (p *Processor) collect(first *Item, out <-chan *Item) []*Item {
	batch := make([]*Item, 0, p.opts.MaxBatch)
	batch = append(batch, first)
	if p.opts.MaxBatch == 1 {
		return batch
	}
	timer := time.NewTimer(p.opts.FlushInterval)
	defer timer.Stop()
	for len(batch) < p.opts.MaxBatch {
		select {
		case it, ok := <-out:
			if !ok {
				return batch
			}
			batch = append(batch, it)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

func (p *Processor) runBatch(worker int, batch []*Item, seq uint64) {
	ctx := context.Background()
	errs := make([]error, len(batch))
	for i, it := range batch {
		errs[i] = p.handle(ctx, it)
	}

	p.waitForCommit(seq)
	ids := make([]string, 0, len(batch))
	for i, it := range batch {
		if errs[i] == nil {
			ids = append(ids, it.Event.ID)
		}
	}
	var commitErr error
	if len(ids) > 0 && p.sink != nil {
		if err := p.sink.MarkDelivered(ctx, ids); err != nil {
			commitErr = fmt.Errorf("mark delivered: %w", err)
			logger.Error("dispatch_commit_failed", "worker", worker, "batch", len(ids), "error", err)
		}
	}
	p.markCommitted()

	metrics.QueueDepth.Set(float64(p.q.Len()))
	for i, it := range batch {
		err := errs[i]
		if err == nil {
			err = commitErr
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.EventsDelivered.WithLabelValues(outcome).Inc()
		metrics.DispatchLatency.Observe(time.Since(it.Enqueued).Seconds())
		if it.future != nil {
			it.future.resolve(err)
		}
		it.Done()
	}
}

func (p *Processor) handle(ctx context.Context, it *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.Error("dispatch_handler_panic", "event", it.Event.ID, "type", it.Event.T, "panic", r)
		}
	}()
	h := p.handlerFor(it.Event.T)
	if h == nil {
		return nil
	}
	if err := h(ctx, it); err != nil {
		logger.Warn("dispatch_handler_failed", "event", it.Event.ID, "type", it.Event.T, "error", err)
		return err
	}
	return nil
}

func (p *Processor) waitForCommit(seq uint64) {
	p.commitMu.Lock()
	for p.nextCommit != seq {
		p.commitCond.Wait()
	}
	p.commitMu.Unlock()
}

func (p *Processor) markCommitted() {
	p.commitMu.Lock()
	p.nextCommit++
	p.commitCond.Broadcast()
	p.commitMu.Unlock()
}

// ErrNotRunning is returned by a pipeline whose processor was stopped.
var ErrNotRunning = errors.New("dispatch pipeline not running")
