// Package dispatch delivers appended room events to in-process handlers
// and records them as delivered in the event log.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/logger"
	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
)

// Dispatcher hands an event to subscribers. The returned future resolves
// once the event is recorded as delivered.
type Dispatcher interface {
	Dispatch(ctx context.Context, e models.RoomEvent) *Future
}

// Pipeline is the queued Dispatcher backed by a Processor.
type Pipeline struct {
	q       *Queue
	p       *Processor
	blocked bool
	closed  int32
	once    sync.Once
}

// PipelineOptions configure NewPipeline.
type PipelineOptions struct {
	Options
	QueueCapacity int
	// Block makes Dispatch wait for queue room instead of failing fast.
	Block bool
}

// NewPipeline creates and starts a pipeline committing to sink.
func NewPipeline(sink Sink, opts PipelineOptions) *Pipeline {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	q := NewQueue(opts.QueueCapacity)
	p := NewProcessor(q, sink, opts.Options)
	p.RegisterFallback(LogHandler)
	p.Start()
	return &Pipeline{q: q, p: p, blocked: opts.Block}
}

// Processor exposes the processor for handler registration.
func (pl *Pipeline) Processor() *Processor { return pl.p }

// Queue exposes the queue for stats.
func (pl *Pipeline) Queue() *Queue { return pl.q }

func (pl *Pipeline) Dispatch(ctx context.Context, e models.RoomEvent) *Future {
	if atomic.LoadInt32(&pl.closed) == 1 {
		return Resolved(ErrNotRunning)
	}
	f := newFuture()
	var err error
	if pl.blocked {
		err = pl.q.Enqueue(ctx, e, f)
	} else {
		err = pl.q.TryEnqueue(e, f)
	}
	if err != nil {
		metrics.EventsDelivered.WithLabelValues("rejected").Inc()
		return Resolved(fmt.Errorf("enqueue %s: %w", e.ID, err))
	}
	return f
}

// Close stops accepting events, drains the queue and stops the workers.
func (pl *Pipeline) Close(ctx context.Context) {
	pl.once.Do(func() {
		atomic.StoreInt32(&pl.closed, 1)
		pl.q.Close()
		pl.p.Stop(ctx)
	})
}

// Inline dispatches synchronously on the caller's goroutine.
type Inline struct {
	sink     Sink
	mu       sync.RWMutex
	handlers map[models.EventType]Handler
}

// NewInline returns a synchronous dispatcher committing to sink.
func NewInline(sink Sink) *Inline {
	return &Inline{sink: sink, handlers: make(map[models.EventType]Handler)}
}

func (in *Inline) RegisterHandler(t models.EventType, h Handler) {
	in.mu.Lock()
	in.handlers[t] = h
	in.mu.Unlock()
}

func (in *Inline) Dispatch(ctx context.Context, e models.RoomEvent) *Future {
	start := time.Now()
	in.mu.RLock()
	h := in.handlers[e.T]
	in.mu.RUnlock()
	if h != nil {
		b, err := bson.Marshal(e)
		if err != nil {
			return Resolved(err)
		}
		if err := h(ctx, &Item{Event: e, Enqueued: start, raw: b}); err != nil {
			metrics.EventsDelivered.WithLabelValues("error").Inc()
			return Resolved(err)
		}
	}
	if in.sink != nil {
		if err := in.sink.MarkDelivered(ctx, []string{e.ID}); err != nil {
			metrics.EventsDelivered.WithLabelValues("error").Inc()
			return Resolved(fmt.Errorf("mark delivered: %w", err))
		}
	}
	metrics.EventsDelivered.WithLabelValues("ok").Inc()
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	return Resolved(nil)
}

// LogHandler is the default handler: it only traces the event.
func LogHandler(_ context.Context, it *Item) error {
	logger.Debug("event_dispatched", "event", it.Event.ID, "clid", it.Event.Clid, "cid", it.Event.Cid, "type", it.Event.T, "seq", it.Event.Seq)
	return nil
}
