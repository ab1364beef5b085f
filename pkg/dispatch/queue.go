package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
)

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrQueueClosed = errors.New("dispatch queue closed")
)

// Item is one queued event. The encoded event lives in a pooled buffer
// that is returned by Done.
type Item struct {
	Event    models.RoomEvent
	Enqueued time.Time
	EnqSeq   uint64

	buf    *bytebufferpool.ByteBuffer
	raw    []byte
	future *Future
	once   sync.Once
	q      *Queue
}

// Payload returns the bson encoding of the event. Valid until Done.
func (it *Item) Payload() []byte {
	if it.buf == nil {
		return it.raw
	}
	return it.buf.B
}

// Done releases pooled resources. Safe to call more than once.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			bytebufferpool.Put(it.buf)
			it.buf = nil
		}
		if it.q != nil {
			atomic.AddInt64(&it.q.inFlight, -1)
		}
	})
}

// Queue is a bounded in-memory queue of events awaiting dispatch.
type Queue struct {
	ch        chan *Item
	capacity  int
	dropped   uint64
	closed    int32
	enqSeq    uint64
	inFlight  int64
	enqWg     sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a queue of the given capacity (> 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic("dispatch.NewQueue: capacity must be > 0; ensure config.ValidateConfig() applied defaults")
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

func (q *Queue) newItem(e models.RoomEvent, f *Future) (*Item, error) {
	bb := bytebufferpool.Get()
	if err := bson.NewEncoder(bson.NewDocumentWriter(bb)).Encode(e); err != nil {
		bytebufferpool.Put(bb)
		return nil, err
	}
	return &Item{
		Event:    e,
		Enqueued: time.Now(),
		EnqSeq:   atomic.AddUint64(&q.enqSeq, 1),
		buf:      bb,
		future:   f,
		q:        q,
	}, nil
}

// TryEnqueue adds an event without blocking. It fails with ErrQueueFull
// when the queue has no room.
func (q *Queue) TryEnqueue(e models.RoomEvent, f *Future) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}

	it, err := q.newItem(e, f)
	if err != nil {
		return err
	}
	atomic.AddInt64(&q.inFlight, 1)
	select {
	case q.ch <- it:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		it.Done()
		return ErrQueueFull
	}
}

// Enqueue adds an event, waiting for room until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, e models.RoomEvent, f *Future) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}

	it, err := q.newItem(e, f)
	if err != nil {
		return err
	}
	atomic.AddInt64(&q.inFlight, 1)
	select {
	case q.ch <- it:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&q.dropped, 1)
		it.Done()
		return ctx.Err()
	}
}

// Out is the consumer side of the queue.
func (q *Queue) Out() <-chan *Item { return q.ch }

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns how many events were rejected.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// InFlight returns items enqueued but not yet released.
func (q *Queue) InFlight() int64 { return atomic.LoadInt64(&q.inFlight) }

// Close stops accepting events. Queued items stay readable from Out.
func (q *Queue) Close() {
	atomic.StoreInt32(&q.closed, 1)
	q.enqWg.Wait()
	q.closeOnce.Do(func() {
		close(q.ch)
	})
}
