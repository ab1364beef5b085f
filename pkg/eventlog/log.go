// Package eventlog is the append-only room event log. Writes append
// immutable events; reads fold each lineage into its current head.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
	"roomlog/pkg/projector"
	"roomlog/pkg/telemetry"
)

var (
	ErrDuplicate     = errors.New("lineage already exists")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrInvalidEvent  = errors.New("invalid event")
)

// AppendRequest describes an event to append. The log assigns the event
// id (when empty), the sequence number and UpdatedAt.
type AppendRequest struct {
	ID   string
	Clid string
	Cid  string
	Type models.EventType
	Src  string
	TS   time.Time
	D    bson.D
}

// Log is the event log over a Store.
type Log struct {
	store Store

	mu  sync.Mutex
	seq uint64

	now   func() time.Time
	newID func() string
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces the clock used for append times and default ts.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New opens a log over store, resuming its sequence.
func New(store Store, opts ...Option) (*Log, error) {
	seq, err := store.LastSeq()
	if err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}
	l := &Log{
		store: store,
		seq:   seq,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Store returns the underlying store.
func (l *Log) Store() Store { return l.store }

// Append validates and persists one event. Opening events create a new
// lineage; every other event must name an existing one and inherits its
// container.
func (l *Log) Append(ctx context.Context, req AppendRequest) (models.RoomEvent, error) {
	tr := telemetry.Track("eventlog.append")
	defer tr.Finish()

	if err := ctx.Err(); err != nil {
		return models.RoomEvent{}, err
	}
	if req.Type == "" {
		return models.RoomEvent{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	opens := req.Type.OpensLineage()
	if req.ID == "" {
		req.ID = l.newID()
	}
	if req.Clid == "" {
		if !opens {
			return models.RoomEvent{}, fmt.Errorf("%w: %s event without entity id", ErrInvalidEvent, req.Type)
		}
		req.Clid = l.newID()
	}
	if err := ValidateID("event id", req.ID); err != nil {
		return models.RoomEvent{}, err
	}
	if err := ValidateID("entity id", req.Clid); err != nil {
		return models.RoomEvent{}, err
	}
	if req.TS.IsZero() {
		req.TS = l.now()
	}
	ts := req.TS.UTC().Truncate(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	lineage, err := l.store.Lineage(req.Clid)
	if err != nil {
		return models.RoomEvent{}, err
	}
	tr.Mark("lineage")
	if opens {
		if len(lineage) > 0 {
			return models.RoomEvent{}, fmt.Errorf("%w: %s", ErrDuplicate, req.Clid)
		}
		if err := ValidateID("container id", req.Cid); err != nil {
			return models.RoomEvent{}, err
		}
	} else {
		head, ok := projector.Fold(lineage)
		if !ok {
			return models.RoomEvent{}, fmt.Errorf("%w: %s", ErrUnknownEntity, req.Clid)
		}
		if req.Cid != "" && req.Cid != head.Cid {
			return models.RoomEvent{}, fmt.Errorf("%w: entity %s belongs to %s", ErrInvalidEvent, req.Clid, head.Cid)
		}
		req.Cid = head.Cid
	}

	e := models.RoomEvent{
		ID:         req.ID,
		Clid:       req.Clid,
		Cid:        req.Cid,
		T:          req.Type,
		Src:        req.Src,
		TS:         ts,
		Seq:        l.seq + 1,
		D:          req.D,
		UpdatedAt:  ts,
		AppendedAt: l.now().UTC().Truncate(time.Millisecond),
	}
	if e.D == nil {
		e.D = bson.D{}
	}
	if err := l.store.Write(e); err != nil {
		metrics.AppendErrors.Inc()
		return models.RoomEvent{}, err
	}
	l.seq = e.Seq
	tr.Mark("write")
	metrics.EventsAppended.WithLabelValues(string(e.T)).Inc()
	return e, nil
}

// Lineage returns every event of an entity in log order.
func (l *Log) Lineage(ctx context.Context, clid string) ([]models.RoomEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.Lineage(clid)
}

// Head folds an entity's lineage. ok is false for unknown entities.
func (l *Log) Head(ctx context.Context, clid string) (models.RoomEvent, bool, error) {
	lineage, err := l.Lineage(ctx, clid)
	if err != nil {
		return models.RoomEvent{}, false, err
	}
	head, ok := projector.Fold(lineage)
	return head, ok, nil
}

// MarkDelivered records that events went through the dispatch pipeline.
func (l *Log) MarkDelivered(ctx context.Context, eventIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.MarkDelivered(eventIDs)
}

// Delivered reports whether an event has been delivered.
func (l *Log) Delivered(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.store.Delivered(eventID)
}

// Undelivered lists events appended before olderThan that were never
// marked delivered, in log order. Age is taken from the append clock, not
// the event's ts. A limit <= 0 returns all of them.
func (l *Log) Undelivered(ctx context.Context, olderThan time.Time, limit int) ([]models.RoomEvent, error) {
	var out []models.RoomEvent
	err := l.store.Pending(func(e models.RoomEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.AppendTime().Before(olderThan) {
			return nil
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}
