package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"roomlog/pkg/logger"
	"roomlog/pkg/models"
	"roomlog/pkg/telemetry"
)

// PebbleOptions configures the on-disk store.
type PebbleOptions struct {
	// SyncWrites fsyncs every event batch.
	SyncWrites bool
	// CacheSize is the block cache size in bytes. Zero keeps pebble's default.
	CacheSize int64
	ReadOnly  bool
}

// PebbleStore keeps events and indexes in a pebble database.
type PebbleStore struct {
	db   *pebble.DB
	opts PebbleOptions
}

// OpenPebble opens or creates the store at path.
func OpenPebble(path string, opts PebbleOptions) (*PebbleStore, error) {
	po := &pebble.Options{ReadOnly: opts.ReadOnly}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		po.Cache = cache
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &PebbleStore{db: db, opts: opts}, nil
}

// DB exposes the underlying database for components sharing it.
func (p *PebbleStore) DB() *pebble.DB { return p.db }

func (p *PebbleStore) writeOpt() *pebble.WriteOptions {
	if p.opts.SyncWrites {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (p *PebbleStore) Write(e models.RoomEvent) error {
	tr := telemetry.Track("eventlog.pebble_write")
	defer tr.Finish()

	b, err := encodeEvent(e)
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()

	evKey := []byte(GenEventKey(e.Clid, e.Seq))
	if err := batch.Set(evKey, b, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(GenPendingKey(e.ID)), evKey, nil); err != nil {
		return err
	}
	if e.T.OpensLineage() {
		clid := []byte(e.Clid)
		if err := batch.Set([]byte(GenContainerIndex(e.Cid, e.TS, e.Clid)), clid, nil); err != nil {
			return err
		}
		if err := batch.Set([]byte(GenTimeIndex(e.TS, e.Clid)), clid, nil); err != nil {
			return err
		}
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	if err := batch.Set([]byte(SeqKey), seq[:], nil); err != nil {
		return err
	}
	tr.Mark("batch")
	if err := batch.Commit(p.writeOpt()); err != nil {
		logger.Error("pebble_apply_batch_failed", "clid", e.Clid, "seq", e.Seq, "error", err)
		return err
	}
	return nil
}

func (p *PebbleStore) Lineage(clid string) ([]models.RoomEvent, error) {
	prefix := GenLineagePrefix(clid)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.RoomEvent
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEvent(append([]byte(nil), iter.Value()...))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", iter.Key(), err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (p *PebbleStore) Scan(cid string, reverse bool) (IDIterator, error) {
	prefix := TimeIndexPrefix
	if cid != "" {
		prefix = GenContainerPrefix(cid)
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	return &pebbleIDs{iter: iter, reverse: reverse}, nil
}

type pebbleIDs struct {
	iter    *pebble.Iterator
	reverse bool
	started bool
	id      string
	err     error
}

func (it *pebbleIDs) Next() bool {
	var ok bool
	switch {
	case !it.started && it.reverse:
		ok = it.iter.Last()
	case !it.started:
		ok = it.iter.First()
	case it.reverse:
		ok = it.iter.Prev()
	default:
		ok = it.iter.Next()
	}
	it.started = true
	if !ok {
		return false
	}
	id, err := IndexEntityID(string(it.iter.Key()))
	if err != nil {
		it.err = err
		return false
	}
	it.id = id
	return true
}

func (it *pebbleIDs) ID() string { return it.id }

func (it *pebbleIDs) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

func (it *pebbleIDs) Close() error { return it.iter.Close() }

func (p *PebbleStore) MarkDelivered(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, id := range eventIDs {
		if err := batch.Set([]byte(GenDeliveredKey(id)), nil, nil); err != nil {
			return err
		}
		if err := batch.Delete([]byte(GenPendingKey(id)), nil); err != nil {
			return err
		}
	}
	return batch.Commit(p.writeOpt())
}

func (p *PebbleStore) Pending(fn func(models.RoomEvent) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(PendingPrefix),
		UpperBound: prefixUpperBound(PendingPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v, closer, err := p.db.Get(iter.Value())
		if errors.Is(err, pebble.ErrNotFound) {
			logger.Warn("pending_event_missing", "key", string(iter.Key()), "event_key", string(iter.Value()))
			continue
		}
		if err != nil {
			return err
		}
		e, err := decodeEvent(append([]byte(nil), v...))
		closer.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", iter.Value(), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// IndexPending adds every undelivered event to the pending index. Events
// already indexed are rewritten with the same value.
func (p *PebbleStore) IndexPending() (int, error) {
	batch := p.db.NewBatch()
	defer batch.Close()
	n := 0
	err := p.Walk(func(e models.RoomEvent) error {
		ok, err := p.Delivered(e.ID)
		if err != nil || ok {
			return err
		}
		n++
		return batch.Set([]byte(GenPendingKey(e.ID)), []byte(GenEventKey(e.Clid, e.Seq)), nil)
	})
	if err != nil {
		return 0, err
	}
	return n, batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Delivered(eventID string) (bool, error) {
	_, closer, err := p.db.Get([]byte(GenDeliveredKey(eventID)))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (p *PebbleStore) Walk(fn func(models.RoomEvent) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(EventPrefix),
		UpperBound: prefixUpperBound(EventPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEvent(append([]byte(nil), iter.Value()...))
		if err != nil {
			return fmt.Errorf("%s: %w", iter.Key(), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStore) LastSeq() (uint64, error) {
	v, closer, err := p.db.Get([]byte(SeqKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt %s value", SeqKey)
	}
	return binary.BigEndian.Uint64(v), nil
}

// Flush forces buffered writes to disk.
func (p *PebbleStore) Flush() error {
	return p.db.Flush()
}

func (p *PebbleStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
