// Package rooms keeps per-room message counters.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"roomlog/pkg/logger"
)

const counterKeyFormat = "room:%s:msgs"

// CounterKey returns the pebble key of a room's message counter.
func CounterKey(rid string) string {
	return fmt.Sprintf(counterKeyFormat, rid)
}

// Counters tracks the number of messages per room. Counts never drop
// below zero.
type Counters interface {
	Incr(ctx context.Context, rid string, delta int64) (int64, error)
	Get(ctx context.Context, rid string) (int64, error)
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// MemoryCounters is an in-process Counters.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[string]int64)}
}

func (m *MemoryCounters) Incr(_ context.Context, rid string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := clamp(m.counts[rid] + delta)
	m.counts[rid] = n
	return n, nil
}

func (m *MemoryCounters) Get(_ context.Context, rid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[rid], nil
}

// PebbleCounters stores counters next to the event log.
type PebbleCounters struct {
	db    *pebble.DB
	sync  bool
	locks keyLocks
}

// NewPebbleCounters uses db, typically the event store's database.
func NewPebbleCounters(db *pebble.DB, syncWrites bool) *PebbleCounters {
	return &PebbleCounters{db: db, sync: syncWrites}
}

func (p *PebbleCounters) read(rid string) (int64, error) {
	v, closer, err := p.db.Get([]byte(CounterKey(rid)))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", CounterKey(rid), err)
	}
	return n, nil
}

func (p *PebbleCounters) Incr(ctx context.Context, rid string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l := p.locks.get(rid)
	l.Lock()
	defer l.Unlock()

	cur, err := p.read(rid)
	if err != nil {
		return 0, err
	}
	n := clamp(cur + delta)
	opt := pebble.NoSync
	if p.sync {
		opt = pebble.Sync
	}
	if err := p.db.Set([]byte(CounterKey(rid)), []byte(strconv.FormatInt(n, 10)), opt); err != nil {
		logger.Error("room_counter_write_failed", "rid", rid, "error", err)
		return 0, err
	}
	return n, nil
}

func (p *PebbleCounters) Get(ctx context.Context, rid string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return p.read(rid)
}

// keyLocks hands out one mutex per room.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	if l, ok := k.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	k.locks[key] = l
	return l
}
