package eventlog

import (
	"sort"
	"sync"

	"roomlog/pkg/models"
)

type opening struct {
	key  string // padded ts + clid
	clid string
	cid  string
}

// MemoryStore keeps encoded events in memory. Events round-trip through
// bson exactly as they do in the pebble store, so both return the same
// shapes.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][][]byte
	openings  []opening
	delivered map[string]struct{}
	pending   map[string][]byte
	seq       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][][]byte),
		delivered: make(map[string]struct{}),
		pending:   make(map[string][]byte),
	}
}

func (m *MemoryStore) Write(e models.RoomEvent) error {
	b, err := encodeEvent(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.Clid] = append(m.events[e.Clid], b)
	if _, ok := m.delivered[e.ID]; !ok {
		m.pending[e.ID] = b
	}
	if e.T.OpensLineage() {
		o := opening{key: PadTS(e.TS) + ":" + e.Clid, clid: e.Clid, cid: e.Cid}
		i := sort.Search(len(m.openings), func(i int) bool { return m.openings[i].key >= o.key })
		m.openings = append(m.openings, opening{})
		copy(m.openings[i+1:], m.openings[i:])
		m.openings[i] = o
	}
	if e.Seq > m.seq {
		m.seq = e.Seq
	}
	return nil
}

func (m *MemoryStore) Lineage(clid string) ([]models.RoomEvent, error) {
	m.mu.RLock()
	raw := append([][]byte(nil), m.events[clid]...)
	m.mu.RUnlock()
	out := make([]models.RoomEvent, 0, len(raw))
	for _, b := range raw {
		e, err := decodeEvent(b)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) Scan(cid string, reverse bool) (IDIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.openings))
	for _, o := range m.openings {
		if cid == "" || o.cid == cid {
			ids = append(ids, o.clid)
		}
	}
	if reverse {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	return &sliceIDs{ids: ids}, nil
}

func (m *MemoryStore) MarkDelivered(eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range eventIDs {
		m.delivered[id] = struct{}{}
		delete(m.pending, id)
	}
	return nil
}

func (m *MemoryStore) Pending(fn func(models.RoomEvent) error) error {
	m.mu.RLock()
	raw := make([][]byte, 0, len(m.pending))
	for _, b := range m.pending {
		raw = append(raw, b)
	}
	m.mu.RUnlock()
	for _, b := range raw {
		e, err := decodeEvent(b)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Delivered(eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.delivered[eventID]
	return ok, nil
}

func (m *MemoryStore) Walk(fn func(models.RoomEvent) error) error {
	m.mu.RLock()
	var raw [][]byte
	for _, evs := range m.events {
		raw = append(raw, evs...)
	}
	m.mu.RUnlock()
	for _, b := range raw {
		e, err := decodeEvent(b)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) LastSeq() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

func (m *MemoryStore) Close() error { return nil }
