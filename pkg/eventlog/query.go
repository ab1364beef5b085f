package eventlog

import (
	"context"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/models"
	"roomlog/pkg/schema"
	"roomlog/pkg/telemetry"
)

// QueryOptions orders and pages query results. Sort keys are versioned
// paths; an empty sort means creation time ascending.
type QueryOptions struct {
	Sort  bson.D
	Skip  int64
	Limit int64
}

type plan struct {
	ids         []string
	point       bool
	cid         string
	reverse     bool
	materialise bool
}

// planQuery picks the narrowest candidate source for pred: the pinned
// entity ids, the pinned container, or every lineage.
func planQuery(pred any, opts QueryOptions) plan {
	var p plan
	entries, _ := docql.Fields(pred)
	for _, e := range entries {
		switch e.Key {
		case schema.FieldEntityID:
			if ids, ok := pinnedIDs(e.Value); ok {
				p.ids, p.point = ids, true
			}
		case schema.FieldContainer:
			if cid, ok := e.Value.(string); ok {
				p.cid = cid
			}
		}
	}

	switch {
	case len(opts.Sort) == 0:
	case len(opts.Sort) == 1 && opts.Sort[0].Key == schema.FieldTS:
		p.reverse = direction(opts.Sort[0].Value) < 0
	default:
		p.materialise = true
	}
	if p.point {
		p.materialise = true
	}
	return p
}

func pinnedIDs(v any) ([]string, bool) {
	if s, ok := v.(string); ok {
		return []string{s}, true
	}
	entries, ok := docql.Fields(v)
	if !ok || len(entries) != 1 {
		return nil, false
	}
	switch entries[0].Key {
	case "$eq":
		s, ok := entries[0].Value.(string)
		return []string{s}, ok
	case "$in":
		items, ok := docql.ToArray(entries[0].Value)
		if !ok {
			return nil, false
		}
		seen := make(map[string]struct{}, len(items))
		ids := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			ids = append(ids, s)
		}
		return ids, true
	}
	return nil, false
}

func direction(v any) int {
	switch t := docql.Normalize(v).(type) {
	case int64:
		if t < 0 {
			return -1
		}
	case float64:
		if t < 0 {
			return -1
		}
	case string:
		if t == "desc" || t == "descending" {
			return -1
		}
	}
	return 1
}

// Query returns a cursor over the heads matching pred. Nothing is read
// until the first Next.
func (l *Log) Query(ctx context.Context, pred any, opts QueryOptions) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter, err := docql.Compile(pred)
	if err != nil {
		return nil, err
	}
	return &Cursor{log: l, filter: filter, opts: opts, plan: planQuery(pred, opts)}, nil
}

// QueryOne returns the first matching head.
func (l *Log) QueryOne(ctx context.Context, pred any, opts QueryOptions) (models.RoomEvent, bool, error) {
	opts.Limit = 1
	cur, err := l.Query(ctx, pred, opts)
	if err != nil {
		return models.RoomEvent{}, false, err
	}
	defer cur.Close()
	if cur.Next(ctx) {
		return cur.Event(), true, nil
	}
	return models.RoomEvent{}, false, cur.Err()
}

// Cursor iterates query results. It can be restarted with Reset.
type Cursor struct {
	log    *Log
	filter *docql.Filter
	opts   QueryOptions
	plan   plan

	ids    IDIterator
	buf    []models.RoomEvent
	loaded bool

	cur     models.RoomEvent
	skipped int64
	emitted int64
	err     error
	closed  bool
}

// Next advances to the next head. It returns false at the end or on error.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.opts.Limit > 0 && c.emitted >= c.opts.Limit {
		return false
	}
	for {
		if err := ctx.Err(); err != nil {
			c.err = err
			return false
		}
		head, ok, err := c.nextMatch(ctx)
		if err != nil {
			c.err = err
			return false
		}
		if !ok {
			return false
		}
		if c.skipped < c.opts.Skip {
			c.skipped++
			continue
		}
		c.cur = head
		c.emitted++
		return true
	}
}

// Event returns the current head.
func (c *Cursor) Event() models.RoomEvent { return c.cur }

func (c *Cursor) Err() error { return c.err }

// All drains the cursor.
func (c *Cursor) All(ctx context.Context) ([]models.RoomEvent, error) {
	var out []models.RoomEvent
	for c.Next(ctx) {
		out = append(out, c.Event())
	}
	return out, c.Err()
}

// Reset rewinds the cursor to its first result.
func (c *Cursor) Reset() error {
	err := c.release()
	c.buf, c.loaded = nil, false
	c.cur = models.RoomEvent{}
	c.skipped, c.emitted = 0, 0
	c.err = nil
	c.closed = false
	return err
}

func (c *Cursor) Close() error {
	c.closed = true
	c.buf = nil
	return c.release()
}

func (c *Cursor) release() error {
	if c.ids == nil {
		return nil
	}
	err := c.ids.Close()
	c.ids = nil
	return err
}

func (c *Cursor) candidates() (IDIterator, error) {
	if c.plan.point {
		return &sliceIDs{ids: c.plan.ids}, nil
	}
	return c.log.store.Scan(c.plan.cid, c.plan.reverse)
}

func (c *Cursor) nextMatch(ctx context.Context) (models.RoomEvent, bool, error) {
	if c.plan.materialise {
		if !c.loaded {
			if err := c.load(ctx); err != nil {
				return models.RoomEvent{}, false, err
			}
		}
		if len(c.buf) == 0 {
			return models.RoomEvent{}, false, nil
		}
		head := c.buf[0]
		c.buf = c.buf[1:]
		return head, true, nil
	}

	if c.ids == nil {
		it, err := c.candidates()
		if err != nil {
			return models.RoomEvent{}, false, err
		}
		c.ids = it
	}
	return c.scan(ctx, c.ids)
}

func (c *Cursor) scan(ctx context.Context, it IDIterator) (models.RoomEvent, bool, error) {
	for it.Next() {
		head, ok, err := c.log.Head(ctx, it.ID())
		if err != nil {
			return models.RoomEvent{}, false, err
		}
		if !ok {
			continue
		}
		matched, err := c.filter.Match(head.Doc())
		if err != nil {
			return models.RoomEvent{}, false, err
		}
		if matched {
			return head, true, nil
		}
	}
	return models.RoomEvent{}, false, it.Err()
}

func (c *Cursor) load(ctx context.Context) error {
	tr := telemetry.Track("eventlog.materialise")
	defer tr.Finish()

	it, err := c.candidates()
	if err != nil {
		return err
	}
	defer it.Close()
	var heads []models.RoomEvent
	for {
		head, ok, err := c.scan(ctx, it)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		heads = append(heads, head)
	}
	tr.Mark("scan")
	sortHeads(heads, c.opts.Sort)
	c.buf, c.loaded = heads, true
	return nil
}

// sortHeads orders heads by the sort keys, then by creation time and id.
func sortHeads(heads []models.RoomEvent, keys bson.D) {
	docs := make([]bson.M, len(heads))
	for i, h := range heads {
		docs[i] = h.Doc()
	}
	idx := make([]int, len(heads))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		da, db := docs[idx[a]], docs[idx[b]]
		for _, k := range keys {
			va, _ := docql.Get(da, k.Key)
			vb, _ := docql.Get(db, k.Key)
			if c := docql.Compare(va, vb); c != 0 {
				return c*direction(k.Value) < 0
			}
		}
		ha, hb := heads[idx[a]], heads[idx[b]]
		if !ha.TS.Equal(hb.TS) {
			return ha.TS.Before(hb.TS)
		}
		return ha.Clid < hb.Clid
	})
	sorted := make([]models.RoomEvent, len(heads))
	for i, j := range idx {
		sorted[i] = heads[j]
	}
	copy(heads, sorted)
}
