package messages

import (
	"context"

	"roomlog/pkg/eventlog"
	"roomlog/pkg/models"
	"roomlog/pkg/projector"
)

// Cursor yields projected messages. Each event is projected when it is
// reached; nothing is materialised up front.
type Cursor struct {
	log   EventLog
	pred  any
	opts  eventlog.QueryOptions
	inner *eventlog.Cursor
	proj  *projection
	cur   models.Message
}

// Next advances the cursor.
func (c *Cursor) Next(ctx context.Context) bool {
	if !c.inner.Next(ctx) {
		c.cur = nil
		return false
	}
	c.cur = c.proj.apply(projector.ToLogical(c.inner.Event()))
	return true
}

// Doc returns the current message.
func (c *Cursor) Doc() models.Message { return c.cur }

func (c *Cursor) Err() error { return c.inner.Err() }

func (c *Cursor) Close() error { return c.inner.Close() }

// Rewind restarts the cursor from the first result.
func (c *Cursor) Rewind() error {
	c.cur = nil
	return c.inner.Reset()
}

// Fetch drains the remaining messages and closes the cursor.
func (c *Cursor) Fetch(ctx context.Context) ([]models.Message, error) {
	defer c.Close()
	var out []models.Message
	for c.Next(ctx) {
		out = append(out, c.cur)
	}
	return out, c.Err()
}

// ForEach calls fn for each remaining message, stopping at the first error.
func (c *Cursor) ForEach(ctx context.Context, fn func(models.Message) error) error {
	defer c.Close()
	for c.Next(ctx) {
		if err := fn(c.cur); err != nil {
			return err
		}
	}
	return c.Err()
}

// Count runs the cursor's query afresh and counts its results, honouring
// skip and limit. The cursor position is unaffected.
func (c *Cursor) Count(ctx context.Context) (int64, error) {
	lc, err := c.log.Query(ctx, c.pred, c.opts)
	if err != nil {
		return 0, err
	}
	defer lc.Close()
	var n int64
	for lc.Next(ctx) {
		n++
	}
	return n, lc.Err()
}

// Map applies fn to each remaining message of c.
func Map[T any](ctx context.Context, c *Cursor, fn func(models.Message) (T, error)) ([]T, error) {
	defer c.Close()
	var out []T
	for c.Next(ctx) {
		v, err := fn(c.cur)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, c.Err()
}
