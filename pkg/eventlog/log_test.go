package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/models"
	"roomlog/pkg/projector"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, l *Log), opts ...Option) {
	t.Run("memory", func(t *testing.T) {
		l, err := New(NewMemoryStore(), opts...)
		require.NoError(t, err)
		fn(t, l)
	})
	t.Run("pebble", func(t *testing.T) {
		s, err := OpenPebble(filepath.Join(t.TempDir(), "db"), PebbleOptions{})
		require.NoError(t, err)
		l, err := New(s, opts...)
		require.NoError(t, err)
		defer l.Close()
		fn(t, l)
	})
}

func create(t *testing.T, l *Log, clid, cid string, minute int, d bson.D) models.RoomEvent {
	t.Helper()
	e, err := l.Append(context.Background(), AppendRequest{
		Clid: clid, Cid: cid, Type: models.EventMessage,
		TS: base.Add(time.Duration(minute) * time.Minute), D: d,
	})
	require.NoError(t, err)
	return e
}

func ids(events []models.RoomEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Clid
	}
	return out
}

func TestAppendAssignsSequenceAndIDs(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		a := create(t, l, "A", "r1", 0, bson.D{{Key: "msg", Value: "hi"}})
		assert.Equal(t, uint64(1), a.Seq)
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, a.TS, a.UpdatedAt)

		gen, err := l.Append(ctx, AppendRequest{Cid: "r1", Type: models.EventMessage})
		require.NoError(t, err)
		assert.NotEmpty(t, gen.Clid)
		assert.Equal(t, uint64(2), gen.Seq)

		edit, err := l.Append(ctx, AppendRequest{Clid: "A", Type: models.EventEditMessage, TS: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, "r1", edit.Cid)

		lineage, err := l.Lineage(ctx, "A")
		require.NoError(t, err)
		require.Len(t, lineage, 2)
		assert.Equal(t, a.ID, lineage[0].ID)
		assert.Equal(t, bson.D{{Key: "msg", Value: "hi"}}, lineage[0].D)
		assert.Equal(t, edit.ID, lineage[1].ID)
	})
}

func TestAppendRejects(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		create(t, l, "A", "r1", 0, nil)

		_, err := l.Append(ctx, AppendRequest{Clid: "A", Cid: "r1", Type: models.EventMessage})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = l.Append(ctx, AppendRequest{Clid: "missing", Type: models.EventDeleteMessage})
		assert.ErrorIs(t, err, ErrUnknownEntity)

		_, err = l.Append(ctx, AppendRequest{Type: models.EventEditMessage})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		_, err = l.Append(ctx, AppendRequest{Clid: "A", Cid: "r2", Type: models.EventDeleteMessage})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		_, err = l.Append(ctx, AppendRequest{Clid: "bad:id", Cid: "r1", Type: models.EventMessage})
		assert.ErrorIs(t, err, ErrInvalidID)

		_, err = l.Append(ctx, AppendRequest{Cid: "", Type: models.EventMessage})
		assert.ErrorIs(t, err, ErrInvalidID)

		_, err = l.Append(ctx, AppendRequest{Cid: "r1"})
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})
}

func TestQueryPlans(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		create(t, l, "C", "r1", 2, bson.D{{Key: "n", Value: 3}})
		create(t, l, "A", "r1", 0, bson.D{{Key: "n", Value: 1}})
		create(t, l, "B", "r2", 1, bson.D{{Key: "n", Value: 2}})
		create(t, l, "D", "r1", 3, bson.D{{Key: "n", Value: 0}})

		cases := []struct {
			name string
			pred any
			opts QueryOptions
			want []string
		}{
			{"global by creation", bson.M{}, QueryOptions{}, []string{"A", "B", "C", "D"}},
			{"container", bson.M{"cid": "r1"}, QueryOptions{}, []string{"A", "C", "D"}},
			{"container desc", bson.M{"cid": "r1"}, QueryOptions{Sort: bson.D{{Key: "ts", Value: -1}}}, []string{"D", "C", "A"}},
			{"point", bson.M{"clid": "B"}, QueryOptions{}, []string{"B"}},
			{"point in", bson.M{"clid": bson.M{"$in": bson.A{"D", "A", "A", "Z"}}}, QueryOptions{}, []string{"A", "D"}},
			{"payload sort", bson.M{"cid": "r1"}, QueryOptions{Sort: bson.D{{Key: "d.n", Value: 1}}}, []string{"D", "A", "C"}},
			{"skip limit", bson.M{}, QueryOptions{Skip: 1, Limit: 2}, []string{"B", "C"}},
			{"payload filter", bson.M{"d.n": bson.M{"$gte": 2}}, QueryOptions{}, []string{"B", "C"}},
			{"point misses container", bson.M{"clid": "B", "cid": "r1"}, QueryOptions{}, nil},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				cur, err := l.Query(ctx, tc.pred, tc.opts)
				require.NoError(t, err)
				defer cur.Close()
				got, err := cur.All(ctx)
				require.NoError(t, err)
				if tc.want == nil {
					assert.Empty(t, got)
					return
				}
				assert.Equal(t, tc.want, ids(got))
			})
		}
	})
}

func TestQueryFoldsHeads(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		a := create(t, l, "A", "r1", 0, bson.D{{Key: "msg", Value: "hi"}})
		d, err := projector.EditPayload(bson.M{"$set": bson.M{"msg": "bye"}}, a.ID)
		require.NoError(t, err)
		_, err = l.Append(ctx, AppendRequest{Clid: "A", Type: models.EventEditMessage, TS: base.Add(time.Minute), D: d})
		require.NoError(t, err)

		head, ok, err := l.QueryOne(ctx, bson.M{"d.msg": "bye"}, QueryOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.ID, head.ID)
		assert.Equal(t, base.Add(time.Minute), head.UpdatedAt)

		_, ok, err = l.QueryOne(ctx, bson.M{"d.msg": "hi"}, QueryOptions{})
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = l.Append(ctx, AppendRequest{Clid: "A", Type: models.EventDeleteMessage, TS: base.Add(2 * time.Minute)})
		require.NoError(t, err)
		_, ok, err = l.QueryOne(ctx, bson.M{"deletedAt": nil}, QueryOptions{})
		require.NoError(t, err)
		assert.False(t, ok)
		head, ok, err = l.QueryOne(ctx, bson.M{"deletedAt": bson.M{"$ne": nil}}, QueryOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bye", head.D[0].Value)
	})
}

func TestCursorReset(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		create(t, l, "A", "r1", 0, nil)
		create(t, l, "B", "r1", 1, nil)

		cur, err := l.Query(ctx, bson.M{"cid": "r1"}, QueryOptions{})
		require.NoError(t, err)
		first, err := cur.All(ctx)
		require.NoError(t, err)
		require.NoError(t, cur.Reset())
		second, err := cur.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids(first), ids(second))
		require.NoError(t, cur.Close())
		assert.False(t, cur.Next(ctx))
	})
}

func TestQueryValidatesPredicate(t *testing.T) {
	l, err := New(NewMemoryStore())
	require.NoError(t, err)
	_, err = l.Query(context.Background(), bson.M{"d.x": bson.M{"$near": 1}}, QueryOptions{})
	assert.Error(t, err)
}

func TestUndelivered(t *testing.T) {
	var clock time.Time
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		clock = base
		a := create(t, l, "A", "r1", 0, nil)
		clock = base.Add(time.Minute)
		b := create(t, l, "B", "r1", 1, nil)
		clock = base.Add(10 * time.Minute)
		c := create(t, l, "C", "r1", 10, nil)

		require.NoError(t, l.MarkDelivered(ctx, []string{a.ID}))
		ok, err := l.Delivered(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := l.Undelivered(ctx, base.Add(5*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, b.ID, got[0].ID)

		got, err = l.Undelivered(ctx, base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, b.ID, got[0].ID)

		got, err = l.Undelivered(ctx, base.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID, c.ID}, []string{got[0].ID, got[1].ID})
	}, WithClock(func() time.Time { return clock }))
}

func TestUndeliveredAgesByAppendTime(t *testing.T) {
	clock := base
	forEachStore(t, func(t *testing.T, l *Log) {
		ctx := context.Background()
		imported := create(t, l, "A", "r1", -24*60, nil)
		assert.Equal(t, base, imported.AppendedAt)
		assert.Equal(t, base.Add(-24*time.Hour), imported.TS)

		got, err := l.Undelivered(ctx, base, 0)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = l.Undelivered(ctx, base.Add(time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, imported.ID, got[0].ID)

		require.NoError(t, l.MarkDelivered(ctx, []string{imported.ID}))
		got, err = l.Undelivered(ctx, base.Add(time.Minute), 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	}, WithClock(func() time.Time { return clock }))
}

func TestIndexPendingCoversUnindexedEvents(t *testing.T) {
	ctx := context.Background()
	s, err := OpenPebble(filepath.Join(t.TempDir(), "db"), PebbleOptions{})
	require.NoError(t, err)
	l, err := New(s, WithClock(func() time.Time { return base }))
	require.NoError(t, err)
	defer l.Close()

	a := create(t, l, "A", "r1", 0, nil)
	b := create(t, l, "B", "r1", 1, nil)
	require.NoError(t, l.MarkDelivered(ctx, []string{a.ID}))
	require.NoError(t, s.DB().Delete([]byte(GenPendingKey(b.ID)), nil))

	got, err := l.Undelivered(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.IndexPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = l.Undelivered(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestPebbleResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := OpenPebble(path, PebbleOptions{SyncWrites: true})
	require.NoError(t, err)
	l, err := New(s)
	require.NoError(t, err)
	create(t, l, "A", "r1", 0, nil)
	create(t, l, "B", "r1", 1, nil)
	require.NoError(t, l.Close())

	s, err = OpenPebble(path, PebbleOptions{})
	require.NoError(t, err)
	l, err = New(s)
	require.NoError(t, err)
	defer l.Close()
	e := create(t, l, "C", "r1", 2, nil)
	assert.Equal(t, uint64(3), e.Seq)
}
