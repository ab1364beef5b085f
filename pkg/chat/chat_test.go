package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/dispatch"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/messages"
	"roomlog/pkg/models"
	"roomlog/pkg/rooms"
)

var (
	t0    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	alice = models.User{ID: "u1", Username: "alice"}
	bob   = models.User{ID: "u2", Username: "bob"}
)

type fixture struct {
	m        *Messages
	c        *messages.Collection
	counters *rooms.MemoryCounters
	clock    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	l, err := eventlog.New(eventlog.NewMemoryStore())
	require.NoError(t, err)
	f := &fixture{
		c:        messages.New(l, dispatch.NewInline(l), messages.Options{Source: "chat-test"}),
		counters: rooms.NewMemoryCounters(),
		clock:    t0,
	}
	f.m = New(f.c, f.counters, opts)
	f.m.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) tick() { f.clock = f.clock.Add(time.Minute) }

func (f *fixture) count(t *testing.T, rid string) int64 {
	n, err := f.counters.Get(context.Background(), rid)
	require.NoError(t, err)
	return n
}

func (f *fixture) say(t *testing.T, rid, text string, user models.User) string {
	t.Helper()
	rec, err := f.m.CreateWithTypeRoomIDMessageAndUser(context.Background(), "", rid, text, user, nil)
	require.NoError(t, err)
	f.tick()
	return models.MessageID(rec)
}

func fetch(t *testing.T) func(*messages.Cursor, error) []models.Message {
	return func(cur *messages.Cursor, err error) []models.Message {
		t.Helper()
		require.NoError(t, err)
		docs, err := cur.Fetch(context.Background())
		require.NoError(t, err)
		return docs
	}
}

func TestCreateWithType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{ReadReceipts: true})

	rec, err := f.m.CreateWithTypeRoomIDMessageAndUser(ctx, "r", "GENERAL", "renamed", alice, bson.M{"groupable": true, "extra": "x"})
	require.NoError(t, err)
	id := models.MessageID(rec)
	require.NotEmpty(t, id)
	assert.Equal(t, true, rec["unread"])
	assert.Equal(t, true, rec["groupable"])

	got, err := f.c.FindOneByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r", got["t"])
	assert.Equal(t, "GENERAL", got["rid"])
	assert.Equal(t, t0, got["ts"])
	assert.Equal(t, "renamed", got["msg"])
	assert.Equal(t, "x", got["extra"])
	assert.Equal(t, int64(1), f.count(t, "GENERAL"))
}

func TestSystemMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.m.CreateUserJoinWithRoomIDAndUser(ctx, "GENERAL", bob, nil)
	require.NoError(t, err)
	_, err = f.m.CreateRoomArchivedByRoomIDAndUser(ctx, "GENERAL", alice)
	require.NoError(t, err)
	_, err = f.m.CreateRoomUnarchivedByRoomIDAndUser(ctx, "GENERAL", alice)
	require.NoError(t, err)
	_, err = f.m.CreateUserLeaveWithRoomIDAndUser(ctx, "GENERAL", bob, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.count(t, "GENERAL"))

	joins := fetch(t)(f.m.FindByRoomIDAndType(ctx, "GENERAL", TypeUserJoined))
	require.Len(t, joins, 1)
	assert.Equal(t, "bob", joins[0]["msg"])
	assert.NotContains(t, joins[0], "unread")

	archived := fetch(t)(f.m.FindByRoomIDAndType(ctx, "GENERAL", TypeRoomArchived))
	require.Len(t, archived, 1)
	assert.Equal(t, "", archived[0]["msg"])
}

func TestReactionsAndTranslations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.say(t, "GENERAL", "hello", alice)

	_, err := f.m.SetReactions(ctx, id, bson.M{":+1:": bson.M{"usernames": bson.A{"bob"}}})
	require.NoError(t, err)
	got, err := f.c.FindOneByID(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, got, "reactions")

	_, err = f.m.UnsetReactions(ctx, id)
	require.NoError(t, err)
	got, err = f.c.FindOneByID(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, got, "reactions")

	_, err = f.m.AddTranslations(ctx, id, map[string]string{"de": "hallo", "fr": "bonjour"}, "google")
	require.NoError(t, err)
	got, err = f.c.FindOneByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "google", got["translationProvider"])
	tr, ok := got["translations"].(bson.M)
	require.True(t, ok, "translations is %T", got["translations"])
	assert.Equal(t, "hallo", tr["de"])
	assert.Equal(t, "bonjour", tr["fr"])
}

func TestHiddenMessagesAreNotVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	a := f.say(t, "GENERAL", "one", alice)
	f.say(t, "GENERAL", "two", alice)
	f.say(t, "random", "three", alice)

	_, err := f.m.SetHiddenByID(ctx, a, true)
	require.NoError(t, err)

	docs := fetch(t)(f.m.FindVisibleByRoomID(ctx, "GENERAL"))
	require.Len(t, docs, 1)
	assert.Equal(t, "two", docs[0]["msg"])

	_, err = f.m.SetHiddenByID(ctx, a, false)
	require.NoError(t, err)
	docs = fetch(t)(f.m.FindVisibleByRoomID(ctx, "GENERAL"))
	assert.Len(t, docs, 2)
}

func TestTimestampRanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	for i := 0; i < 5; i++ {
		f.say(t, "GENERAL", "m", alice)
	}
	hidden := f.say(t, "GENERAL", "late", alice)
	_, err := f.m.SetHiddenByID(ctx, hidden, true)
	require.NoError(t, err)

	after, before := t0.Add(time.Minute), t0.Add(3*time.Minute)
	docs := fetch(t)(f.m.FindVisibleByRoomIDBetweenTimestampsInclusive(ctx, "GENERAL", after, before))
	assert.Len(t, docs, 3)

	n, err := f.m.CountVisibleByRoomIDBetweenTimestampsInclusive(ctx, "GENERAL", after, before)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = f.m.CountVisibleByRoomIDBetweenTimestampsInclusive(ctx, "GENERAL", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	last, ok, err := f.m.GetLastTimestamp(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Minute), last)
}

func TestGetLastTimestampEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	_, ok, err := f.m.GetLastTimestamp(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreatedOrEditedAfter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	old := f.say(t, "GENERAL", "old", alice)
	f.say(t, "GENERAL", "older-but-untouched", alice)
	cut := f.clock
	f.tick()
	fresh := f.say(t, "random", "new", bob)

	_, err := f.m.SetAsDeletedByIDAndUser(ctx, old, bob)
	require.NoError(t, err)

	docs := fetch(t)(f.m.FindVisibleCreatedOrEditedAfterTimestamp(ctx, cut))
	require.Len(t, docs, 2)
	ids := []string{models.MessageID(docs[0]), models.MessageID(docs[1])}
	assert.ElementsMatch(t, []string{old, fresh}, ids)
}

func TestSetAsDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.say(t, "GENERAL", "secret", alice)
	_, err := f.c.Update(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"blocks": bson.A{"b"}, "urls": bson.A{"http://x"}}})
	require.NoError(t, err)

	res, err := f.m.SetAsDeletedByIDAndUser(ctx, id, bob)
	require.NoError(t, err)
	got, ok := res.One()
	require.True(t, ok)
	assert.Equal(t, "", got["msg"])
	assert.Equal(t, TypeRemoved, got["t"])
	assert.NotContains(t, got, "blocks")
	assert.Equal(t, bson.A{}, got["urls"])
	assert.Equal(t, f.clock, got["editedAt"])

	still, err := f.c.FindOneByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, still)
}

func TestPinned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := f.say(t, "GENERAL", "pin me", alice)

	res, err := f.m.SetPinnedByIDAndUserID(ctx, id, bob, true, time.Time{})
	require.NoError(t, err)
	got, ok := res.One()
	require.True(t, ok)
	assert.Equal(t, true, got["pinned"])
	assert.Equal(t, f.clock, got["pinnedAt"])

	at := t0.Add(-time.Hour)
	res, err = f.m.SetPinnedByIDAndUserID(ctx, id, bob, false, at)
	require.NoError(t, err)
	got, _ = res.One()
	assert.Equal(t, false, got["pinned"])
	assert.Equal(t, at, got["pinnedAt"])
}

func TestUpdateAllUsernames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.say(t, "GENERAL", "a", alice)
	f.say(t, "random", "b", alice)
	f.say(t, "GENERAL", "c", bob)

	res, err := f.m.UpdateAllUsernamesByUserID(ctx, alice.ID, "alice2")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Len())

	cur, err := f.c.Find(ctx, bson.M{"u.username": "alice2"})
	docs := fetch(t)(cur, err)
	assert.Len(t, docs, 2)
}

func TestRemoveDecrementsCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	a := f.say(t, "GENERAL", "a", alice)
	f.say(t, "GENERAL", "b", alice)
	f.say(t, "GENERAL", "c", alice)
	f.say(t, "random", "d", alice)
	require.Equal(t, int64(3), f.count(t, "GENERAL"))

	res, err := f.m.RemoveByID(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Len())
	assert.Equal(t, int64(2), f.count(t, "GENERAL"))

	res, err = f.m.RemoveByRoomID(ctx, "GENERAL")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Len())
	assert.Zero(t, f.count(t, "GENERAL"))
	assert.Equal(t, int64(1), f.count(t, "random"))

	res, err = f.m.RemoveByID(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, res.Empty())
}
