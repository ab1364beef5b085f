package projector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func createEvent(id, clid, rid string, d bson.D) models.RoomEvent {
	return models.RoomEvent{ID: id, Clid: clid, Cid: rid, T: models.EventMessage, TS: t0, Seq: 1, D: d}
}

func editEvent(t *testing.T, id, clid, origin string, seq uint64, update any) models.RoomEvent {
	t.Helper()
	d, err := EditPayload(update, origin)
	require.NoError(t, err)
	return models.RoomEvent{ID: id, Clid: clid, T: models.EventEditMessage, TS: t0.Add(time.Duration(seq) * time.Minute), Seq: seq, D: d}
}

func TestToVersionedPayload(t *testing.T) {
	w, err := ToVersionedPayload(models.Message{
		"_id": "A",
		"rid": "r1",
		"ts":  t0,
		"msg": "hi",
		"t":   "uj",
		"u":   bson.M{"username": "alice", "_id": "u1"},
		"src": "import",
	})
	require.NoError(t, err)
	assert.Equal(t, "A", w.EntityID)
	assert.Equal(t, "r1", w.ContainerID)
	assert.Equal(t, t0, w.TS)
	assert.Equal(t, "import", w.Src)
	assert.Equal(t, models.EventMessage, w.Type)
	assert.Equal(t, bson.D{
		{Key: "msg", Value: "hi"},
		{Key: "t", Value: "uj"},
		{Key: "u", Value: bson.D{{Key: "_id", Value: "u1"}, {Key: "username", Value: "alice"}}},
	}, w.Payload)
}

func TestToVersionedPayloadDefaultsAndErrors(t *testing.T) {
	Now = func() time.Time { return t0 }
	defer func() { Now = func() time.Time { return time.Now().UTC() } }()

	w, err := ToVersionedPayload(models.Message{"rid": "r1"})
	require.NoError(t, err)
	assert.Empty(t, w.EntityID)
	assert.Equal(t, t0, w.TS)

	bad := []models.Message{
		{"msg": "no room"},
		{"rid": 42},
		{"rid": "r1", "_id": 7},
		{"rid": "r1", "ts": "yesterday"},
		{"rid": "r1", "clid": "X"},
		{"rid": "r1", "_deletedAt": t0},
		{"rid": "r1", "_oid": "E"},
	}
	for _, doc := range bad {
		_, err := ToVersionedPayload(doc)
		assert.ErrorIs(t, err, ErrInvalidDocument, "%v", doc)
	}
}

func TestToLogical(t *testing.T) {
	deleted := t0.Add(time.Hour)
	e := models.RoomEvent{
		ID: "E1", Clid: "A", Cid: "r1", T: models.EventMessage, TS: t0, UpdatedAt: t0,
		D: bson.D{{Key: "msg", Value: "hi"}, {Key: "at", Value: bson.NewDateTimeFromTime(t0)}},
	}
	got := ToLogical(e)
	assert.Equal(t, models.Message{
		"_id": "A", "rid": "r1", "ts": t0, "_updatedAt": t0, "msg": "hi", "at": t0,
	}, got)

	e.DeletedAt = &deleted
	assert.Equal(t, deleted, ToLogical(e)["_deletedAt"])
}

func TestProjectIsIdempotent(t *testing.T) {
	deleted := t0.Add(time.Hour)
	e := models.RoomEvent{
		ID: "E1", Clid: "A", Cid: "r1", T: models.EventMessage, TS: t0, UpdatedAt: t0, DeletedAt: &deleted,
		D: bson.D{{Key: "msg", Value: "hi"}},
	}
	once := ToLogical(e)
	once["msg"] = "changed"
	twice := ToLogical(e)
	assert.Equal(t, "hi", twice["msg"])
	assert.Equal(t, deleted, twice["_deletedAt"])
	assert.Equal(t, twice, ToLogical(e))
}

func TestEditPayloadStampsOrigin(t *testing.T) {
	d, err := EditPayload(bson.D{
		{Key: "$set", Value: bson.M{"msg": "bye", "editedAt": t0}},
		{Key: "$unset", Value: bson.M{"blocks": 1}},
	}, "E1")
	require.NoError(t, err)

	assert.Equal(t, "[csg]set", d[0].Key)
	assert.Equal(t, bson.D{
		{Key: "editedAt", Value: t0},
		{Key: "msg", Value: "bye"},
		{Key: "_oid", Value: "E1"},
	}, d[0].Value)
	assert.Equal(t, "[csg]unset", d[1].Key)
	assert.Equal(t, "E1", OriginID(models.RoomEvent{D: d}))

	d, err = EditPayload(bson.M{"$inc": bson.M{"tcount": 1}}, "E1")
	require.NoError(t, err)
	assert.Equal(t, "E1", OriginID(models.RoomEvent{D: d}))

	d, err = EditPayload(bson.M{"$set": bson.M{"u.name": "x"}}, "E1")
	require.NoError(t, err)
	require.IsType(t, bson.D{}, d[0].Value)
	assert.Equal(t, bson.D{
		{Key: "u[dot]name", Value: "x"},
		{Key: "_oid", Value: "E1"},
	}, d[0].Value)
	assert.Equal(t, "E1", OriginID(models.RoomEvent{D: d}))

	_, err = EditPayload(bson.M{"$set": bson.M{"_oid": "X"}}, "E1")
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = EditPayload(bson.M{"$set": bson.M{"a": 1}}, "")
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestFoldLineage(t *testing.T) {
	create := createEvent("E1", "A", "r1", bson.D{{Key: "msg", Value: "hi"}, {Key: "tcount", Value: int32(1)}})
	edit := editEvent(t, "E2", "A", "E1", 2, bson.M{"$set": bson.M{"msg": "bye"}, "$inc": bson.M{"tcount": 1}})
	stray := editEvent(t, "E3", "A", "OTHER", 3, bson.M{"$set": bson.M{"msg": "ignored"}})
	del := models.RoomEvent{ID: "E4", Clid: "A", T: models.EventDeleteMessage, TS: t0.Add(4 * time.Minute), Seq: 4}
	late := editEvent(t, "E5", "A", "E1", 5, bson.M{"$set": bson.M{"note": "after delete"}})

	head, ok := Fold([]models.RoomEvent{late, del, stray, edit, create})
	require.True(t, ok)

	assert.Equal(t, "E1", head.ID)
	assert.Equal(t, "r1", head.Cid)
	assert.Equal(t, bson.D{
		{Key: "msg", Value: "bye"},
		{Key: "note", Value: "after delete"},
		{Key: "tcount", Value: int64(2)},
	}, head.D)
	require.NotNil(t, head.DeletedAt)
	assert.Equal(t, del.TS, *head.DeletedAt)
	assert.Equal(t, late.TS, head.UpdatedAt)
	assert.Equal(t, uint64(5), head.Seq)
}

func TestFoldDoesNotMutateInput(t *testing.T) {
	create := createEvent("E1", "A", "r1", bson.D{{Key: "msg", Value: "hi"}})
	edit := editEvent(t, "E2", "A", "E1", 2, bson.M{"$set": bson.M{"msg": "bye"}})
	lineage := []models.RoomEvent{create, edit}

	_, ok := Fold(lineage)
	require.True(t, ok)
	assert.Equal(t, "hi", lineage[0].D[0].Value)
}

func TestFoldWithoutOpeningEvent(t *testing.T) {
	edit := editEvent(t, "E2", "A", "E1", 2, bson.M{"$set": bson.M{"msg": "bye"}})
	_, ok := Fold([]models.RoomEvent{edit})
	assert.False(t, ok)
	_, ok = Fold(nil)
	assert.False(t, ok)
}

func TestDeleteIsMonotonic(t *testing.T) {
	head := open(createEvent("E1", "A", "r1", nil))
	first := models.RoomEvent{ID: "E2", Clid: "A", T: models.EventDeleteMessage, TS: t0.Add(time.Minute), Seq: 2}
	second := models.RoomEvent{ID: "E3", Clid: "A", T: models.EventDeleteMessage, TS: t0.Add(time.Hour), Seq: 3}

	head = Apply(Apply(head, first), second)
	assert.Equal(t, first.TS, *head.DeletedAt)

	head = Apply(head, editEvent(t, "E4", "A", "E1", 4, bson.M{"$unset": bson.M{"msg": 1}}))
	assert.NotNil(t, head.DeletedAt)
}

func TestReplacementEdit(t *testing.T) {
	create := createEvent("E1", "A", "r1", bson.D{{Key: "msg", Value: "hi"}, {Key: "pinned", Value: true}})
	edit := editEvent(t, "E2", "A", "E1", 2, bson.D{{Key: "msg", Value: "whole"}})

	head, ok := Fold([]models.RoomEvent{create, edit})
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "msg", Value: "whole"}}, head.D)
}

func TestApplyIgnoresOtherLineage(t *testing.T) {
	head := open(createEvent("E1", "A", "r1", bson.D{{Key: "msg", Value: "hi"}}))
	other := models.RoomEvent{ID: "E9", Clid: "B", T: models.EventDeleteMessage, TS: t0, Seq: 9}
	assert.Equal(t, head, Apply(head, other))
}
