package ctl

import (
	"bytes"
	"context"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/chat"
	"roomlog/pkg/dispatch"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/messages"
	"roomlog/pkg/models"
	"roomlog/pkg/rooms"
	"roomlog/pkg/state"
)

// seedDB writes three messages to GENERAL, edits one and deletes another.
func seedDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	paths := state.PathsFor(dir)
	require.NoError(t, paths.Ensure())

	store, err := eventlog.OpenPebble(paths.Store, eventlog.PebbleOptions{})
	require.NoError(t, err)
	l, err := eventlog.New(store)
	require.NoError(t, err)
	coll := messages.New(l, dispatch.NewInline(l), messages.Options{Source: "ctl-test"})
	m := chat.New(coll, rooms.NewPebbleCounters(store.DB(), false), chat.Options{})

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := m.Insert(ctx, models.Message{"_id": id, "rid": "GENERAL", "msg": "text " + id})
		require.NoError(t, err)
	}
	_, err = coll.Update(ctx, bson.D{{Key: "_id", Value: "m1"}}, bson.D{{Key: "$set", Value: bson.D{{Key: "msg", Value: "edited"}}}})
	require.NoError(t, err)
	_, err = m.RemoveByID(ctx, "m2")
	require.NoError(t, err)

	require.NoError(t, l.Close())
	return dir
}

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd("test", "none")
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.Bytes()
}

func TestInspect(t *testing.T) {
	dir := seedDB(t)
	var s KeySummary
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "inspect", "--samples", "1"), &s))

	assert.Equal(t, 5, s.Events)
	assert.Equal(t, 5, s.Delivered)
	assert.Zero(t, s.Pending)
	assert.Equal(t, 1, s.Counters)
	assert.EqualValues(t, 5, s.LastSeq)
	assert.Equal(t, 1, s.Format)
	assert.Len(t, s.Samples["events"], 1)
	assert.Equal(t, s.Total, s.Events+s.RoomIndex+s.TimeIndex+s.Delivered+s.Pending+s.Counters+s.Meta+s.Other)
}

func TestLineage(t *testing.T) {
	dir := seedDB(t)
	var events []map[string]any
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "lineage", "m1"), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "msg", events[0]["t"])
	assert.Equal(t, "emsg", events[1]["t"])
	assert.Equal(t, "GENERAL", events[1]["cid"])
}

func TestFindAndTrash(t *testing.T) {
	dir := seedDB(t)

	var docs []map[string]any
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "find", "--room", "GENERAL"), &docs))
	require.Len(t, docs, 2)
	ids := []any{docs[0]["_id"], docs[1]["_id"]}
	assert.ElementsMatch(t, []any{"m1", "m3"}, ids)

	docs = nil
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "find", "--trash"), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "m2", docs[0]["_id"])

	docs = nil
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "find", "--filter", `{"msg":"edited"}`), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "m1", docs[0]["_id"])
}

func TestCountAndUndelivered(t *testing.T) {
	dir := seedDB(t)

	var c map[string]any
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "count", "GENERAL"), &c))
	assert.EqualValues(t, 2, c["msgs"])

	var events []map[string]any
	require.NoError(t, yaml.Unmarshal(run(t, "--db", dir, "undelivered"), &events))
	assert.Empty(t, events)
}

func TestMissingDatabase(t *testing.T) {
	cmd := NewRootCmd("test", "none")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", t.TempDir() + "/nope", "inspect"})
	assert.Error(t, cmd.Execute())
}
