package opcodec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestEncodeRewritesEveryOccurrence(t *testing.T) {
	in := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "translations.en.text", Value: "hi"},
			{Key: "a.$.b", Value: 1},
		}},
		{Key: "$unset", Value: bson.M{"blocks": 1}},
	}

	got := EncodeDoc(in)

	require.Len(t, got, 2)
	assert.Equal(t, "[csg]set", got[0].Key)
	inner := got[0].Value.(bson.D)
	assert.Equal(t, "translations[dot]en[dot]text", inner[0].Key)
	assert.Equal(t, "a[dot][csg][dot]b", inner[1].Key)
	assert.Equal(t, "[csg]unset", got[1].Key)
	assert.Equal(t, bson.M{"blocks": 1}, got[1].Value)
}

func TestRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]any{
		"ordered": bson.D{
			{Key: "$set", Value: bson.D{{Key: "msg", Value: "bye"}, {Key: "editedAt", Value: at}}},
			{Key: "$unset", Value: bson.D{{Key: "blocks", Value: 1}}},
			{Key: "$push", Value: bson.D{{Key: "reactions.:+1:.usernames", Value: "bob"}}},
		},
		"map": bson.M{
			"$inc":  bson.M{"tcount": 1},
			"$pull": bson.M{"replies": bson.M{"$in": bson.A{"x", "y"}}},
		},
		"plain map": map[string]any{
			"$or": []any{map[string]any{"a.b": 1}, bson.D{{Key: "$exists", Value: true}}},
		},
		"replacement": bson.D{{Key: "msg", Value: "whole"}},
		"nested arrays": bson.D{
			{Key: "$addToSet", Value: bson.D{{Key: "tags", Value: bson.D{{Key: "$each", Value: bson.A{"a.b", "$c"}}}}}},
		},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, in, Decode(Encode(in)))
		})
	}
}

func TestEncodePreservesOrder(t *testing.T) {
	in := bson.D{{Key: "$unset", Value: 1}, {Key: "$set", Value: 2}, {Key: "$inc", Value: 3}}
	got := EncodeDoc(in)
	keys := []string{got[0].Key, got[1].Key, got[2].Key}
	assert.Equal(t, []string{"[csg]unset", "[csg]set", "[csg]inc"}, keys)
}

func TestValuesAreNotRewritten(t *testing.T) {
	in := bson.D{{Key: "$set", Value: bson.D{{Key: "msg", Value: "$5.00 total"}}}}
	got := EncodeDoc(in)
	assert.Equal(t, "$5.00 total", got[0].Value.(bson.D)[0].Value)
}

func TestNilDoc(t *testing.T) {
	assert.Nil(t, EncodeDoc(nil))
	assert.Nil(t, Encode(nil))
}
