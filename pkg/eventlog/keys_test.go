package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFormats(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()
	assert.Equal(t, "ev:A:00000000000000000042", GenEventKey("A", 42))
	assert.Equal(t, "ix:c:r1:00000001700000000123:A", GenContainerIndex("r1", ts, "A"))
	assert.Equal(t, "ix:t:00000001700000000123:A", GenTimeIndex(ts, "A"))
	assert.Equal(t, "dl:E1", GenDeliveredKey("E1"))

	parts, err := ParseEventKey(GenEventKey("A", 42))
	require.NoError(t, err)
	assert.Equal(t, &EventKeyParts{Clid: "A", Seq: 42}, parts)

	id, err := IndexEntityID(GenContainerIndex("r1", ts, "A"))
	require.NoError(t, err)
	assert.Equal(t, "A", id)

	_, err = IndexEntityID("ev:A:1")
	assert.Error(t, err)
}

func TestKeysSortByTime(t *testing.T) {
	early := GenContainerIndex("r1", time.UnixMilli(999), "Z")
	late := GenContainerIndex("r1", time.UnixMilli(1000), "A")
	assert.Less(t, early, late)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("id", "GENERAL"))
	assert.NoError(t, ValidateID("id", "3f2b6c1e-9d1a-4c55-8f57-0c6e7c0b9a10"))
	assert.ErrorIs(t, ValidateID("id", ""), ErrInvalidID)
	assert.ErrorIs(t, ValidateID("id", "a:b"), ErrInvalidID)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ev;"), prefixUpperBound("ev:"))
	assert.Equal(t, []byte("ix:c:r2"), prefixUpperBound("ix:c:r1\xff"))
}
