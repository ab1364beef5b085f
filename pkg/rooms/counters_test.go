package rooms

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachCounters(t *testing.T, fn func(t *testing.T, c Counters)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryCounters()) })
	t.Run("pebble", func(t *testing.T) {
		db, err := pebble.Open(filepath.Join(t.TempDir(), "db"), &pebble.Options{})
		require.NoError(t, err)
		defer db.Close()
		fn(t, NewPebbleCounters(db, false))
	})
}

func TestCounters(t *testing.T) {
	forEachCounters(t, func(t *testing.T, c Counters) {
		ctx := context.Background()
		n, err := c.Get(ctx, "GENERAL")
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = c.Incr(ctx, "GENERAL", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = c.Incr(ctx, "GENERAL", -5)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = c.Incr(ctx, "other", 1)
		require.NoError(t, err)
		n, err = c.Get(ctx, "GENERAL")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestCountersConcurrentIncr(t *testing.T) {
	forEachCounters(t, func(t *testing.T, c Counters) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Incr(ctx, "r1", 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		n, err := c.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(20), n)
	})
}

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "room:GENERAL:msgs", CounterKey("GENERAL"))
}
