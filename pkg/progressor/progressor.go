// Package progressor upgrades the on-disk format of a store when the server
// starts on a database written by an older build.
package progressor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"

	"roomlog/pkg/eventlog"
	"roomlog/pkg/logger"
	"roomlog/pkg/models"
	"roomlog/pkg/rooms"
)

const (
	formatKey     = "meta:format"
	inProgressKey = "meta:migration"

	// CurrentFormat is the format written by this build.
	// 1: events and indexes only. 2: per-room message counters.
	// 3: pending delivery index.
	CurrentFormat = 3
)

var ErrNewerFormat = errors.New("store written by a newer build")

type migration struct {
	to   int
	name string
	fn   func(ctx context.Context, store *eventlog.PebbleStore) error
}

var migrations = []migration{
	{to: 2, name: "rebuild_room_counters", fn: rebuildRoomCounters},
	{to: 3, name: "index_pending_events", fn: indexPending},
}

// StoredFormat reads the format stamp. A store without a stamp is format 1
// when it holds events and current when it is empty.
func StoredFormat(store *eventlog.PebbleStore) (int, error) {
	v, closer, err := store.DB().Get([]byte(formatKey))
	if errors.Is(err, pebble.ErrNotFound) {
		seq, err := store.LastSeq()
		if err != nil {
			return 0, err
		}
		if seq == 0 {
			return CurrentFormat, nil
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("corrupt %s value %q", formatKey, v)
	}
	return n, nil
}

// Run brings store up to CurrentFormat. It reports whether anything was
// written. An interrupted migration is rerun from its start; every step
// is idempotent.
func Run(ctx context.Context, store *eventlog.PebbleStore) (bool, error) {
	stored, err := StoredFormat(store)
	if err != nil {
		logger.Error("progressor_read_format_failed", "error", err)
		return false, err
	}
	if stored > CurrentFormat {
		return false, fmt.Errorf("%w: format %d, this build supports %d", ErrNewerFormat, stored, CurrentFormat)
	}

	changed := false
	for _, m := range migrations {
		if m.to <= stored {
			continue
		}
		if err := startMigration(store, stored, m); err != nil {
			return changed, err
		}
		changed = true
		if err := m.fn(ctx, store); err != nil {
			logger.Error("progressor_migration_failed", "name", m.name, "to", m.to, "error", err)
			return changed, err
		}
		if err := finishMigration(store, m.to); err != nil {
			return changed, err
		}
		stored = m.to
	}

	if _, closer, err := store.DB().Get([]byte(formatKey)); errors.Is(err, pebble.ErrNotFound) {
		return true, stamp(store, stored)
	} else if err == nil {
		closer.Close()
	}
	return changed, nil
}

func stamp(store *eventlog.PebbleStore, format int) error {
	if err := store.DB().Set([]byte(formatKey), []byte(strconv.Itoa(format)), pebble.Sync); err != nil {
		logger.Error("progressor_persist_format_failed", "format", format, "error", err)
		return fmt.Errorf("failed to persist format: %w", err)
	}
	return nil
}

func startMigration(store *eventlog.PebbleStore, from int, m migration) error {
	marker, _ := json.Marshal(map[string]any{
		"from":       from,
		"to":         m.to,
		"name":       m.name,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := store.DB().Set([]byte(inProgressKey), marker, pebble.Sync); err != nil {
		logger.Error("progressor_write_inprogress_failed", "error", err)
		return fmt.Errorf("failed to write in-progress marker: %w", err)
	}
	logger.Info("progressor_start", "from", from, "to", m.to, "name", m.name)
	return nil
}

func finishMigration(store *eventlog.PebbleStore, to int) error {
	if err := stamp(store, to); err != nil {
		return err
	}
	if err := store.DB().Delete([]byte(inProgressKey), pebble.Sync); err != nil {
		logger.Error("progressor_delete_inprogress_failed", "error", err)
	}
	logger.Info("progressor_format_persisted", "format", to)
	return nil
}

// rebuildRoomCounters recounts live messages per room from the event log
// and overwrites every counter.
func rebuildRoomCounters(ctx context.Context, store *eventlog.PebbleStore) error {
	type lineage struct {
		rid     string
		message bool
		deleted bool
	}
	lineages := make(map[string]*lineage)
	err := store.Walk(func(e models.RoomEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		l := lineages[e.Clid]
		if l == nil {
			l = &lineage{}
			lineages[e.Clid] = l
		}
		if e.T.OpensLineage() {
			l.rid = e.Cid
			l.message = e.T.Kind() == models.KindCreate
		}
		if e.T.Kind() == models.KindDelete {
			l.deleted = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	want := make(map[string]int64)
	for _, l := range lineages {
		if l.message && !l.deleted && l.rid != "" {
			want[l.rid]++
		}
	}

	counters := rooms.NewPebbleCounters(store.DB(), true)
	for rid, n := range want {
		cur, err := counters.Get(ctx, rid)
		if err != nil {
			return err
		}
		if _, err := counters.Incr(ctx, rid, n-cur); err != nil {
			return err
		}
	}
	logger.Info("migration_room_counters_rebuilt", "rooms", len(want), "lineages", len(lineages))
	return nil
}

func indexPending(ctx context.Context, store *eventlog.PebbleStore) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := store.IndexPending()
	if err != nil {
		return err
	}
	logger.Info("migration_pending_indexed", "events", n)
	return nil
}
