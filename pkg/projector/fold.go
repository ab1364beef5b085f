package projector

import (
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/logger"
	"roomlog/pkg/models"
)

// Fold reduces a lineage to its current head. The lineage opens with its
// first create (or lifecycle) event; events logged before it are ignored.
// ok is false when the lineage has no opening event.
func Fold(lineage []models.RoomEvent) (head models.RoomEvent, ok bool) {
	events := append([]models.RoomEvent(nil), lineage...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	for _, e := range events {
		if !ok {
			if !e.T.OpensLineage() {
				continue
			}
			head = open(e)
			ok = true
			continue
		}
		head = Apply(head, e)
	}
	return head, ok
}

func open(e models.RoomEvent) models.RoomEvent {
	head := e
	head.D = append(head.D[:0:0], e.D...)
	if head.UpdatedAt.Before(e.TS) {
		head.UpdatedAt = e.TS
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		head.DeletedAt = &t
	}
	return head
}

// Apply folds one event onto a head and returns the new head. Events of
// another lineage, second opening events and edits that do not name the
// head's create event leave the head unchanged.
func Apply(head, e models.RoomEvent) models.RoomEvent {
	if e.Clid != head.Clid {
		return head
	}
	switch e.T.Kind() {
	case models.KindEdit:
		if oid := OriginID(e); oid != head.ID {
			logger.Warn("fold_edit_skipped", "clid", head.Clid, "event", e.ID, "origin", oid, "reason", "origin_mismatch")
			return head
		}
		if update := decodeEdit(e.D); len(update) > 0 {
			doc := docql.Doc(head.D)
			if err := docql.Apply(doc, update, docql.ApplyOptions{Now: e.TS}); err != nil {
				logger.Warn("fold_edit_skipped", "clid", head.Clid, "event", e.ID, "error", err)
				return head
			}
			head.D = ordered(doc).(bson.D)
		}
	case models.KindDelete:
		if head.DeletedAt == nil {
			t := e.TS
			head.DeletedAt = &t
		}
	default:
		return head
	}
	if e.TS.After(head.UpdatedAt) {
		head.UpdatedAt = e.TS
	}
	head.Seq = e.Seq
	return head
}
