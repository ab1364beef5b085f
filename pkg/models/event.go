package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// EventType is the root `t` of a room event.
type EventType string

const (
	EventMessage       EventType = "msg"
	EventEditMessage   EventType = "emsg"
	EventDeleteMessage EventType = "dmsg"

	// room lifecycle
	EventRoomCreate     EventType = "room_c"
	EventRoomArchived   EventType = "room_archived"
	EventRoomUnarchived EventType = "room_unarchived"
)

// EventKind is the role an event plays in its lineage.
type EventKind int

const (
	KindOther EventKind = iota
	KindCreate
	KindEdit
	KindDelete
)

func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindEdit:
		return "edit"
	case KindDelete:
		return "delete"
	default:
		return "other"
	}
}

// Kind maps an event type onto its lineage role.
func (t EventType) Kind() EventKind {
	switch t {
	case EventMessage:
		return KindCreate
	case EventEditMessage:
		return KindEdit
	case EventDeleteMessage:
		return KindDelete
	default:
		return KindOther
	}
}

// OpensLineage reports whether an event of this type starts a lineage.
func (t EventType) OpensLineage() bool {
	k := t.Kind()
	return k == KindCreate || k == KindOther
}

// RoomEvent is the persisted, append-only record. Heads returned by log
// queries use the same shape with the lineage folded in.
type RoomEvent struct {
	ID        string     `bson:"_id" json:"_id"`
	Clid      string     `bson:"clid" json:"clid"`
	Cid       string     `bson:"cid" json:"cid"`
	T         EventType  `bson:"t" json:"t"`
	Src       string     `bson:"src" json:"src"`
	TS        time.Time  `bson:"ts" json:"ts"`
	Seq       uint64     `bson:"seq" json:"seq"`
	D         bson.D     `bson:"d,omitempty" json:"d,omitempty"`
	UpdatedAt time.Time  `bson:"updatedAt" json:"updatedAt"`
	DeletedAt *time.Time `bson:"deletedAt" json:"deletedAt"`
	// AppendedAt is the log clock at append. Unlike TS it is never
	// caller-supplied. Events written by older builds leave it zero.
	AppendedAt time.Time `bson:"appendedAt,omitempty" json:"appendedAt,omitempty"`
}

// AppendTime is AppendedAt, or TS for events that predate it.
func (e RoomEvent) AppendTime() time.Time {
	if e.AppendedAt.IsZero() {
		return e.TS
	}
	return e.AppendedAt
}

// Deleted reports whether the event carries a tombstone.
func (e RoomEvent) Deleted() bool {
	return e.DeletedAt != nil
}

// Doc returns the event as a generic document for predicate matching.
func (e RoomEvent) Doc() bson.M {
	var deletedAt any
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}
	d := e.D
	if d == nil {
		d = bson.D{}
	}
	return bson.M{
		"_id":       e.ID,
		"clid":      e.Clid,
		"cid":       e.Cid,
		"t":         string(e.T),
		"src":       e.Src,
		"ts":        e.TS,
		"seq":       int64(e.Seq),
		"d":         d,
		"updatedAt": e.UpdatedAt,
		"deletedAt": deletedAt,
	}
}
