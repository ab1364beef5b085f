// Package projector converts between logical messages and versioned room
// events, and folds an entity's lineage into its current head.
package projector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/models"
	"roomlog/pkg/opcodec"
	"roomlog/pkg/schema"
)

var ErrInvalidDocument = errors.New("invalid logical document")

// OriginField is the payload key an edit uses to name the create event it
// amends.
const OriginField = "_oid"

// Now is the clock used when a document carries no `ts`.
var Now = func() time.Time { return time.Now().UTC() }

// Write is a logical document split into event root fields and payload.
type Write struct {
	EntityID    string
	ContainerID string
	Type        models.EventType
	Src         string
	TS          time.Time
	Payload     bson.D
}

// ToLogical projects an event (or folded head) onto the logical shape.
// Root fields are surfaced under their logical names and override payload
// keys of the same name.
func ToLogical(e models.RoomEvent) models.Message {
	out := docql.Doc(e.D)
	out[schema.LogicalID] = e.Clid
	out[schema.LogicalRoomID] = e.Cid
	out[schema.LogicalTS] = e.TS.UTC()
	if !e.UpdatedAt.IsZero() {
		out[schema.LogicalUpdatedAt] = e.UpdatedAt.UTC()
	} else {
		delete(out, schema.LogicalUpdatedAt)
	}
	if e.DeletedAt != nil {
		out[schema.LogicalDeletedAt] = e.DeletedAt.UTC()
	} else {
		delete(out, schema.LogicalDeletedAt)
	}
	return out
}

// ToVersionedPayload splits a logical document for appending as a create
// event. Payload keys are sorted so equal documents encode identically.
func ToVersionedPayload(doc models.Message) (Write, error) {
	w := Write{Type: models.EventMessage}
	payload := bson.M{}
	for k, v := range doc {
		switch k {
		case schema.LogicalID:
			if v == nil {
				continue
			}
			id, ok := v.(string)
			if !ok || id == "" {
				return w, fmt.Errorf("%w: _id must be a non-empty string, got %T", ErrInvalidDocument, v)
			}
			w.EntityID = id
		case schema.LogicalRoomID:
			rid, ok := v.(string)
			if !ok || rid == "" {
				return w, fmt.Errorf("%w: rid must be a non-empty string", ErrInvalidDocument)
			}
			w.ContainerID = rid
		case schema.LogicalTS:
			ts, ok := asTime(v)
			if !ok {
				return w, fmt.Errorf("%w: ts must be a date, got %T", ErrInvalidDocument, v)
			}
			w.TS = ts
		case schema.FieldSource:
			w.Src, _ = v.(string)
		case schema.LogicalUpdatedAt:
			// owned by the log
		case schema.LogicalDeletedAt:
			if v != nil {
				return w, fmt.Errorf("%w: cannot insert a deleted document", ErrInvalidDocument)
			}
		case schema.FieldEntityID, schema.FieldContainer, schema.FieldUpdatedAt, schema.FieldDeletedAt:
			return w, fmt.Errorf("%w: %s is a reserved field", ErrInvalidDocument, k)
		case OriginField:
			return w, fmt.Errorf("%w: %s is a reserved field", ErrInvalidDocument, k)
		default:
			payload[k] = v
		}
	}
	if w.ContainerID == "" {
		return w, fmt.Errorf("%w: rid is required", ErrInvalidDocument)
	}
	if w.TS.IsZero() {
		w.TS = Now()
	}
	w.Payload = ordered(payload).(bson.D)
	return w, nil
}

// EditPayload encodes an update document for storage in an edit event and
// stamps it with the id of the create event it amends.
func EditPayload(update any, originID string) (bson.D, error) {
	if originID == "" {
		return nil, fmt.Errorf("%w: edit without origin", ErrInvalidDocument)
	}
	if err := docql.ValidateUpdate(update); err != nil {
		return nil, err
	}
	paths, err := docql.Paths(update)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p == OriginField || strings.HasPrefix(p, OriginField+".") {
			return nil, fmt.Errorf("%w: %s is a reserved field", ErrInvalidDocument, OriginField)
		}
	}

	entries, _ := docql.Fields(update)
	out := make(bson.D, 0, len(entries)+1)
	stamped := false
	for _, e := range entries {
		if e.Key == "$set" {
			set, _ := docql.Fields(e.Value)
			set = append(append(bson.D{}, set...), bson.E{Key: OriginField, Value: originID})
			e = bson.E{Key: e.Key, Value: set}
			stamped = true
		}
		out = append(out, e)
	}
	if !stamped {
		out = append(out, bson.E{Key: "$set", Value: bson.D{{Key: OriginField, Value: originID}}})
	}
	return opcodec.EncodeDoc(out), nil
}

// OriginID reads the create-event id an edit event was stamped with.
func OriginID(e models.RoomEvent) string {
	set, ok := docql.Get(e.D, opcodec.EncodeKey("$set"))
	if !ok {
		return ""
	}
	id, _ := docql.Get(set, OriginField)
	s, _ := id.(string)
	return s
}

// decodeEdit turns an edit payload back into an update document without
// the origin stamp. A replacement edit keeps only its plain fields.
func decodeEdit(d bson.D) bson.D {
	decoded := opcodec.DecodeDoc(d)
	out := make(bson.D, 0, len(decoded))
	for _, e := range decoded {
		if e.Key == "$set" {
			set, _ := docql.Fields(e.Value)
			rest := make(bson.D, 0, len(set))
			for _, s := range set {
				if s.Key != OriginField {
					rest = append(rest, s)
				}
			}
			if len(rest) == 0 {
				continue
			}
			e.Value = rest
		}
		out = append(out, e)
	}
	return out
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case bson.DateTime:
		return t.Time().UTC(), true
	}
	return time.Time{}, false
}

// ordered renders maps as bson.D with sorted keys, recursively.
func ordered(v any) any {
	switch t := v.(type) {
	case bson.M:
		return orderedMap(t)
	case map[string]any:
		return orderedMap(t)
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: ordered(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = ordered(el)
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = ordered(el)
		}
		return out
	}
	return v
}

func orderedMap[M ~map[string]any](m M) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, len(keys))
	for i, k := range keys {
		out[i] = bson.E{Key: k, Value: ordered(m[k])}
	}
	return out
}
