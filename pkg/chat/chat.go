// Package chat implements the room message helpers used by the chat
// surface on top of the message collection.
package chat

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/logger"
	"roomlog/pkg/messages"
	"roomlog/pkg/models"
	"roomlog/pkg/rooms"
	"roomlog/pkg/schema"
)

// System message types.
const (
	TypeRoomArchived   = "room-archived"
	TypeRoomUnarchived = "room-unarchived"
	TypeUserJoined     = "uj"
	TypeUserLeft       = "ul"
	TypeRemoved        = "rm"
)

// Options configure Messages.
type Options struct {
	// ReadReceipts marks created messages as unread.
	ReadReceipts bool
}

// Messages wraps a collection with the chat-level operations.
type Messages struct {
	c        *messages.Collection
	counters rooms.Counters
	opts     Options
	now      func() time.Time
}

func New(c *messages.Collection, counters rooms.Counters, opts Options) *Messages {
	return &Messages{
		c:        c,
		counters: counters,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func visible(q bson.D) bson.D {
	return append(bson.D{{Key: "_hidden", Value: bson.D{{Key: "$ne", Value: true}}}}, q...)
}

func byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

// CreateWithTypeRoomIDMessageAndUser inserts a message of type t into the
// room and bumps the room's message counter. extra is merged last and may
// override any generated field.
func (m *Messages) CreateWithTypeRoomIDMessageAndUser(ctx context.Context, t, rid, msg string, user models.User, extra bson.M) (models.Message, error) {
	record := models.Message{
		"t":         t,
		"rid":       rid,
		"ts":        m.now(),
		"msg":       msg,
		"u":         user.Doc(),
		"groupable": false,
	}
	if m.opts.ReadReceipts {
		record["unread"] = true
	}
	for k, v := range extra {
		record[k] = v
	}
	id, err := m.Insert(ctx, record)
	if id != "" {
		record["_id"] = id
	}
	if err != nil && id == "" {
		return nil, err
	}
	return record, err
}

// Insert stores doc and bumps its room's message counter. A counter
// failure is returned together with the id of the stored message.
func (m *Messages) Insert(ctx context.Context, doc models.Message) (string, error) {
	id, err := m.c.Insert(ctx, doc)
	if err != nil {
		return "", err
	}
	rid := models.RoomID(doc)
	if _, err := m.counters.Incr(ctx, rid, 1); err != nil {
		logger.Error("room_counter_incr_failed", "rid", rid, "error", err)
		return id, fmt.Errorf("increment counter for %s: %w", rid, err)
	}
	return id, nil
}

// Count returns the room's message counter.
func (m *Messages) Count(ctx context.Context, rid string) (int64, error) {
	return m.counters.Get(ctx, rid)
}

func (m *Messages) CreateRoomArchivedByRoomIDAndUser(ctx context.Context, rid string, user models.User) (models.Message, error) {
	return m.CreateWithTypeRoomIDMessageAndUser(ctx, TypeRoomArchived, rid, "", user, nil)
}

func (m *Messages) CreateRoomUnarchivedByRoomIDAndUser(ctx context.Context, rid string, user models.User) (models.Message, error) {
	return m.CreateWithTypeRoomIDMessageAndUser(ctx, TypeRoomUnarchived, rid, "", user, nil)
}

// CreateUserJoinWithRoomIDAndUser records the user joining; the message
// text is the username.
func (m *Messages) CreateUserJoinWithRoomIDAndUser(ctx context.Context, rid string, user models.User, extra bson.M) (models.Message, error) {
	return m.CreateWithTypeRoomIDMessageAndUser(ctx, TypeUserJoined, rid, user.Username, user, extra)
}

func (m *Messages) CreateUserLeaveWithRoomIDAndUser(ctx context.Context, rid string, user models.User, extra bson.M) (models.Message, error) {
	return m.CreateWithTypeRoomIDMessageAndUser(ctx, TypeUserLeft, rid, user.Username, user, extra)
}

func (m *Messages) SetReactions(ctx context.Context, id string, reactions bson.M) (messages.Result, error) {
	return m.c.Update(ctx, byID(id), bson.D{{Key: "$set", Value: bson.D{{Key: "reactions", Value: reactions}}}})
}

func (m *Messages) UnsetReactions(ctx context.Context, id string) (messages.Result, error) {
	return m.c.Update(ctx, byID(id), bson.D{{Key: "$unset", Value: bson.D{{Key: "reactions", Value: 1}}}})
}

// SetHiddenByID hides or unhides a message from the visible reads.
func (m *Messages) SetHiddenByID(ctx context.Context, id string, hidden bool) (messages.Result, error) {
	return m.c.Update(ctx, byID(id), bson.D{{Key: "$set", Value: bson.D{{Key: "_hidden", Value: hidden}}}})
}

// SetPinnedByIDAndUserID pins or unpins a message. A zero pinnedAt means
// now.
func (m *Messages) SetPinnedByIDAndUserID(ctx context.Context, id string, pinnedBy models.User, pinned bool, pinnedAt time.Time) (messages.Result, error) {
	if pinnedAt.IsZero() {
		pinnedAt = m.now()
	}
	return m.c.Update(ctx, byID(id), bson.D{{Key: "$set", Value: bson.D{
		{Key: "pinned", Value: pinned},
		{Key: "pinnedAt", Value: pinnedAt},
		{Key: "pinnedBy", Value: pinnedBy.Doc()},
	}}})
}

// SetAsDeletedByIDAndUser blanks a message in place and marks it removed.
// The message stays visible as a removal notice.
func (m *Messages) SetAsDeletedByIDAndUser(ctx context.Context, id string, user models.User) (messages.Result, error) {
	return m.c.Update(ctx, byID(id), bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "msg", Value: ""},
			{Key: "t", Value: TypeRemoved},
			{Key: "urls", Value: bson.A{}},
			{Key: "mentions", Value: bson.A{}},
			{Key: "attachments", Value: bson.A{}},
			{Key: "reactions", Value: bson.A{}},
			{Key: "editedAt", Value: m.now()},
			{Key: "editedBy", Value: user.Doc()},
		}},
		{Key: "$unset", Value: bson.D{{Key: "blocks", Value: 1}}},
	})
}

// AddTranslations stores translations keyed by language and records the
// provider.
func (m *Messages) AddTranslations(ctx context.Context, id string, translations map[string]string, provider string) (messages.Result, error) {
	set := bson.D{{Key: "translationProvider", Value: provider}}
	for lang, text := range translations {
		set = append(set, bson.E{Key: "translations." + lang, Value: text})
	}
	return m.c.Update(ctx, byID(id), bson.D{{Key: "$set", Value: set}})
}

// UpdateAllUsernamesByUserID rewrites the author username on every message
// written by userID.
func (m *Messages) UpdateAllUsernamesByUserID(ctx context.Context, userID, username string) (messages.Result, error) {
	return m.c.Update(ctx,
		bson.D{{Key: "u._id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "u.username", Value: username}}}},
	)
}

func (m *Messages) FindVisibleByRoomID(ctx context.Context, rid string, opts ...messages.FindOptions) (*messages.Cursor, error) {
	return m.c.Find(ctx, visible(bson.D{{Key: "rid", Value: rid}}), opts...)
}

func betweenInclusive(rid string, after, before time.Time) bson.D {
	return visible(bson.D{
		{Key: "rid", Value: rid},
		{Key: "ts", Value: bson.D{{Key: "$gte", Value: after}, {Key: "$lte", Value: before}}},
	})
}

func (m *Messages) FindVisibleByRoomIDBetweenTimestampsInclusive(ctx context.Context, rid string, after, before time.Time, opts ...messages.FindOptions) (*messages.Cursor, error) {
	return m.c.Find(ctx, betweenInclusive(rid, after, before), opts...)
}

func (m *Messages) CountVisibleByRoomIDBetweenTimestampsInclusive(ctx context.Context, rid string, after, before time.Time) (int64, error) {
	cur, err := m.c.Find(ctx, betweenInclusive(rid, after, before))
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	return cur.Count(ctx)
}

// FindVisibleCreatedOrEditedAfterTimestamp returns visible messages created
// or edited strictly after ts, across all rooms.
func (m *Messages) FindVisibleCreatedOrEditedAfterTimestamp(ctx context.Context, ts time.Time, opts ...messages.FindOptions) (*messages.Cursor, error) {
	return m.c.Find(ctx, visible(bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "ts", Value: bson.D{{Key: "$gt", Value: ts}}}},
		bson.D{{Key: schema.PayloadField + ".editedAt", Value: bson.D{{Key: "$gt", Value: ts}}}},
	}}}), opts...)
}

func (m *Messages) FindByRoomIDAndType(ctx context.Context, rid, t string, opts ...messages.FindOptions) (*messages.Cursor, error) {
	return m.c.Find(ctx, bson.D{{Key: "rid", Value: rid}, {Key: "t", Value: t}}, opts...)
}

// GetLastTimestamp returns the newest message timestamp in the collection.
func (m *Messages) GetLastTimestamp(ctx context.Context) (time.Time, bool, error) {
	last, err := m.c.FindOne(ctx,
		bson.D{{Key: "ts", Value: bson.D{{Key: "$exists", Value: true}}}},
		messages.FindOptions{Sort: bson.D{{Key: "ts", Value: -1}}},
	)
	if err != nil || last == nil {
		return time.Time{}, false, err
	}
	ts, ok := last["ts"].(time.Time)
	return ts, ok, nil
}

func (m *Messages) RemoveByID(ctx context.Context, id string) (messages.Result, error) {
	return m.remove(ctx, byID(id))
}

func (m *Messages) RemoveByRoomID(ctx context.Context, rid string) (messages.Result, error) {
	return m.remove(ctx, bson.D{{Key: "rid", Value: rid}})
}

// remove deletes the matches and decrements the counter of every room
// that lost messages, including after a partial failure.
func (m *Messages) remove(ctx context.Context, q bson.D) (messages.Result, error) {
	res, err := m.c.Remove(ctx, q)
	perRoom := make(map[string]int64)
	for _, doc := range res.All() {
		if _, deleted := models.DeletedAt(doc); deleted {
			perRoom[models.RoomID(doc)]++
		}
	}
	for rid, n := range perRoom {
		if _, cerr := m.counters.Incr(ctx, rid, -n); cerr != nil {
			logger.Error("room_counter_decr_failed", "rid", rid, "by", n, "error", cerr)
			if err == nil {
				err = fmt.Errorf("decrement counter for %s: %w", rid, cerr)
			}
		}
	}
	return res, err
}
