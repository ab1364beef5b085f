package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Message is the logical (V1) document callers read and write.
type Message = bson.M

// User is the embedded `u` sub-document of a message.
type User struct {
	ID       string `bson:"_id" json:"_id"`
	Username string `bson:"username" json:"username"`
}

// Doc renders the user the way it is stored inside a message payload.
func (u User) Doc() bson.M {
	return bson.M{"_id": u.ID, "username": u.Username}
}

// MessageID returns the logical id of a message, or "".
func MessageID(m Message) string {
	s, _ := m["_id"].(string)
	return s
}

// RoomID returns the room id of a message, or "".
func RoomID(m Message) string {
	s, _ := m["rid"].(string)
	return s
}

// DeletedAt returns the tombstone time of a message, if any.
func DeletedAt(m Message) (time.Time, bool) {
	t, ok := m["_deletedAt"].(time.Time)
	return t, ok
}
