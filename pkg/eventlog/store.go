package eventlog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/models"
)

// Store persists events and the indexes the log plans queries with.
// Implementations are safe for concurrent use; the log serialises writes.
type Store interface {
	// Write persists an event. Events that open a lineage are also added to
	// the container and time indexes.
	Write(e models.RoomEvent) error
	// Lineage returns every event of an entity in sequence order.
	Lineage(clid string) ([]models.RoomEvent, error)
	// Scan lists lineage ids by creation time, restricted to one container
	// when cid is set.
	Scan(cid string, reverse bool) (IDIterator, error)
	// MarkDelivered records delivery markers and drops the events from the
	// pending index.
	MarkDelivered(eventIDs []string) error
	Delivered(eventID string) (bool, error)
	// Pending visits every event that was written but never marked
	// delivered. Order is unspecified.
	Pending(fn func(models.RoomEvent) error) error
	// Walk visits every stored event. Order is unspecified.
	Walk(fn func(models.RoomEvent) error) error
	LastSeq() (uint64, error)
	Close() error
}

// IDIterator walks lineage ids.
type IDIterator interface {
	Next() bool
	ID() string
	Err() error
	Close() error
}

type sliceIDs struct {
	ids []string
	pos int
}

func (s *sliceIDs) Next() bool {
	if s.pos >= len(s.ids) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIDs) ID() string   { return s.ids[s.pos-1] }
func (s *sliceIDs) Err() error   { return nil }
func (s *sliceIDs) Close() error { return nil }

func encodeEvent(e models.RoomEvent) ([]byte, error) {
	b, err := bson.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return b, nil
}

func decodeEvent(b []byte) (models.RoomEvent, error) {
	var e models.RoomEvent
	if err := bson.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
