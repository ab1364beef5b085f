package eventlog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// notation dictionary for key formats:
	// ev  = event record
	// ix  = index
	// c   = container (room)
	// t   = time
	// dl  = delivery marker
	// pd  = pending delivery, value is the event key
	// All segments are separated by ":"; ids never contain one.

	EventKey         = "ev:%s:%s"      // ev:<clid>:<seq>
	ContainerIndex   = "ix:c:%s:%s:%s" // ix:c:<cid>:<ts>:<clid>
	TimeIndex        = "ix:t:%s:%s"    // ix:t:<ts>:<clid>
	DeliveredKey     = "dl:%s"         // dl:<event_id>
	PendingKey       = "pd:%s"         // pd:<event_id>
	SeqKey           = "meta:seq"
	EventPrefix      = "ev:"
	TimeIndexPrefix  = "ix:t:"
	DeliveredPrefix  = "dl:"
	PendingPrefix    = "pd:"
	containerPrefix  = "ix:c:%s:" // ix:c:<cid>:
	lineagePrefixFmt = "ev:%s:"   // ev:<clid>:

	// padding widths (fixed for lexicographic ordering)
	TSPadWidth  = 20
	SeqPadWidth = 20
)

var ErrInvalidID = errors.New("invalid id")

// letters, digits, dot, underscore, dash
var idRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,256}$`)

// ValidateID checks that an id can be embedded in a key.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s empty", ErrInvalidID, kind)
	}
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, id)
	}
	return nil
}

func PadTS(ts time.Time) string {
	ms := ts.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%0*d", TSPadWidth, ms)
}

func PadSeq(seq uint64) string {
	return fmt.Sprintf("%0*d", SeqPadWidth, seq)
}

func GenEventKey(clid string, seq uint64) string {
	return fmt.Sprintf(EventKey, clid, PadSeq(seq))
}

func GenLineagePrefix(clid string) string {
	return fmt.Sprintf(lineagePrefixFmt, clid)
}

func GenContainerIndex(cid string, ts time.Time, clid string) string {
	return fmt.Sprintf(ContainerIndex, cid, PadTS(ts), clid)
}

func GenContainerPrefix(cid string) string {
	return fmt.Sprintf(containerPrefix, cid)
}

func GenTimeIndex(ts time.Time, clid string) string {
	return fmt.Sprintf(TimeIndex, PadTS(ts), clid)
}

func GenDeliveredKey(eventID string) string {
	return fmt.Sprintf(DeliveredKey, eventID)
}

func GenPendingKey(eventID string) string {
	return fmt.Sprintf(PendingKey, eventID)
}

// IndexEntityID returns the trailing clid of an ix:c or ix:t key.
func IndexEntityID(key string) (string, error) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 || i == len(key)-1 || !strings.HasPrefix(key, "ix:") {
		return "", fmt.Errorf("invalid index key: %q", key)
	}
	return key[i+1:], nil
}

type EventKeyParts struct {
	Clid string
	Seq  uint64
}

func ParseEventKey(key string) (*EventKeyParts, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "ev" {
		return nil, fmt.Errorf("invalid event key: %q", key)
	}
	seq, err := parsePaddedUint(parts[2], SeqPadWidth)
	if err != nil {
		return nil, fmt.Errorf("invalid event key %q: %w", key, err)
	}
	return &EventKeyParts{Clid: parts[1], Seq: seq}, nil
}

func parsePaddedUint(s string, width int) (uint64, error) {
	if len(s) == 0 || len(s) > width {
		return 0, fmt.Errorf("length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
