// Package schema owns the split between root event fields and the payload
// namespace, and the renames between logical and versioned field names.
package schema

import (
	"fmt"
	"strings"
)

// PayloadField is the root field holding every non-root logical field.
const PayloadField = "d"

// Root fields of a versioned event.
const (
	FieldEventID   = "_id"
	FieldEntityID  = "clid"
	FieldContainer = "cid"
	FieldType      = "t"
	FieldSource    = "src"
	FieldTS        = "ts"
	FieldSeq       = "seq"
	FieldUpdatedAt = "updatedAt"
	FieldDeletedAt = "deletedAt"
)

// Logical field names with a versioned counterpart.
const (
	LogicalID        = "_id"
	LogicalRoomID    = "rid"
	LogicalTS        = "ts"
	LogicalUpdatedAt = "_updatedAt"
	LogicalDeletedAt = "_deletedAt"
)

var rootFields = map[string]struct{}{
	FieldEventID:   {},
	FieldEntityID:  {},
	FieldContainer: {},
	FieldType:      {},
	FieldSource:    {},
	FieldTS:        {},
	FieldSeq:       {},
	PayloadField:   {},
	FieldUpdatedAt: {},
	FieldDeletedAt: {},
}

// addressable root fields may appear in a logical query as-is. `_id`, `t`,
// `seq` and `d` are owned by the log and never taken from caller data.
var addressable = map[string]struct{}{
	FieldEntityID:  {},
	FieldContainer: {},
	FieldSource:    {},
	FieldTS:        {},
	FieldUpdatedAt: {},
	FieldDeletedAt: {},
}

// logical -> versioned
var renames = map[string]string{
	LogicalID:        FieldEntityID,
	LogicalRoomID:    FieldContainer,
	LogicalUpdatedAt: FieldUpdatedAt,
	LogicalDeletedAt: FieldDeletedAt,
}

// versioned -> logical, the fields surfaced on read
var surfaced = map[string]string{
	FieldEntityID:  LogicalID,
	FieldContainer: LogicalRoomID,
	FieldTS:        LogicalTS,
	FieldUpdatedAt: LogicalUpdatedAt,
	FieldDeletedAt: LogicalDeletedAt,
}

func init() {
	if err := check(); err != nil {
		panic(err)
	}
}

func check() error {
	for k := range addressable {
		if _, ok := rootFields[k]; !ok {
			return fmt.Errorf("schema: addressable field %q is not a root field", k)
		}
	}
	for from, to := range renames {
		if _, ok := rootFields[to]; !ok {
			return fmt.Errorf("schema: rename %q -> %q targets a non-root field", from, to)
		}
		if _, ok := rootFields[from]; ok && from != FieldEventID {
			return fmt.Errorf("schema: logical field %q shadows a root field", from)
		}
	}
	for v2, v1 := range surfaced {
		if _, ok := rootFields[v2]; !ok {
			return fmt.Errorf("schema: surfaced field %q is not a root field", v2)
		}
		if to, ok := renames[v1]; ok && to != v2 {
			return fmt.Errorf("schema: %q surfaces as %q but %q renames to %q", v2, v1, v1, to)
		}
	}
	return nil
}

// IsRoot reports whether name is a root field of a versioned event.
func IsRoot(name string) bool {
	_, ok := rootFields[name]
	return ok
}

// IsAddressable reports whether a caller may name the root field directly.
func IsAddressable(name string) bool {
	_, ok := addressable[name]
	return ok
}

// Rename returns the versioned name for a renamed logical field.
func Rename(logical string) (string, bool) {
	v, ok := renames[logical]
	return v, ok
}

// Surface returns the logical name a root field is exposed as on read.
func Surface(root string) (string, bool) {
	v, ok := surfaced[root]
	return v, ok
}

// IsReserved reports whether a logical field is owned by the layer and
// therefore never stored in the payload.
func IsReserved(logical string) bool {
	if _, ok := renames[logical]; ok {
		return true
	}
	return logical == LogicalTS
}

// Classify resolves a logical field path to its versioned path. The first
// path segment decides the bucket.
func Classify(path string) string {
	head, rest, dotted := strings.Cut(path, ".")
	if v, ok := renames[head]; ok {
		head = v
	} else if !IsAddressable(head) {
		return PayloadField + "." + path
	}
	if dotted {
		return head + "." + rest
	}
	return head
}

// IsVersionedPath reports whether path is already expressed in versioned
// field space: an addressable root field or a payload-namespaced path.
func IsVersionedPath(path string) bool {
	head, _, _ := strings.Cut(path, ".")
	if head == PayloadField {
		return strings.HasPrefix(path, PayloadField+".")
	}
	return IsAddressable(head)
}
