// Package docql validates Mongo-style query predicates and update-operator
// documents and evaluates them against in-memory bson documents through
// lungo's mongokit.
package docql

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrMalformed           = errors.New("malformed document")
)

// type brackets, ordered the way documents sort
const (
	rankNull = iota + 1
	rankNumber
	rankString
	rankDoc
	rankArray
	rankBinary
	rankObjectID
	rankBool
	rankDate
	rankRegex
	rankOther
)

// Normalize maps bson wire types onto the Go types used for comparison.
func Normalize(v any) any {
	switch t := v.(type) {
	case bson.DateTime:
		return t.Time().UTC()
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint:
		if uint64(t) > math.MaxInt64 {
			return float64(t)
		}
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return float64(t)
		}
		return int64(t)
	case float32:
		return float64(t)
	case bson.Null, bson.Undefined:
		return nil
	}
	return v
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case int64, float64, bson.Decimal128:
		return rankNumber
	case string, bson.Symbol:
		return rankString
	case []byte, bson.Binary:
		return rankBinary
	case bson.ObjectID:
		return rankObjectID
	case bool:
		return rankBool
	case time.Time:
		return rankDate
	case bson.Regex, *regexp.Regexp:
		return rankRegex
	}
	if IsDoc(v) {
		return rankDoc
	}
	if _, ok := ToArray(v); ok {
		return rankArray
	}
	return rankOther
}

// IsDoc reports whether v is a document type.
func IsDoc(v any) bool {
	switch v.(type) {
	case bson.D, []bson.E, bson.M, map[string]any:
		return true
	}
	return false
}

// ToArray returns v as a slice of values if it is an array type.
func ToArray(v any) ([]any, bool) {
	switch t := v.(type) {
	case bson.A:
		return []any(t), true
	case []any:
		return t, true
	case nil, []byte, bson.D, []bson.E:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Fields lists the entries of a document in a stable order: insertion order
// for bson.D, sorted keys for maps.
func Fields(v any) (bson.D, bool) {
	switch t := v.(type) {
	case bson.D:
		return t, true
	case []bson.E:
		return bson.D(t), true
	case bson.M:
		return sortedEntries(t), true
	case map[string]any:
		return sortedEntries(t), true
	}
	return nil, false
}

func sortedEntries[M ~map[string]any](m M) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, len(keys))
	for i, k := range keys {
		out[i] = bson.E{Key: k, Value: m[k]}
	}
	return out
}

func field(doc any, key string) (any, bool) {
	switch t := doc.(type) {
	case bson.M:
		v, ok := t[key]
		return v, ok
	case map[string]any:
		v, ok := t[key]
		return v, ok
	case bson.D:
		for _, e := range t {
			if e.Key == key {
				return e.Value, true
			}
		}
	case []bson.E:
		for _, e := range t {
			if e.Key == key {
				return e.Value, true
			}
		}
	}
	return nil, false
}

// isOperatorDoc reports whether v is a document whose keys are operators.
func isOperatorDoc(v any) bool {
	entries, ok := Fields(v)
	if !ok || len(entries) == 0 {
		return false
	}
	return strings.HasPrefix(entries[0].Key, "$")
}

// ToM deep-converts documents to bson.M and arrays to bson.A, normalising
// bson datetimes to UTC time.Time. The result shares no containers with v.
func ToM(v any) any {
	switch t := v.(type) {
	case []bson.E:
		return ToM(bson.D(t))
	case bson.D:
		out := make(bson.M, len(t))
		for _, e := range t {
			out[e.Key] = ToM(e.Value)
		}
		return out
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = ToM(val)
		}
		return out
	case map[string]any:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = ToM(val)
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = ToM(val)
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = ToM(val)
		}
		return out
	case bson.DateTime:
		return t.Time().UTC()
	}
	return v
}

// Doc deep-converts a document to bson.M.
func Doc(v any) bson.M {
	if m, ok := ToM(v).(bson.M); ok {
		return m
	}
	return bson.M{}
}

// ToD renders a map as an ordered document with sorted keys.
func ToD(m bson.M) bson.D {
	return sortedEntries(m)
}

// Compare orders two values the way documents sort across types.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch ra {
	case rankNull:
		return 0
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return strings.Compare(toString(a), toString(b))
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankDate:
		return a.(time.Time).Compare(b.(time.Time))
	case rankObjectID:
		oa, ob := a.(bson.ObjectID), b.(bson.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case rankArray:
		aa, _ := ToArray(a)
		ba, _ := ToArray(b)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := Compare(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(ba))
	case rankDoc:
		ae, _ := Fields(a)
		be, _ := Fields(b)
		for i := 0; i < len(ae) && i < len(be); i++ {
			if c := strings.Compare(ae[i].Key, be[i].Key); c != 0 {
				return c
			}
			if c := Compare(ae[i].Value, be[i].Value); c != 0 {
				return c
			}
		}
		return cmpInt(len(ae), len(be))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return cmpInt64(ai, bi)
	}
	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case bson.Decimal128:
		f, err := parseDecimal(t)
		if err == nil {
			return f
		}
	}
	return math.NaN()
}

func parseDecimal(d bson.Decimal128) (float64, error) {
	var f float64
	_, err := fmt.Sscan(d.String(), &f)
	return f, err
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bson.Symbol:
		return string(t)
	}
	return fmt.Sprint(v)
}

func isNumber(v any) bool {
	return rank(Normalize(v)) == rankNumber
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
