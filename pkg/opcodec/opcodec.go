// Package opcodec rewrites update-operator documents so they can be stored
// as plain payload data. Every `$` in a key becomes MarkerToken and every `.`
// becomes DotToken; Decode reverses the rewrite.
//
// Keys that already contain the tokens are not escaped and will not survive
// a round trip.
package opcodec

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	MarkerToken = "[csg]"
	DotToken    = "[dot]"
)

var (
	keyEncoder = strings.NewReplacer("$", MarkerToken, ".", DotToken)
	keyDecoder = strings.NewReplacer(MarkerToken, "$", DotToken, ".")
)

// EncodeKey rewrites a single key.
func EncodeKey(k string) string { return keyEncoder.Replace(k) }

// DecodeKey reverses EncodeKey.
func DecodeKey(k string) string { return keyDecoder.Replace(k) }

// Encode rewrites every key of v recursively. Document order and container
// types are preserved.
func Encode(v any) any { return walk(v, EncodeKey) }

// Decode reverses Encode.
func Decode(v any) any { return walk(v, DecodeKey) }

// EncodeDoc is Encode specialised to ordered documents.
func EncodeDoc(d bson.D) bson.D { return walkD(d, EncodeKey) }

// DecodeDoc is Decode specialised to ordered documents.
func DecodeDoc(d bson.D) bson.D { return walkD(d, DecodeKey) }

func walk(v any, fn func(string) string) any {
	switch t := v.(type) {
	case bson.D:
		return walkD(t, fn)
	case []bson.E:
		return walkD(t, fn)
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[fn(k)] = walk(val, fn)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fn(k)] = walk(val, fn)
		}
		return out
	case bson.E:
		return bson.E{Key: fn(t.Key), Value: walk(t.Value, fn)}
	case bson.A:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = walk(val, fn)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, fn)
		}
		return out
	case []bson.D:
		out := make([]bson.D, len(t))
		for i, val := range t {
			out[i] = walkD(val, fn)
		}
		return out
	case []bson.M:
		out := make([]bson.M, len(t))
		for i, val := range t {
			out[i] = walk(val, fn).(bson.M)
		}
		return out
	default:
		return v
	}
}

func walkD(d bson.D, fn func(string) string) bson.D {
	if d == nil {
		return nil
	}
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: fn(e.Key), Value: walk(e.Value, fn)}
	}
	return out
}
