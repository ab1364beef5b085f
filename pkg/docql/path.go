package docql

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// Get returns the value at a dotted path without fanning out across arrays.
func Get(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range splitPath(path) {
		if IsDoc(cur) {
			v, ok := field(cur, part)
			if !ok {
				return nil, false
			}
			cur = v
			continue
		}
		arr, ok := ToArray(cur)
		if !ok {
			return nil, false
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		cur = arr[idx]
	}
	return cur, true
}

// Set assigns val at a dotted path, creating intermediate documents.
func Set(doc bson.M, path string, val any) error {
	_, err := setIn(doc, splitPath(path), val)
	return err
}

// Unset removes the value at a dotted path. Array elements are nulled.
func Unset(doc bson.M, path string) {
	unsetIn(doc, splitPath(path))
}

func setIn(v any, parts []string, val any) (any, error) {
	if len(parts) == 0 {
		return val, nil
	}
	key := parts[0]
	if key == "" || strings.HasPrefix(key, "$") {
		return nil, fmt.Errorf("%w: path segment %q", ErrUnsupportedOperator, key)
	}
	switch t := v.(type) {
	case nil:
		child, err := setIn(nil, parts[1:], val)
		if err != nil {
			return nil, err
		}
		return bson.M{key: child}, nil
	case bson.M:
		child, err := setIn(t[key], parts[1:], val)
		if err != nil {
			return nil, err
		}
		t[key] = child
		return t, nil
	case bson.D, []bson.E, map[string]any:
		return setIn(Doc(t), parts, val)
	}
	arr, ok := ToArray(v)
	if !ok {
		return nil, fmt.Errorf("%w: cannot create field %q in element of type %T", ErrMalformed, key, v)
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: cannot create field %q in array", ErrMalformed, key)
	}
	out := bson.A(arr)
	for len(out) <= idx {
		out = append(out, nil)
	}
	child, err := setIn(out[idx], parts[1:], val)
	if err != nil {
		return nil, err
	}
	out[idx] = child
	return out, nil
}

func unsetIn(v any, parts []string) {
	if len(parts) == 0 {
		return
	}
	key := parts[0]
	last := len(parts) == 1
	switch t := v.(type) {
	case bson.M:
		if last {
			delete(t, key)
			return
		}
		child, ok := t[key]
		if !ok {
			return
		}
		if d, isD := child.(bson.D); isD {
			m := Doc(d)
			t[key] = m
			child = m
		}
		unsetIn(child, parts[1:])
		return
	case map[string]any:
		unsetIn(bson.M(t), parts)
		return
	}
	arr, ok := v.(bson.A)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= len(arr) {
		return
	}
	if last {
		arr[idx] = nil
		return
	}
	if d, isD := arr[idx].(bson.D); isD {
		arr[idx] = Doc(d)
	}
	unsetIn(arr[idx], parts[1:])
}
