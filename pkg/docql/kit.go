package docql

import (
	"fmt"
	"regexp"
	"time"

	"github.com/256dpi/lungo/bsonkit"
	bsonv1 "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// toKit encodes a document for mongokit. Both drivers share the wire
// format, so the value crosses over as raw bson.
func toKit(v any) (bsonkit.Doc, error) {
	d, ok := prepare(v).(bson.D)
	if !ok {
		return nil, fmt.Errorf("%w: expected a document, got %T", ErrMalformed, v)
	}
	b, err := bson.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var out bsonv1.D
	if err := bsonv1.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &out, nil
}

// fromKit decodes a mongokit document into a bson.M.
func fromKit(doc bsonkit.Doc) (bson.M, error) {
	b, err := bsonv1.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var out bson.D
	if err := bson.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Doc(out), nil
}

// prepare renders maps as bson.D with sorted keys and rewrites values the
// encoder has no codec for. A $regex operand absorbs its $options sibling.
func prepare(v any) any {
	switch t := v.(type) {
	case nil, []byte, string:
		return v
	case bson.D, []bson.E, bson.M, map[string]any:
		entries, _ := Fields(t)
		out := make(bson.D, 0, len(entries))
		opts, hasOpts := field(t, "$options")
		_, hasRegex := field(t, "$regex")
		for _, e := range entries {
			if hasOpts && hasRegex && e.Key == "$options" {
				continue
			}
			val := prepare(e.Value)
			if hasOpts && hasRegex && e.Key == "$regex" {
				val = withOptions(val, opts)
			}
			out = append(out, bson.E{Key: e.Key, Value: val})
		}
		return out
	case *regexp.Regexp:
		return bson.Regex{Pattern: t.String()}
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	}
	if arr, ok := ToArray(v); ok {
		out := make(bson.A, len(arr))
		for i, el := range arr {
			out[i] = prepare(el)
		}
		return out
	}
	return v
}

func withOptions(v any, opts any) any {
	o, _ := opts.(string)
	switch t := v.(type) {
	case string:
		return bson.Regex{Pattern: t, Options: o}
	case bson.Regex:
		t.Options = o
		return t
	}
	return v
}
