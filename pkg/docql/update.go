package docql

import (
	"fmt"
	"strings"
	"time"

	"github.com/256dpi/lungo/mongokit"
	bsonv1 "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var updateOperators = map[string]struct{}{
	"$set": {}, "$unset": {}, "$setOnInsert": {}, "$inc": {}, "$mul": {},
	"$min": {}, "$max": {}, "$push": {}, "$addToSet": {}, "$pull": {},
	"$pullAll": {}, "$pop": {}, "$rename": {}, "$currentDate": {},
}

// ApplyOptions tunes Apply.
type ApplyOptions struct {
	// Insert enables $setOnInsert.
	Insert bool
	// Now is the value written by $currentDate. Zero means time.Now().
	Now time.Time
}

// IsReplacement reports whether update is a whole-document replacement
// rather than an operator document.
func IsReplacement(update any) bool {
	entries, ok := Fields(update)
	if !ok || len(entries) == 0 {
		return false
	}
	return !strings.HasPrefix(entries[0].Key, "$")
}

// ValidateUpdate checks the shape of an update document without applying it.
func ValidateUpdate(update any) error {
	entries, ok := Fields(update)
	if !ok {
		return fmt.Errorf("%w: update must be a document, got %T", ErrMalformed, update)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty update", ErrMalformed)
	}
	replacement := !strings.HasPrefix(entries[0].Key, "$")
	for _, e := range entries {
		if strings.HasPrefix(e.Key, "$") == replacement {
			return fmt.Errorf("%w: update mixes operators and fields", ErrMalformed)
		}
		if replacement {
			if strings.Contains(e.Key, ".") {
				return fmt.Errorf("%w: replacement field %q contains a dot", ErrMalformed, e.Key)
			}
			continue
		}
		if _, ok := updateOperators[e.Key]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedOperator, e.Key)
		}
		targets, ok := Fields(e.Value)
		if !ok {
			return fmt.Errorf("%w: %s needs a document", ErrMalformed, e.Key)
		}
		for _, t := range targets {
			if err := checkPath(t.Key); err != nil {
				return err
			}
			if err := checkOperand(e.Key, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Paths lists every field path an update writes, including $rename
// sources and destinations. For a replacement it lists the top-level keys.
func Paths(update any) ([]string, error) {
	entries, ok := Fields(update)
	if !ok {
		return nil, fmt.Errorf("%w: update must be a document, got %T", ErrMalformed, update)
	}
	var out []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, "$") {
			out = append(out, e.Key)
			continue
		}
		targets, ok := Fields(e.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a document", ErrMalformed, e.Key)
		}
		for _, t := range targets {
			out = append(out, t.Key)
			if e.Key == "$rename" {
				if to, ok := t.Value.(string); ok {
					out = append(out, to)
				}
			}
		}
	}
	return out, nil
}

func checkPath(path string) error {
	for _, seg := range splitPath(path) {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrMalformed, path)
		}
		if strings.HasPrefix(seg, "$") {
			return fmt.Errorf("%w: positional path %q", ErrUnsupportedOperator, path)
		}
	}
	return nil
}

func checkOperand(op string, t bson.E) error {
	switch op {
	case "$inc", "$mul":
		if !isNumber(t.Value) {
			return fmt.Errorf("%w: %s on %s needs a number", ErrMalformed, op, t.Key)
		}
	case "$rename":
		to, ok := t.Value.(string)
		if !ok {
			return fmt.Errorf("%w: $rename target for %s must be a string", ErrMalformed, t.Key)
		}
		if to == t.Key {
			return fmt.Errorf("%w: $rename %s onto itself", ErrMalformed, t.Key)
		}
		return checkPath(to)
	case "$pop":
		n := toFloat(Normalize(t.Value))
		if n != 1 && n != -1 {
			return fmt.Errorf("%w: $pop on %s needs 1 or -1", ErrMalformed, t.Key)
		}
	case "$pullAll":
		if _, ok := ToArray(t.Value); !ok {
			return fmt.Errorf("%w: $pullAll on %s needs an array", ErrMalformed, t.Key)
		}
	case "$currentDate":
		if _, ok := t.Value.(bool); ok {
			return nil
		}
		typ, ok := field(t.Value, "$type")
		if !ok || (typ != "date" && typ != "timestamp") {
			return fmt.Errorf("%w: $currentDate on %s", ErrMalformed, t.Key)
		}
	case "$push", "$addToSet":
		if each, ok := field(t.Value, "$each"); ok && isOperatorDoc(t.Value) {
			if _, ok := ToArray(each); !ok {
				return fmt.Errorf("%w: $each on %s needs an array", ErrMalformed, t.Key)
			}
		}
	case "$pull":
		if isOperatorDoc(t.Value) {
			return validateCondition(t.Key, t.Value)
		}
	}
	return nil
}

// Apply applies an update document to doc in place. A replacement
// document swaps the content of doc for its own. $setOnInsert only runs
// when opts.Insert is set and $currentDate writes opts.Now, so replaying
// the same update always yields the same document.
func Apply(doc bson.M, update any, opts ApplyOptions) error {
	if err := ValidateUpdate(update); err != nil {
		return err
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	entries, _ := Fields(update)
	if IsReplacement(update) {
		for k := range doc {
			delete(doc, k)
		}
		for _, e := range entries {
			doc[e.Key] = ToM(e.Value)
		}
		return nil
	}
	ops := resolveOperators(entries, opts)
	if len(ops) == 0 {
		return nil
	}

	target, err := toKit(doc)
	if err != nil {
		return err
	}
	upd, err := toKit(ops)
	if err != nil {
		return err
	}
	if _, err := mongokit.Apply(target, &bsonv1.D{}, upd, opts.Insert, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	out, err := fromKit(target)
	if err != nil {
		return err
	}
	for k := range doc {
		delete(doc, k)
	}
	for k, v := range out {
		doc[k] = v
	}
	return nil
}

// resolveOperators drops $setOnInsert outside inserts and turns
// $currentDate into a $set of opts.Now.
func resolveOperators(entries bson.D, opts ApplyOptions) bson.D {
	out := make(bson.D, 0, len(entries))
	var stamps bson.D
	for _, e := range entries {
		switch e.Key {
		case "$setOnInsert":
			if !opts.Insert {
				continue
			}
		case "$currentDate":
			targets, _ := Fields(e.Value)
			for _, t := range targets {
				stamps = append(stamps, bson.E{Key: t.Key, Value: opts.Now})
			}
			continue
		}
		out = append(out, e)
	}
	if len(stamps) == 0 {
		return out
	}
	for i, e := range out {
		if e.Key == "$set" {
			set, _ := Fields(e.Value)
			out[i].Value = append(append(bson.D{}, set...), stamps...)
			return out
		}
	}
	return append(out, bson.E{Key: "$set", Value: stamps})
}
