// Package translate rewrites logical message queries into predicates over
// versioned room events.
package translate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/models"
	"roomlog/pkg/schema"
)

var ErrTranslation = errors.New("query translation failed")

// Options selects the live or the trash view.
type Options struct {
	Trash bool
	// DeletedAfter narrows a trash query to tombstones newer than this.
	DeletedAfter time.Time
}

// Result is a translated query. EntityID is set when the logical query pins
// a single `_id`.
type Result struct {
	EntityID string
	Query    bson.D
}

// ToVersionedQuery translates a logical query. The returned predicate always
// selects message heads and filters on the tombstone according to opts.
func ToVersionedQuery(q any, opts Options) (Result, error) {
	var res Result
	entries, ok := docql.Fields(q)
	if q != nil && !ok {
		return res, fmt.Errorf("%w: query must be a document, got %T", ErrTranslation, q)
	}

	query := bson.D{{Key: schema.FieldType, Value: string(models.EventMessage)}}
	var deletedClauses bson.A
	for _, e := range entries {
		if strings.HasPrefix(e.Key, "$") {
			if err := checkLogical(e.Key, e.Value); err != nil {
				return res, err
			}
			query = append(query, e)
			continue
		}

		path := schema.Classify(e.Key)
		if err := validate(path, e.Value); err != nil {
			return res, err
		}
		switch path {
		case schema.FieldEntityID:
			if id, ok := e.Value.(string); ok {
				res.EntityID = id
			}
		case schema.FieldDeletedAt:
			if !opts.Trash {
				return res, fmt.Errorf("%w: %s is only addressable in trash queries", ErrTranslation, e.Key)
			}
			deletedClauses = append(deletedClauses, bson.D{{Key: path, Value: e.Value}})
			continue
		}
		query = append(query, bson.E{Key: path, Value: e.Value})
	}

	if opts.Trash {
		cond := bson.D{{Key: "$ne", Value: nil}}
		if !opts.DeletedAfter.IsZero() {
			cond = append(cond, bson.E{Key: "$gt", Value: opts.DeletedAfter})
		}
		query = append(query, bson.E{Key: schema.FieldDeletedAt, Value: cond})
		if len(deletedClauses) > 0 {
			query = append(query, bson.E{Key: "$and", Value: deletedClauses})
		}
	} else {
		query = append(query, bson.E{Key: schema.FieldDeletedAt, Value: nil})
	}

	res.Query = query
	return res, nil
}

// Field translates a single logical field name, as used in sort keys.
func Field(name string) string {
	return schema.Classify(name)
}

// Sort translates the keys of a logical sort document, keeping its order.
func Sort(sort any) (bson.D, error) {
	if sort == nil {
		return nil, nil
	}
	entries, ok := docql.Fields(sort)
	if !ok {
		return nil, fmt.Errorf("%w: sort must be a document, got %T", ErrTranslation, sort)
	}
	out := make(bson.D, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Key, "$") {
			return nil, fmt.Errorf("%w: sort key %s", ErrTranslation, e.Key)
		}
		out = append(out, bson.E{Key: Field(e.Key), Value: e.Value})
	}
	return out, nil
}

// checkLogical verifies that a combinator's clauses are already written in
// versioned field space. They are passed through untouched.
func checkLogical(op string, operand any) error {
	if !docql.IsLogicalOperator(op) {
		return fmt.Errorf("%w: unsupported operator %s", ErrTranslation, op)
	}
	clauses, ok := docql.ToArray(operand)
	if !ok || len(clauses) == 0 {
		return fmt.Errorf("%w: %s needs a non-empty array", ErrTranslation, op)
	}
	for _, c := range clauses {
		entries, ok := docql.Fields(c)
		if !ok {
			return fmt.Errorf("%w: %s clauses must be documents", ErrTranslation, op)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Key, "$") {
				if err := checkLogical(e.Key, e.Value); err != nil {
					return err
				}
				continue
			}
			if !schema.IsVersionedPath(e.Key) {
				return fmt.Errorf("%w: %s clause names %q, expected %q", ErrTranslation, op, e.Key, schema.Classify(e.Key))
			}
			if err := validate(e.Key, e.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func validate(path string, cond any) error {
	if err := docql.Validate(bson.D{{Key: path, Value: cond}}); err != nil {
		return fmt.Errorf("%w: %w", ErrTranslation, err)
	}
	return nil
}
