package docql

import (
	"fmt"

	"github.com/256dpi/lungo/bsonkit"
	"github.com/256dpi/lungo/mongokit"
)

var valueOperators = map[string]struct{}{
	"$eq": {}, "$ne": {}, "$gt": {}, "$gte": {}, "$lt": {}, "$lte": {},
	"$in": {}, "$nin": {}, "$exists": {}, "$regex": {}, "$options": {},
	"$size": {}, "$all": {}, "$elemMatch": {}, "$not": {},
}

var logicalOperators = map[string]struct{}{
	"$and": {}, "$or": {}, "$nor": {},
}

// IsLogicalOperator reports whether key combines sub-predicates.
func IsLogicalOperator(key string) bool {
	_, ok := logicalOperators[key]
	return ok
}

// Filter is a validated predicate, encoded once and evaluated many times.
type Filter struct {
	query bsonkit.Doc
}

// Compile validates filter and prepares it for matching. A nil or empty
// filter matches every document.
func Compile(filter any) (*Filter, error) {
	if err := Validate(filter); err != nil {
		return nil, err
	}
	if filter == nil {
		return &Filter{}, nil
	}
	q, err := toKit(filter)
	if err != nil {
		return nil, err
	}
	if len(*q) == 0 {
		return &Filter{}, nil
	}
	return &Filter{query: q}, nil
}

// Match reports whether doc satisfies f.
func (f *Filter) Match(doc any) (bool, error) {
	if f == nil || f.query == nil {
		return true, nil
	}
	d, err := toKit(doc)
	if err != nil {
		return false, err
	}
	ok, err := mongokit.Match(d, f.query)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ok, nil
}

// Match reports whether doc satisfies filter. A nil filter matches.
func Match(doc any, filter any) (bool, error) {
	f, err := Compile(filter)
	if err != nil {
		return false, err
	}
	return f.Match(doc)
}
