package messages

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/models"
	"roomlog/pkg/schema"
	"roomlog/pkg/translate"
)

// Result is the outcome of a fan-out mutation: one message, several, or
// none.
type Result struct {
	docs []models.Message
	// UpsertedID is set when Upsert inserted a new message.
	UpsertedID string
}

// Value collapses the result: nil when nothing matched, the message when
// exactly one did, the ordered slice otherwise.
func (r Result) Value() any {
	switch len(r.docs) {
	case 0:
		return nil
	case 1:
		return r.docs[0]
	default:
		return r.docs
	}
}

// One returns the single message of the result.
func (r Result) One() (models.Message, bool) {
	if len(r.docs) != 1 {
		return nil, false
	}
	return r.docs[0], true
}

// All returns every message in match order.
func (r Result) All() []models.Message { return r.docs }

func (r Result) Len() int { return len(r.docs) }

func (r Result) Empty() bool { return len(r.docs) == 0 }

// FindOptions shape a read. Sort keys and projected fields use logical
// names.
type FindOptions struct {
	Sort   any
	Skip   int64
	Limit  int64
	Fields any
}

func mergeFindOptions(opts []FindOptions) FindOptions {
	var out FindOptions
	for _, o := range opts {
		if o.Sort != nil {
			out.Sort = o.Sort
		}
		if o.Skip > 0 {
			out.Skip = o.Skip
		}
		if o.Limit > 0 {
			out.Limit = o.Limit
		}
		if o.Fields != nil {
			out.Fields = o.Fields
		}
	}
	return out
}

// projection is an inclusion or exclusion field list. `_id` is kept
// unless excluded explicitly.
type projection struct {
	include bool
	dropID  bool
	paths   []string
}

func parseProjection(fields any) (*projection, error) {
	if fields == nil {
		return nil, nil
	}
	entries, ok := docql.Fields(fields)
	if !ok {
		return nil, fmt.Errorf("%w: fields must be a document, got %T", translate.ErrTranslation, fields)
	}
	p := &projection{}
	mode := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Key, "$") || e.Key == "" {
			return nil, fmt.Errorf("%w: projection key %q", translate.ErrTranslation, e.Key)
		}
		on := truthy(e.Value)
		if e.Key == schema.LogicalID {
			p.dropID = !on
			continue
		}
		m := -1
		if on {
			m = 1
		}
		if mode != 0 && mode != m {
			return nil, fmt.Errorf("%w: projection mixes inclusion and exclusion", translate.ErrTranslation)
		}
		mode = m
		p.paths = append(p.paths, e.Key)
	}
	p.include = mode == 1
	return p, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case int32:
		return t != 0
	case int64:
		return t != 0
	case int:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}

func (p *projection) apply(doc models.Message) models.Message {
	if p == nil {
		return doc
	}
	var out bson.M
	if p.include {
		out = bson.M{}
		for _, path := range p.paths {
			if v, ok := docql.Get(doc, path); ok {
				_ = docql.Set(out, path, v)
			}
		}
		if id, ok := doc[schema.LogicalID]; ok {
			out[schema.LogicalID] = id
		}
	} else {
		out = doc
		for _, path := range p.paths {
			docql.Unset(out, path)
		}
	}
	if p.dropID {
		delete(out, schema.LogicalID)
	}
	return out
}
