// Package messages exposes the room event log as a mutable message
// collection. Every mutation appends an event, waits for it to be
// dispatched and returns the projected message.
package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/dispatch"
	"roomlog/pkg/docql"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/logger"
	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
	"roomlog/pkg/projector"
	"roomlog/pkg/schema"
	"roomlog/pkg/telemetry"
	"roomlog/pkg/translate"
)

var (
	ErrAppend   = errors.New("append failed")
	ErrDispatch = errors.New("dispatch failed")
)

// EventLog is the subset of the event log the collection needs.
type EventLog interface {
	Append(ctx context.Context, req eventlog.AppendRequest) (models.RoomEvent, error)
	Query(ctx context.Context, pred any, opts eventlog.QueryOptions) (*eventlog.Cursor, error)
	QueryOne(ctx context.Context, pred any, opts eventlog.QueryOptions) (models.RoomEvent, bool, error)
}

// Options configure a Collection.
type Options struct {
	// Source is stamped on events whose document carries no `src`.
	Source string
	// WaitTimeout bounds the wait for dispatch. Zero waits on ctx only.
	WaitTimeout time.Duration
}

// Collection is the message CRUD surface.
type Collection struct {
	log      EventLog
	dispatch dispatch.Dispatcher
	opts     Options
	now      func() time.Time
	newID    func() string
}

// New returns a collection over log, dispatching through d.
func New(log EventLog, d dispatch.Dispatcher, opts Options) *Collection {
	return &Collection{
		log:      log,
		dispatch: d,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Operations.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// commit appends one event and blocks until it has been dispatched. The
// returned event is valid whenever the append succeeded, even if dispatch
// failed.
func (c *Collection) commit(ctx context.Context, req eventlog.AppendRequest, tr *telemetry.Trace) (models.RoomEvent, error) {
	if req.Src == "" {
		req.Src = c.opts.Source
	}
	e, err := c.log.Append(ctx, req)
	if err != nil {
		metrics.AppendErrors.Inc()
		return models.RoomEvent{}, fmt.Errorf("%w: %w", ErrAppend, err)
	}
	tr.Mark("append")

	wctx := ctx
	if c.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, c.opts.WaitTimeout)
		defer cancel()
	}
	if err := c.dispatch.Dispatch(wctx, e).Wait(wctx); err != nil {
		logger.Warn("dispatch_wait_failed", "event", e.ID, "clid", e.Clid, "type", e.T, "error", err)
		return e, fmt.Errorf("%w: event %s: %w", ErrDispatch, e.ID, err)
	}
	tr.Mark("dispatch")
	return e, nil
}

// Insert stores a new message and returns its id. A missing `_id` is
// generated.
func (c *Collection) Insert(ctx context.Context, doc models.Message) (id string, err error) {
	start := time.Now()
	defer func() { observe("insert", start, err) }()

	m, err := c.insert(ctx, doc)
	if err != nil {
		return "", err
	}
	return models.MessageID(m), nil
}

func (c *Collection) insert(ctx context.Context, doc models.Message) (models.Message, error) {
	tr := telemetry.Track("messages.insert")
	defer tr.Finish()

	w, err := projector.ToVersionedPayload(doc)
	if err != nil {
		return nil, err
	}
	if w.EntityID == "" {
		w.EntityID = c.newID()
	}
	e, err := c.commit(ctx, eventlog.AppendRequest{
		Clid: w.EntityID,
		Cid:  w.ContainerID,
		Type: w.Type,
		Src:  w.Src,
		TS:   w.TS,
		D:    w.Payload,
	}, tr)
	if err != nil {
		return nil, err
	}
	head, _ := projector.Fold([]models.RoomEvent{e})
	return projector.ToLogical(head), nil
}

// Find returns a cursor over current messages matching q.
func (c *Collection) Find(ctx context.Context, q any, opts ...FindOptions) (*Cursor, error) {
	return c.find(ctx, q, translate.Options{}, mergeFindOptions(opts))
}

// FindOne returns the first current message matching q, or nil.
func (c *Collection) FindOne(ctx context.Context, q any, opts ...FindOptions) (models.Message, error) {
	return c.findOne(ctx, q, translate.Options{}, mergeFindOptions(opts))
}

// FindOneByID returns the current message with the given id, or nil.
func (c *Collection) FindOneByID(ctx context.Context, id string, opts ...FindOptions) (models.Message, error) {
	return c.FindOne(ctx, bson.D{{Key: schema.LogicalID, Value: id}}, opts...)
}

// FindByIDs returns a cursor over the current messages among ids.
func (c *Collection) FindByIDs(ctx context.Context, ids []string, opts ...FindOptions) (*Cursor, error) {
	in := make(bson.A, len(ids))
	for i, id := range ids {
		in[i] = id
	}
	return c.Find(ctx, bson.D{{Key: schema.LogicalID, Value: bson.D{{Key: "$in", Value: in}}}}, opts...)
}

// TrashFind returns a cursor over deleted messages matching q.
func (c *Collection) TrashFind(ctx context.Context, q any, opts ...FindOptions) (*Cursor, error) {
	return c.find(ctx, q, translate.Options{Trash: true}, mergeFindOptions(opts))
}

// TrashFindOneByID returns the deleted message with the given id, or nil.
func (c *Collection) TrashFindOneByID(ctx context.Context, id string, opts ...FindOptions) (models.Message, error) {
	return c.findOne(ctx, bson.D{{Key: schema.LogicalID, Value: id}}, translate.Options{Trash: true}, mergeFindOptions(opts))
}

// TrashFindDeletedAfter returns deleted messages matching q whose tombstone
// is newer than after.
func (c *Collection) TrashFindDeletedAfter(ctx context.Context, after time.Time, q any, opts ...FindOptions) (*Cursor, error) {
	return c.find(ctx, q, translate.Options{Trash: true, DeletedAfter: after}, mergeFindOptions(opts))
}

func (c *Collection) find(ctx context.Context, q any, topts translate.Options, fo FindOptions) (cur *Cursor, err error) {
	start := time.Now()
	defer func() { observe("find", start, err) }()

	res, err := translate.ToVersionedQuery(q, topts)
	if err != nil {
		return nil, err
	}
	sort, err := translate.Sort(fo.Sort)
	if err != nil {
		return nil, err
	}
	proj, err := parseProjection(fo.Fields)
	if err != nil {
		return nil, err
	}
	qopts := eventlog.QueryOptions{Sort: sort, Skip: fo.Skip, Limit: fo.Limit}
	lc, err := c.log.Query(ctx, res.Query, qopts)
	if err != nil {
		return nil, queryErr(err)
	}
	return &Cursor{
		log:   c.log,
		pred:  res.Query,
		opts:  qopts,
		inner: lc,
		proj:  proj,
	}, nil
}

func (c *Collection) findOne(ctx context.Context, q any, topts translate.Options, fo FindOptions) (models.Message, error) {
	fo.Limit = 1
	cur, err := c.find(ctx, q, topts, fo)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if !cur.Next(ctx) {
		return nil, cur.Err()
	}
	return cur.Doc(), nil
}

// heads materialises the current heads matching q before any event is
// appended for them.
func (c *Collection) heads(ctx context.Context, q any) ([]models.RoomEvent, error) {
	res, err := translate.ToVersionedQuery(q, translate.Options{})
	if err != nil {
		return nil, err
	}
	cur, err := c.log.Query(ctx, res.Query, eventlog.QueryOptions{})
	if err != nil {
		return nil, queryErr(err)
	}
	defer cur.Close()
	return cur.All(ctx)
}

// queryErr reports predicate validation failures as translation errors.
// Everything else, context errors included, passes through.
func queryErr(err error) error {
	if errors.Is(err, docql.ErrMalformed) || errors.Is(err, docql.ErrUnsupportedOperator) {
		return fmt.Errorf("%w: %w", translate.ErrTranslation, err)
	}
	return err
}

// checkUpdate rejects updates the log cannot express as an edit event.
func checkUpdate(update any) error {
	if err := docql.ValidateUpdate(update); err != nil {
		return fmt.Errorf("%w: %w", translate.ErrTranslation, err)
	}
	paths, err := docql.Paths(update)
	if err != nil {
		return fmt.Errorf("%w: %w", translate.ErrTranslation, err)
	}
	for _, p := range paths {
		head, _, _ := strings.Cut(p, ".")
		if schema.IsReserved(head) || schema.IsAddressable(head) || head == projector.OriginField {
			return fmt.Errorf("%w: %s cannot be updated", translate.ErrTranslation, p)
		}
	}
	return nil
}

// Update appends one edit event per current message matching q. The
// result holds the updated messages in match order.
func (c *Collection) Update(ctx context.Context, q any, update any) (res Result, err error) {
	start := time.Now()
	defer func() { observe("update", start, err) }()
	return c.update(ctx, q, update)
}

func (c *Collection) update(ctx context.Context, q any, update any) (res Result, err error) {
	tr := telemetry.Track("messages.update")
	defer tr.Finish()

	if err := checkUpdate(update); err != nil {
		return res, err
	}
	heads, err := c.heads(ctx, q)
	if err != nil {
		return res, err
	}
	tr.Mark("match")
	for _, head := range heads {
		if err := docql.Apply(docql.Doc(head.D), update, docql.ApplyOptions{Now: c.now()}); err != nil {
			return res, fmt.Errorf("%w: %w", translate.ErrTranslation, err)
		}
	}
	for _, head := range heads {
		d, err := projector.EditPayload(update, head.ID)
		if err != nil {
			return res, fmt.Errorf("%w: %w", translate.ErrTranslation, err)
		}
		e, err := c.commit(ctx, eventlog.AppendRequest{
			Clid: head.Clid,
			Cid:  head.Cid,
			Type: models.EventEditMessage,
			TS:   c.now(),
			D:    d,
		}, tr)
		if err != nil {
			return res, err
		}
		res.docs = append(res.docs, projector.ToLogical(projector.Apply(head, e)))
	}
	return res, nil
}

// Remove appends a delete event per current message matching q. The
// result holds the tombstoned messages.
func (c *Collection) Remove(ctx context.Context, q any) (res Result, err error) {
	start := time.Now()
	defer func() { observe("remove", start, err) }()
	tr := telemetry.Track("messages.remove")
	defer tr.Finish()

	heads, err := c.heads(ctx, q)
	if err != nil {
		return res, err
	}
	tr.Mark("match")
	for _, head := range heads {
		e, err := c.commit(ctx, eventlog.AppendRequest{
			Clid: head.Clid,
			Cid:  head.Cid,
			Type: models.EventDeleteMessage,
			TS:   c.now(),
		}, tr)
		if err != nil {
			return res, err
		}
		res.docs = append(res.docs, projector.ToLogical(projector.Apply(head, e)))
	}
	return res, nil
}

// Upsert updates the current messages matching q, or inserts one built
// from the equality fields of q with update applied. The existence check
// and the insert are not fenced: a concurrent insert of the same entity
// in between surfaces as ErrAppend wrapping eventlog.ErrDuplicate.
func (c *Collection) Upsert(ctx context.Context, q any, update any) (res Result, err error) {
	start := time.Now()
	defer func() { observe("upsert", start, err) }()

	if err := checkUpdate(update); err != nil {
		return res, err
	}
	tres, err := translate.ToVersionedQuery(q, translate.Options{})
	if err != nil {
		return res, err
	}
	_, exists, err := c.log.QueryOne(ctx, tres.Query, eventlog.QueryOptions{})
	if err != nil {
		return res, queryErr(err)
	}
	if exists {
		return c.update(ctx, q, update)
	}

	doc, err := upsertDoc(q, update, c.now())
	if err != nil {
		return res, err
	}
	m, err := c.insert(ctx, doc)
	if err != nil {
		return res, err
	}
	res.docs = []models.Message{m}
	res.UpsertedID = models.MessageID(m)
	return res, nil
}

// upsertDoc seeds a document from the equality conditions of q and
// applies update to it as an insert.
func upsertDoc(q any, update any, now time.Time) (models.Message, error) {
	doc := bson.M{}
	entries, _ := docql.Fields(q)
	for _, e := range entries {
		if strings.HasPrefix(e.Key, "$") {
			continue
		}
		v := e.Value
		if ops, ok := docql.Fields(v); ok && len(ops) > 0 && strings.HasPrefix(ops[0].Key, "$") {
			if len(ops) != 1 || ops[0].Key != "$eq" {
				continue
			}
			v = ops[0].Value
		}
		if err := docql.Set(doc, e.Key, docql.ToM(v)); err != nil {
			return nil, fmt.Errorf("%w: %w", translate.ErrTranslation, err)
		}
	}
	seed := docql.Doc(doc)
	if err := docql.Apply(doc, update, docql.ApplyOptions{Insert: true, Now: now}); err != nil {
		return nil, fmt.Errorf("%w: %w", translate.ErrTranslation, err)
	}
	for _, k := range []string{schema.LogicalID, schema.LogicalRoomID} {
		if _, ok := doc[k]; !ok {
			if v, ok := seed[k]; ok {
				doc[k] = v
			}
		}
	}
	return doc, nil
}
