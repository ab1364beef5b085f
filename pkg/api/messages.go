package api

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/docql"
	"roomlog/pkg/messages"
	"roomlog/pkg/models"
	"roomlog/pkg/router"
)

func (s *Server) createMessage(ctx *fasthttp.RequestCtx) {
	rid := router.Param(ctx, "rid")
	var body bson.D
	if err := decodeBody(ctx, &body); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	doc := docql.Doc(body)
	if v, ok := doc["rid"]; ok && v != rid {
		writeError(ctx, fasthttp.StatusBadRequest, "rid in body does not match path")
		return
	}
	doc["rid"] = rid

	var (
		id  string
		err error
	)
	if s.deps.Chat != nil {
		id, err = s.deps.Chat.Insert(ctx, doc)
	} else {
		id, err = s.deps.Messages.Insert(ctx, doc)
	}
	if err != nil && id == "" {
		writeErr(ctx, err)
		return
	}
	writeDoc(ctx, fasthttp.StatusCreated, bson.D{{Key: "_id", Value: id}})
}

func (s *Server) listRoomMessages(ctx *fasthttp.RequestCtx) {
	q := bson.D{{Key: "rid", Value: router.Param(ctx, "rid")}}
	since, ok, err := queryTime(ctx, "since")
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if ok {
		q = append(q, bson.E{Key: "ts", Value: bson.D{{Key: "$gt", Value: since}}})
	}
	fo, err := findOptions(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	cur, err := s.deps.Messages.Find(ctx, q, fo)
	s.writeCursor(ctx, cur, err)
}

func (s *Server) listRoomTrash(ctx *fasthttp.RequestCtx) {
	q := bson.D{{Key: "rid", Value: router.Param(ctx, "rid")}}
	fo, err := findOptions(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	after, ok, err := queryTime(ctx, "deleted_after")
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	var cur *messages.Cursor
	if ok {
		cur, err = s.deps.Messages.TrashFindDeletedAfter(ctx, after, q, fo)
	} else {
		cur, err = s.deps.Messages.TrashFind(ctx, q, fo)
	}
	s.writeCursor(ctx, cur, err)
}

func (s *Server) writeCursor(ctx *fasthttp.RequestCtx, cur *messages.Cursor, err error) {
	if err != nil {
		writeErr(ctx, err)
		return
	}
	docs, err := cur.Fetch(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	writeDoc(ctx, fasthttp.StatusOK, bson.D{
		{Key: "messages", Value: wireDocs(docs)},
		{Key: "count", Value: len(docs)},
	})
}

func (s *Server) writeOne(ctx *fasthttp.RequestCtx, m models.Message, err error) {
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if m == nil {
		writeError(ctx, fasthttp.StatusNotFound, "message not found")
		return
	}
	writeDoc(ctx, fasthttp.StatusOK, wireDoc(m))
}

func (s *Server) getMessage(ctx *fasthttp.RequestCtx) {
	fo, err := findOptions(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	m, err := s.deps.Messages.FindOneByID(ctx, router.Param(ctx, "id"), messages.FindOptions{Fields: fo.Fields})
	s.writeOne(ctx, m, err)
}

func (s *Server) getTrashedMessage(ctx *fasthttp.RequestCtx) {
	m, err := s.deps.Messages.TrashFindOneByID(ctx, router.Param(ctx, "id"))
	s.writeOne(ctx, m, err)
}

// updateMessage applies an update document, or with ?upsert=true creates
// the message when it does not exist.
func (s *Server) updateMessage(ctx *fasthttp.RequestCtx) {
	id := router.Param(ctx, "id")
	var update bson.D
	if err := decodeBody(ctx, &update); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	q := bson.D{{Key: "_id", Value: id}}
	if ctx.QueryArgs().GetBool("upsert") {
		if rid := queryString(ctx, "rid"); rid != "" {
			q = append(q, bson.E{Key: "rid", Value: rid})
		}
		res, err := s.deps.Messages.Upsert(ctx, q, update)
		if err != nil {
			writeErr(ctx, err)
			return
		}
		status := fasthttp.StatusOK
		if res.UpsertedID != "" {
			status = fasthttp.StatusCreated
		}
		writeDoc(ctx, status, bson.D{{Key: "messages", Value: wireDocs(res.All())}, {Key: "upsertedId", Value: res.UpsertedID}})
		return
	}

	res, err := s.deps.Messages.Update(ctx, q, update)
	s.writeUpdated(ctx, res, err)
}

func (s *Server) deleteMessage(ctx *fasthttp.RequestCtx) {
	id := router.Param(ctx, "id")
	var (
		res messages.Result
		err error
	)
	if s.deps.Chat != nil {
		res, err = s.deps.Chat.RemoveByID(ctx, id)
	} else {
		res, err = s.deps.Messages.Remove(ctx, bson.D{{Key: "_id", Value: id}})
	}
	s.writeUpdated(ctx, res, err)
}

type queryRequest struct {
	Filter       bson.D     `bson:"filter"`
	Sort         bson.D     `bson:"sort,omitempty"`
	Skip         int64      `bson:"skip,omitempty"`
	Limit        int64      `bson:"limit,omitempty"`
	Fields       bson.D     `bson:"fields,omitempty"`
	Trash        bool       `bson:"trash,omitempty"`
	DeletedAfter *time.Time `bson:"deletedAfter,omitempty"`
}

// queryMessages runs an arbitrary filter.
func (s *Server) queryMessages(ctx *fasthttp.RequestCtx) {
	var req queryRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if req.Filter == nil {
		req.Filter = bson.D{}
	}
	if req.Limit <= 0 || req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	fo := messages.FindOptions{Skip: req.Skip, Limit: req.Limit}
	if req.Sort != nil {
		fo.Sort = req.Sort
	}
	if req.Fields != nil {
		fo.Fields = req.Fields
	}

	var (
		cur *messages.Cursor
		err error
	)
	switch {
	case req.DeletedAfter != nil:
		cur, err = s.deps.Messages.TrashFindDeletedAfter(ctx, *req.DeletedAfter, req.Filter, fo)
	case req.Trash:
		cur, err = s.deps.Messages.TrashFind(ctx, req.Filter, fo)
	default:
		cur, err = s.deps.Messages.Find(ctx, req.Filter, fo)
	}
	s.writeCursor(ctx, cur, err)
}

func (s *Server) listUndelivered(ctx *fasthttp.RequestCtx) {
	if s.deps.Log == nil {
		writeError(ctx, fasthttp.StatusNotImplemented, "undelivered listing unavailable")
		return
	}
	limit, err := queryInt(ctx, "limit", 100)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	olderThan := time.Now()
	if raw := queryString(ctx, "older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "older_than must be a duration")
			return
		}
		olderThan = olderThan.Add(-d)
	}
	events, err := s.deps.Log.Undelivered(ctx, olderThan, int(limit))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	out := make(bson.A, len(events))
	for i, e := range events {
		out[i] = e
	}
	writeDoc(ctx, fasthttp.StatusOK, bson.D{{Key: "events", Value: out}, {Key: "count", Value: len(events)}})
}
