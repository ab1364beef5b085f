package api

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/messages"
	"roomlog/pkg/models"
	"roomlog/pkg/router"
)

func (s *Server) requireChat(ctx *fasthttp.RequestCtx) bool {
	if s.deps.Chat == nil {
		writeError(ctx, fasthttp.StatusNotImplemented, "room operations unavailable")
		return false
	}
	return true
}

func (s *Server) roomCount(ctx *fasthttp.RequestCtx) {
	if !s.requireChat(ctx) {
		return
	}
	rid := router.Param(ctx, "rid")
	n, err := s.deps.Chat.Count(ctx, rid)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	writeDoc(ctx, fasthttp.StatusOK, bson.D{{Key: "rid", Value: rid}, {Key: "msgs", Value: n}})
}

// purgeRoom deletes every current message of the room.
func (s *Server) purgeRoom(ctx *fasthttp.RequestCtx) {
	if !s.requireChat(ctx) {
		return
	}
	res, err := s.deps.Chat.RemoveByRoomID(ctx, router.Param(ctx, "rid"))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	writeDoc(ctx, fasthttp.StatusOK, bson.D{{Key: "removed", Value: res.Len()}})
}

type pinRequest struct {
	Pinned   *bool       `bson:"pinned"`
	PinnedBy models.User `bson:"pinnedBy"`
	PinnedAt time.Time   `bson:"pinnedAt,omitempty"`
}

func (s *Server) pinMessage(ctx *fasthttp.RequestCtx) {
	if !s.requireChat(ctx) {
		return
	}
	var req pinRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	pinned := true
	if req.Pinned != nil {
		pinned = *req.Pinned
	}
	res, err := s.deps.Chat.SetPinnedByIDAndUserID(ctx, router.Param(ctx, "id"), req.PinnedBy, pinned, req.PinnedAt)
	s.writeUpdated(ctx, res, err)
}

type hiddenRequest struct {
	Hidden *bool `bson:"hidden"`
}

func (s *Server) hideMessage(ctx *fasthttp.RequestCtx) {
	if !s.requireChat(ctx) {
		return
	}
	var req hiddenRequest
	if err := decodeBody(ctx, &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	hidden := true
	if req.Hidden != nil {
		hidden = *req.Hidden
	}
	res, err := s.deps.Chat.SetHiddenByID(ctx, router.Param(ctx, "id"), hidden)
	s.writeUpdated(ctx, res, err)
}

func (s *Server) writeUpdated(ctx *fasthttp.RequestCtx, res messages.Result, err error) {
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if res.Empty() {
		writeError(ctx, fasthttp.StatusNotFound, "message not found")
		return
	}
	if m, ok := res.One(); ok {
		writeDoc(ctx, fasthttp.StatusOK, wireDoc(m))
		return
	}
	writeDoc(ctx, fasthttp.StatusOK, bson.D{{Key: "messages", Value: wireDocs(res.All())}})
}
