package api

import (
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/dispatch"
	"roomlog/pkg/docql"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/logger"
	"roomlog/pkg/messages"
	"roomlog/pkg/models"
	"roomlog/pkg/projector"
	"roomlog/pkg/translate"
)

var errEmptyBody = errors.New("request body is empty")

// decodeBody parses a relaxed Extended JSON document.
func decodeBody(ctx *fasthttp.RequestCtx, v any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errEmptyBody
	}
	if err := bson.UnmarshalExtJSON(body, false, v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

// wireDoc renders a message with sorted keys so responses are stable.
func wireDoc(m models.Message) bson.D {
	if m == nil {
		return nil
	}
	return docql.ToD(m)
}

func wireDocs(ms []models.Message) bson.A {
	out := make(bson.A, len(ms))
	for i, m := range ms {
		out[i] = wireDoc(m)
	}
	return out
}

// writeDoc encodes v as relaxed Extended JSON.
func writeDoc(ctx *fasthttp.RequestCtx, status int, v any) {
	b, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		logger.Error("response_encode_failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(b)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	b, err := bson.MarshalExtJSON(bson.D{{Key: "error", Value: message}}, false, false)
	if err != nil {
		ctx.SetBodyString(`{"error":"internal error"}`)
		return
	}
	ctx.SetBody(b)
}

// statusFor maps collection errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errEmptyBody),
		errors.Is(err, translate.ErrTranslation),
		errors.Is(err, projector.ErrInvalidDocument),
		errors.Is(err, eventlog.ErrInvalidID),
		errors.Is(err, eventlog.ErrInvalidEvent):
		return fasthttp.StatusBadRequest
	case errors.Is(err, eventlog.ErrDuplicate):
		return fasthttp.StatusConflict
	case errors.Is(err, eventlog.ErrUnknownEntity):
		return fasthttp.StatusNotFound
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrQueueClosed), errors.Is(err, dispatch.ErrNotRunning):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, messages.ErrDispatch):
		return fasthttp.StatusGatewayTimeout
	}
	return fasthttp.StatusInternalServerError
}

func writeErr(ctx *fasthttp.RequestCtx, err error) {
	status := statusFor(err)
	if status >= fasthttp.StatusInternalServerError {
		logger.Error("request_failed", "method", string(ctx.Method()), "path", string(ctx.Path()), "status", status, "error", err)
	}
	writeError(ctx, status, err.Error())
}
