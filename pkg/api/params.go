package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/v2/bson"

	"roomlog/pkg/messages"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func queryString(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.QueryArgs().Peek(key)))
}

func queryInt(ctx *fasthttp.RequestCtx, key string, def int64) (int64, error) {
	s := queryString(ctx, key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// queryTime accepts RFC 3339 or unix milliseconds.
func queryTime(ctx *fasthttp.RequestCtx, key string) (time.Time, bool, error) {
	s := queryString(ctx, key)
	if s == "" {
		return time.Time{}, false, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s must be RFC 3339 or unix milliseconds", key)
	}
	return t.UTC(), true, nil
}

// parseSort reads `sort=-ts,msg` into an ordered sort document.
func parseSort(s string) bson.D {
	if s == "" {
		return nil
	}
	var out bson.D
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		dir := 1
		switch {
		case strings.HasPrefix(part, "-"):
			dir, part = -1, part[1:]
		case strings.HasPrefix(part, "+"):
			part = part[1:]
		}
		if part != "" {
			out = append(out, bson.E{Key: part, Value: dir})
		}
	}
	return out
}

// parseFields reads `fields=msg,u` or `fields=-attachments`.
func parseFields(s string) bson.D {
	if s == "" {
		return nil
	}
	var out bson.D
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		v := 1
		if strings.HasPrefix(f, "-") {
			v, f = 0, f[1:]
		}
		if f != "" {
			out = append(out, bson.E{Key: f, Value: v})
		}
	}
	return out
}

// findOptions reads limit, skip, sort and fields from the query string.
// The limit defaults to 50 and is capped at 1000.
func findOptions(ctx *fasthttp.RequestCtx) (messages.FindOptions, error) {
	limit, err := queryInt(ctx, "limit", defaultLimit)
	if err != nil {
		return messages.FindOptions{}, err
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}
	skip, err := queryInt(ctx, "skip", 0)
	if err != nil {
		return messages.FindOptions{}, err
	}
	fo := messages.FindOptions{Skip: skip, Limit: limit}
	if s := parseSort(queryString(ctx, "sort")); s != nil {
		fo.Sort = s
	}
	if f := parseFields(queryString(ctx, "fields")); f != nil {
		fo.Fields = f
	}
	return fo, nil
}
