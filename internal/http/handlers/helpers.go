package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "datawell/internal/db"
	httpctx "datawell/internal/http/ctx"
)

// MustAccount returns the authenticated account from context, or sends 401
// and returns (nil, false).
func MustAccount(ctx *fasthttp.RequestCtx) (*dbpkg.Account, bool) {
	acct, ok := httpctx.AccountFromCtx(ctx)
	if !ok || acct == nil {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString("unauthorized")
		return nil, false
	}
	return acct, true
}

func jsonResponse(ctx *fasthttp.RequestCtx, data map[string]any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	jsonResponse(ctx, map[string]any{"status": "error", "message": msg})
}

// parseDate parses a YYYY-MM-DD date as a UTC day start.
func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
