package middleware

import (
	"log"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"datawell/internal/config"
	dbpkg "datawell/internal/db"
	httpctx "datawell/internal/http/ctx"
)

// RateLimit enforces the fixed-window request budget per account before any
// endpoint handler runs. Accounts may carry an individual override; everyone
// else gets the configured default.
func RateLimit(db *gorm.DB, cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	window := time.Duration(cfg.RateWindowSeconds) * time.Second
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			limit := int64(cfg.RateLimitPerMin)
			caller := ctx.RemoteIP().String()
			if acct, ok := httpctx.AccountFromCtx(ctx); ok && acct != nil {
				caller = acct.Key
				if acct.RateLimitPerMin > 0 {
					limit = int64(acct.RateLimitPerMin)
				}
			}

			allowed, err := dbpkg.Allow(db, caller, limit, window)
			if err != nil {
				// The limiter must not take the API down with it.
				log.Printf("rate limiter error for %s: %v", caller, err)
				next(ctx)
				return
			}
			if !allowed {
				ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
				ctx.Response.Header.Set("Retry-After", window.String())
				ctx.SetBodyString("rate limit exceeded")
				return
			}
			next(ctx)
		}
	}
}
