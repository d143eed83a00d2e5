package middleware

import (
	"strings"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"datawell/internal/config"
	dbpkg "datawell/internal/db"
	httpctx "datawell/internal/http/ctx"
)

// APIKeyAuth validates the X-API-Key header against active accounts.
func APIKeyAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			key := strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
			if key == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("missing X-API-Key header")
				return
			}

			var acct dbpkg.Account
			if err := db.Where("key = ? AND active = ?", key, true).First(&acct).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					ctx.SetStatusCode(fasthttp.StatusUnauthorized)
					ctx.SetBodyString("invalid API key")
					return
				}
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("database error")
				return
			}

			httpctx.SetAccount(ctx, &acct)
			next(ctx)
		}
	}
}

// AdminAuth guards provisioning endpoints with the configured admin key.
// If no admin key is configured, these endpoints are disabled outright.
func AdminAuth(cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if cfg.AdminKey == "" {
				ctx.SetStatusCode(fasthttp.StatusForbidden)
				ctx.SetBodyString("account provisioning is disabled")
				return
			}
			key := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Admin-Key")))
			if key == "" || key != cfg.AdminKey {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid admin key")
				return
			}
			next(ctx)
		}
	}
}
