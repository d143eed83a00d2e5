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

// RequestAccounting records each completed request into the request rollups
// and, subject to the configured verbosity, the raw request log. Counters are
// maintained even when the raw row is skipped, so dashboards stay accurate
// under thinned logging.
func RequestAccounting(db *gorm.DB, cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			next(ctx)

			acct, ok := httpctx.AccountFromCtx(ctx)
			if !ok || acct == nil {
				return
			}

			endpoint := string(ctx.Path())
			method := string(ctx.Method())
			status := ctx.Response.StatusCode()

			dbpkg.RecordRequest(db, acct.Key, endpoint, method, status)

			if !shouldLogRequest(cfg.RequestLogVerbosity, status) {
				return
			}
			row := dbpkg.RawRequestLog{
				AccountKey: acct.Key,
				Endpoint:   endpoint,
				Method:     method,
				StatusCode: status,
				OccurredAt: time.Now().UTC(),
			}
			if err := db.Create(&row).Error; err != nil {
				log.Printf("request log write: %v", err)
			}
		}
	}
}

func shouldLogRequest(verbosity string, status int) bool {
	switch verbosity {
	case "none":
		return false
	case "errors":
		return status >= 400
	default:
		return true
	}
}
