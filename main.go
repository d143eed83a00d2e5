package main

import (
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"datawell/internal/config"
	"datawell/internal/db"
	"datawell/internal/http/handlers"
	appmw "datawell/internal/http/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	db.StartRetentionWorker(sqlDB, cfg.RequestLogRetentionDays)

	if err := db.EnsureBootstrapAccount(sqlDB, cfg); err != nil {
		log.Fatalf("failed to ensure bootstrap account: %v", err)
	}

	handlers.InitPrometheusMetrics()
	rebuilder := db.NewRebuilder()

	r := router.New()

	// Global middleware chain: request logger outermost, then the router.
	handler := handlers.RequestLogger(r.Handler)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.GET("/v1/metrics", handlers.AccountMetricsHandler(sqlDB))

	// Account-scoped API: key auth, then rate limiting, then request
	// accounting around every handler.
	authed := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return appmw.APIKeyAuth(sqlDB)(appmw.RateLimit(sqlDB, cfg)(appmw.RequestAccounting(sqlDB, cfg)(h)))
	}

	r.POST("/v1/event/push", authed(handlers.PushEvents(sqlDB)))
	r.POST("/v1/event/query", authed(handlers.QueryEvents(sqlDB)))
	r.POST("/v1/event/aggregate", authed(handlers.Aggregate(sqlDB, cfg)))
	r.GET("/v1/event/stats", authed(handlers.Stats(sqlDB)))
	r.DELETE("/v1/event/clear", authed(handlers.ClearEvents(sqlDB)))

	r.POST("/v1/schema", authed(handlers.DefineSchema(sqlDB)))
	r.GET("/v1/schema", authed(handlers.GetSchema(sqlDB)))
	r.DELETE("/v1/schema", authed(handlers.DeleteSchema(sqlDB)))
	r.POST("/v1/schema/rebuild", authed(handlers.RebuildSchema(sqlDB, rebuilder)))

	r.GET("/v1/data", authed(handlers.ListValues(sqlDB)))
	r.PUT("/v1/data/{name}", authed(handlers.SetValue(sqlDB)))
	r.GET("/v1/data/{name}", authed(handlers.GetValue(sqlDB)))
	r.DELETE("/v1/data/{name}", authed(handlers.DeleteValue(sqlDB)))

	r.POST("/v1/accounts", appmw.AdminAuth(cfg)(handlers.CreateAccount(sqlDB)))
	r.DELETE("/v1/accounts/{key}", appmw.AdminAuth(cfg)(handlers.DeleteAccount(sqlDB)))

	log.Printf("datawell listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
