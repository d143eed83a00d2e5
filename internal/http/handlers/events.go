package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "datawell/internal/db"
)

type eventQueryRequest struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Order     string `json:"order,omitempty"`
}

type eventView struct {
	ID         uint64         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	IngestedAt time.Time      `json:"ingested_at"`
	Data       map[string]any `json:"data"`
}

// QueryEvents lists raw events, newest first unless order=asc. End dates are
// inclusive calendar days.
func QueryEvents(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}

		var req eventQueryRequest
		if body := ctx.PostBody(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		if req.Limit < 0 || req.Offset < 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "limit and offset must not be negative")
			return
		}

		q := dbpkg.EventQuery{Limit: req.Limit, Offset: req.Offset, Order: req.Order}
		if t, ok := parseDate(req.StartDate); ok {
			q.Start = t
		} else if req.StartDate != "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		if t, ok := parseDate(req.EndDate); ok {
			q.End = t.AddDate(0, 0, 1)
		} else if req.EndDate != "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}

		events, err := dbpkg.QueryEvents(db, acct.Key, q)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to query events")
			return
		}

		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, eventView{
				ID:         e.ID,
				Timestamp:  e.EventTime,
				IngestedAt: e.IngestedAt,
				Data:       e.Payload,
			})
		}
		jsonResponse(ctx, map[string]any{"status": "success", "count": len(views), "events": views})
	}
}

// Stats serves the lifetime account summary from the single AccountRollup
// row, plus the most common payload keys, without scanning raw tables.
func Stats(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}

		stats, err := dbpkg.AccountStats(db, acct.Key)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load stats")
			return
		}
		keys, err := dbpkg.CommonKeys(db, acct.Key, 25)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load common keys")
			return
		}

		common := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			common = append(common, map[string]any{
				"name":      k.FieldName,
				"count":     k.OccurrenceCount,
				"last_seen": k.LastSeen,
			})
		}

		jsonResponse(ctx, map[string]any{
			"status": "success",
			"stats": map[string]any{
				"total_events":      stats.TotalEvents,
				"total_event_bytes": stats.TotalEventBytes,
				"total_kv_pairs":    stats.TotalKVPairs,
				"total_kv_bytes":    stats.TotalKVBytes,
				"earliest_event":    stats.EarliestEvent,
				"latest_event":      stats.LatestEvent,
			},
			"common_keys": common,
		})
	}
}

// ClearEvents wipes the account's raw events and their derived rollups.
func ClearEvents(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		removed, err := dbpkg.ClearEvents(db, acct.Key)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to clear events")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "success", "removed": removed})
	}
}
