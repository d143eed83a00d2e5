package handlers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"datawell/internal/config"
	dbpkg "datawell/internal/db"
)

type aggregateRequest struct {
	Granularity string `json:"granularity"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// granularityAlias maps the accepted spellings onto the router's
// granularities. The rollup tier names double as aliases.
var granularityAlias = map[string]string{
	"hour":    dbpkg.GranularityHour,
	"hourly":  dbpkg.GranularityHour,
	"day":     dbpkg.GranularityDay,
	"daily":   dbpkg.GranularityDay,
	"week":    dbpkg.GranularityWeek,
	"weekly":  dbpkg.GranularityWeek,
	"month":   dbpkg.GranularityMonth,
	"monthly": dbpkg.GranularityMonth,
}

// Aggregate answers time-bucketed aggregate queries. Results come from
// rollups when they are authoritative for the range and from raw scans
// otherwise; the response shape is identical either way.
func Aggregate(db *gorm.DB, cfg *config.Config) fasthttp.RequestHandler {
	maxHourlySpan := time.Duration(cfg.HourlyScanMaxDays) * 24 * time.Hour
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}

		var req aggregateRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		granularity, ok := granularityAlias[req.Granularity]
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "granularity must be one of hour, day, week, month")
			return
		}

		now := time.Now().UTC()
		end := now.AddDate(0, 0, 1)
		if t, ok := parseDate(req.EndDate); ok {
			end = t.AddDate(0, 0, 1) // inclusive calendar day
		} else if req.EndDate != "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}

		var start time.Time
		if t, ok := parseDate(req.StartDate); ok {
			start = t
		} else if req.StartDate != "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		} else if granularity == dbpkg.GranularityHour {
			// Hourly ranges are bounded by policy; default to the widest
			// span allowed rather than all history.
			start = end.Add(-maxHourlySpan)
		}

		buckets, err := dbpkg.QueryAggregate(db, acct.Key, granularity, start, end, maxHourlySpan)
		if err != nil {
			switch {
			case errors.Is(err, dbpkg.ErrInvalidGranularity):
				errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
			case errors.Is(err, dbpkg.ErrRangeTooWide):
				errResponse(ctx, fasthttp.StatusBadRequest, "date range too wide for hourly granularity; narrow the range or use a coarser granularity")
			default:
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to compute aggregates")
			}
			return
		}

		var fieldNames []string
		if info, err := dbpkg.GetSchema(db, acct.Key); err == nil && info != nil {
			for _, f := range info.Fields {
				fieldNames = append(fieldNames, f.Name)
			}
		}

		jsonResponse(ctx, map[string]any{
			"status":      "success",
			"granularity": granularity,
			"fields":      fieldNames,
			"data":        buckets,
		})
	}
}
