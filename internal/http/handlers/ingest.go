package handlers

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "datawell/internal/db"
)

var eventsIngested *prometheus.CounterVec

func InitPrometheusMetrics() {
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datawell",
			Name:      "events_ingested_total",
			Help:      "Total number of ingested events.",
		},
		[]string{"account"},
	)
	prometheus.MustRegister(eventsIngested)
}

type pushEvent struct {
	Data      map[string]any `json:"data"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

type pushRequest struct {
	Events []pushEvent `json:"events"`
}

// PushEvents ingests a batch of events. The raw rows are the primary write;
// rollup maintenance afterwards is best-effort and can never fail the push.
func PushEvents(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}

		var payload pushRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(payload.Events) == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no events provided")
			return
		}

		now := time.Now().UTC()
		records := make([]dbpkg.RawEvent, 0, len(payload.Events))
		samples := make([]dbpkg.EventSample, 0, len(payload.Events))

		for _, ev := range payload.Events {
			if len(ev.Data) == 0 {
				continue
			}
			eventTime := now
			if ev.Timestamp != nil {
				eventTime = ev.Timestamp.UTC()
			}

			data := datatypes.JSONMap{}
			for k, v := range ev.Data {
				data[k] = v
			}

			records = append(records, dbpkg.RawEvent{
				AccountKey: acct.Key,
				EventTime:  eventTime,
				IngestedAt: now,
				Payload:    data,
			})
			samples = append(samples, dbpkg.EventSample{Payload: ev.Data, EventTime: eventTime})
		}

		if len(records) == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no valid events after validation")
			return
		}

		if err := db.Create(&records).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to persist events")
			return
		}

		// Raw rows are durable from here on; counter upkeep is fire-and-forget.
		dbpkg.RecordEvents(db, acct.Key, samples)
		eventsIngested.WithLabelValues(acct.Name).Add(float64(len(records)))

		jsonResponse(ctx, map[string]any{"status": "success", "count": len(records)})
	}
}
