package db

import (
	"encoding/json"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var rollupFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "datawell",
		Name:      "rollup_failures_total",
		Help:      "Rollup maintenance failures, logged and swallowed.",
	},
	[]string{"counter"},
)

func init() {
	prometheus.MustRegister(rollupFailures)
}

// EventSample is one ingested event whose raw row has already been written.
type EventSample struct {
	Payload   map[string]any
	EventTime time.Time
}

// maintain runs one rollup upsert. A failure is logged and counted but never
// propagated: the caller's primary write must succeed regardless.
func maintain(counter string, fn func() error) {
	if err := fn(); err != nil {
		rollupFailures.WithLabelValues(counter).Inc()
		log.Printf("rollup maintenance (%s): %v", counter, err)
	}
}

// RecordEvent updates every derived counter for one ingested event: lifetime
// account totals, the day (and, when enabled, hour) event rollup, payload key
// frequencies, and per-field numeric accumulators for declared schema fields.
func RecordEvent(gdb *gorm.DB, accountKey string, payload map[string]any, eventTime time.Time) {
	RecordEvents(gdb, accountKey, []EventSample{{Payload: payload, EventTime: eventTime}})
}

// RecordEvents is the batch form of RecordEvent. The account's schema and
// aggregation states are loaded once for the whole batch.
func RecordEvents(gdb *gorm.DB, accountKey string, samples []EventSample) {
	if len(samples) == 0 {
		return
	}

	numeric := loadNumericFields(gdb, accountKey)
	hourly := hasAggregationState(gdb, accountKey, AggHourly)

	for _, s := range samples {
		recordOne(gdb, accountKey, s, numeric, hourly)
	}
}

func recordOne(gdb *gorm.DB, accountKey string, s EventSample, numeric map[string]string, hourly bool) {
	eventTime := s.EventTime.UTC()
	var payloadBytes int64
	if b, err := json.Marshal(s.Payload); err == nil {
		payloadBytes = int64(len(b))
	}

	maintain("account_totals", func() error {
		return bumpAccountEventTotals(gdb, accountKey, eventTime, payloadBytes)
	})
	maintain("event_rollup_day", func() error {
		return bumpEventRollup(gdb, accountKey, RollupDay, dayStart(eventTime))
	})
	if hourly {
		maintain("event_rollup_hour", func() error {
			return bumpEventRollup(gdb, accountKey, RollupHour, hourStart(eventTime))
		})
	}

	seen := time.Now().UTC()
	for name, raw := range s.Payload {
		name, raw := name, raw
		maintain("key_frequency", func() error {
			return bumpKeyFrequency(gdb, accountKey, name, seen)
		})
		fieldType, declared := numeric[name]
		if !declared {
			continue
		}
		value, ok := numericValue(fieldType, raw)
		if !ok {
			continue
		}
		maintain("field_rollup_day", func() error {
			return bumpFieldRollup(gdb, accountKey, RollupDay, dayStart(eventTime), name, value)
		})
		if hourly {
			maintain("field_rollup_hour", func() error {
				return bumpFieldRollup(gdb, accountKey, RollupHour, hourStart(eventTime), name, value)
			})
		}
	}
}

// RecordRequest updates the per-day request rollup and the lifetime endpoint
// counter for one completed API request.
func RecordRequest(gdb *gorm.DB, accountKey, endpoint, method string, statusCode int) {
	now := time.Now().UTC()
	maintain("request_rollup", func() error {
		return bumpRequestRollup(gdb, accountKey, dayStart(now), statusCode)
	})
	maintain("endpoint_rollup", func() error {
		return bumpEndpointRollup(gdb, accountKey, endpoint, now)
	})
	_ = method // kept out of the rollups: endpoint name is the lifetime key
}

// RecordKVChange adjusts the lifetime key/value counters. deltaPairs and
// deltaBytes may be negative (deletes and shrinking overwrites).
func RecordKVChange(gdb *gorm.DB, accountKey string, deltaPairs, deltaBytes int64) {
	maintain("kv_totals", func() error {
		row := AccountRollup{
			AccountKey:   accountKey,
			TotalKVPairs: deltaPairs,
			TotalKVBytes: deltaBytes,
		}
		return gdb.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"total_kv_pairs": gorm.Expr("total_kv_pairs + ?", deltaPairs),
				"total_kv_bytes": gorm.Expr("total_kv_bytes + ?", deltaBytes),
			}),
		}).Create(&row).Error
	})
}

// loadNumericFields returns the declared numeric fields for the account,
// keyed by field name. Lookup failures are swallowed like any other rollup
// maintenance problem.
func loadNumericFields(gdb *gorm.DB, accountKey string) map[string]string {
	var fields []FieldSchema
	if err := gdb.Where("account_key = ?", accountKey).Find(&fields).Error; err != nil {
		log.Printf("rollup maintenance (schema lookup): %v", err)
		return nil
	}
	numeric := make(map[string]string, len(fields))
	for _, f := range fields {
		if isNumericType(f.FieldType) {
			numeric[f.FieldName] = f.FieldType
		}
	}
	return numeric
}

func hasAggregationState(gdb *gorm.DB, accountKey, granularity string) bool {
	var count int64
	if err := gdb.Model(&AggregationState{}).
		Where("account_key = ? AND granularity = ?", accountKey, granularity).
		Count(&count).Error; err != nil {
		log.Printf("rollup maintenance (state lookup): %v", err)
		return false
	}
	return count > 0
}

// Each bump below is a single atomic insert-or-increment statement. Counter
// contention resolves at the storage layer; min/max composition happens
// inside the same statement against the stored extrema.

func bumpAccountEventTotals(gdb *gorm.DB, accountKey string, eventTime time.Time, payloadBytes int64) error {
	row := AccountRollup{
		AccountKey:      accountKey,
		TotalEvents:     1,
		TotalEventBytes: payloadBytes,
		EarliestEvent:   &eventTime,
		LatestEvent:     &eventTime,
	}
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_events":      gorm.Expr("total_events + 1"),
			"total_event_bytes": gorm.Expr("total_event_bytes + ?", payloadBytes),
			"earliest_event":    gorm.Expr("CASE WHEN earliest_event IS NULL OR excluded.earliest_event < earliest_event THEN excluded.earliest_event ELSE earliest_event END"),
			"latest_event":      gorm.Expr("CASE WHEN latest_event IS NULL OR excluded.latest_event > latest_event THEN excluded.latest_event ELSE latest_event END"),
		}),
	}).Create(&row).Error
}

func bumpEventRollup(gdb *gorm.DB, accountKey, granularity string, bucketStart time.Time) error {
	row := EventRollup{
		AccountKey:  accountKey,
		Granularity: granularity,
		BucketStart: bucketStart,
		EventCount:  1,
	}
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_key"}, {Name: "granularity"}, {Name: "bucket_start"}},
		DoUpdates: clause.Assignments(map[string]any{
			"event_count": gorm.Expr("event_count + 1"),
		}),
	}).Create(&row).Error
}

func bumpFieldRollup(gdb *gorm.DB, accountKey, granularity string, bucketStart time.Time, fieldName string, value float64) error {
	row := FieldRollup{
		AccountKey:  accountKey,
		Granularity: granularity,
		BucketStart: bucketStart,
		FieldName:   fieldName,
		ValueSum:    value,
		ValueCount:  1,
		MinValue:    value,
		MaxValue:    value,
	}
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_key"}, {Name: "granularity"}, {Name: "bucket_start"}, {Name: "field_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value_sum":   gorm.Expr("value_sum + ?", value),
			"value_count": gorm.Expr("value_count + 1"),
			"min_value":   gorm.Expr("CASE WHEN excluded.min_value < min_value THEN excluded.min_value ELSE min_value END"),
			"max_value":   gorm.Expr("CASE WHEN excluded.max_value > max_value THEN excluded.max_value ELSE max_value END"),
		}),
	}).Create(&row).Error
}

func bumpKeyFrequency(gdb *gorm.DB, accountKey, fieldName string, seen time.Time) error {
	row := EventKeyFrequency{
		AccountKey:      accountKey,
		FieldName:       fieldName,
		OccurrenceCount: 1,
		LastSeen:        seen,
	}
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_key"}, {Name: "field_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"occurrence_count": gorm.Expr("occurrence_count + 1"),
			"last_seen":        gorm.Expr("excluded.last_seen"),
		}),
	}).Create(&row).Error
}

func bumpRequestRollup(gdb *gorm.DB, accountKey string, statDate time.Time, statusCode int) error {
	var success, failure int64
	if statusCode >= 400 {
		failure = 1
	} else {
		success = 1
	}
	row := RequestRollup{
		AccountKey:      accountKey,
		StatDate:        statDate,
		TotalRequests:   1,
		SuccessRequests: success,
		ErrorRequests:   failure,
	}
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_key"}, {Name: "stat_date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_requests":   gorm.Expr("total_requests + 1"),
			"success_requests": gorm.Expr("success_requests + ?", success),
			"error_requests":   gorm.Expr("error_requests + ?", failure),
		}),
	}).Create(&row).Error
}

func bumpEndpointRollup(gdb *gorm.DB, accountKey, endpoint string, at time.Time) error {
	row := EndpointRollup{
		AccountKey:    accountKey,
		Endpoint:      endpoint,
		RequestCount:  1,
		LastRequestAt: at,
	}
	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_key"}, {Name: "endpoint"}},
		DoUpdates: clause.Assignments(map[string]any{
			"request_count":   gorm.Expr("request_count + 1"),
			"last_request_at": gorm.Expr("excluded.last_request_at"),
		}),
	}).Create(&row).Error
}
