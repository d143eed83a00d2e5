package db

import (
	"time"

	"gorm.io/datatypes"
)

// Granularities accepted by the query router.
const (
	GranularityHour  = "hour"
	GranularityDay   = "day"
	GranularityWeek  = "week"
	GranularityMonth = "month"
)

// Rollup tiers materialized in the event rollup tables. Week and month
// buckets are never stored; they are folded from day rows at query time.
const (
	RollupHour = "hour"
	RollupDay  = "day"
)

// Aggregation tiers an account schema can request. "daily" is always
// maintained for base event counts; "hourly" is opt-in.
const (
	AggHourly = "hourly"
	AggDaily  = "daily"
)

// AggregationState statuses.
const (
	StatusPending  = "pending"
	StatusBuilding = "building"
	StatusActive   = "active"
	StatusError    = "error"
)

// Field types accepted in an account schema. Only the numeric kinds
// participate in per-field rollups.
const (
	FieldInt32   = "int32"
	FieldInt64   = "int64"
	FieldFloat32 = "float32"
	FieldFloat64 = "float64"
	FieldString  = "string"
	FieldBool    = "bool"
)

// Account is a tenant. Every raw and rollup row in the system is scoped
// by the account's Key, and deleting an account removes all of them.
type Account struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Name is a human-friendly label (e.g. "weather-station-3").
	Name string `gorm:"size:128;not null"`

	// Key is the opaque API key value presented in X-API-Key.
	Key string `gorm:"uniqueIndex;size:64;not null"`

	// Active indicates whether this account may ingest and query.
	Active bool `gorm:"default:true"`

	// RateLimitPerMin overrides the global request budget when > 0.
	RateLimitPerMin int `gorm:"not null;default:0"`
}

// RawEvent is an append-only ingested event. ID is the authoritative
// recency order; EventTime is client-supplied and may arrive out of order.
type RawEvent struct {
	ID uint64 `gorm:"primaryKey"`

	AccountKey string    `gorm:"index:idx_raw_events_account_time,priority:1;size:64;not null"`
	EventTime  time.Time `gorm:"index:idx_raw_events_account_time,priority:2;not null"`
	IngestedAt time.Time `gorm:"not null"`

	// Payload holds the event's named values. Declared schema fields are
	// extracted from here for numeric rollups; everything else is opaque.
	Payload datatypes.JSONMap `gorm:"type:json"`
}

// RawRequestLog is one row per completed API request, subject to the
// configured log verbosity. Append-only.
type RawRequestLog struct {
	ID uint64 `gorm:"primaryKey"`

	AccountKey string    `gorm:"index;size:64;not null"`
	Endpoint   string    `gorm:"size:255;not null"`
	Method     string    `gorm:"size:16;not null"`
	StatusCode int       `gorm:"not null"`
	OccurredAt time.Time `gorm:"index;not null"`
}

// KVPair is one key/value entry in an account's plain store.
type KVPair struct {
	ID uint `gorm:"primaryKey"`

	AccountKey string `gorm:"uniqueIndex:idx_kv_account_name,priority:1;size:64;not null"`
	Name       string `gorm:"uniqueIndex:idx_kv_account_name,priority:2;size:255;not null"`
	Value      []byte
	UpdatedAt  time.Time
}

// EventRollup is the pre-aggregated event count for one time bucket.
// Day buckets are always maintained by the accumulator; hour buckets only
// while the account has an hourly aggregation state.
type EventRollup struct {
	ID uint `gorm:"primaryKey"`

	AccountKey  string    `gorm:"uniqueIndex:idx_event_rollup_unique,priority:1;size:64;not null"`
	Granularity string    `gorm:"uniqueIndex:idx_event_rollup_unique,priority:2;size:8;not null"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_event_rollup_unique,priority:3;not null"`

	EventCount int64 `gorm:"not null"`
}

// FieldRollup accumulates one declared numeric field for one time bucket:
// sum and count add across writes, min/max extend. Sufficient to derive
// mean/min/max for the bucket and to fold into coarser buckets.
type FieldRollup struct {
	ID uint `gorm:"primaryKey"`

	AccountKey  string    `gorm:"uniqueIndex:idx_field_rollup_unique,priority:1;size:64;not null"`
	Granularity string    `gorm:"uniqueIndex:idx_field_rollup_unique,priority:2;size:8;not null"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_field_rollup_unique,priority:3;not null"`
	FieldName   string    `gorm:"uniqueIndex:idx_field_rollup_unique,priority:4;size:128;not null"`

	ValueSum   float64 `gorm:"not null"`
	ValueCount int64   `gorm:"not null"`
	MinValue   float64 `gorm:"not null"`
	MaxValue   float64 `gorm:"not null"`
}

// RequestRollup is the per-day request counter for an account.
type RequestRollup struct {
	ID uint `gorm:"primaryKey"`

	AccountKey string    `gorm:"uniqueIndex:idx_request_rollup_unique,priority:1;size:64;not null"`
	StatDate   time.Time `gorm:"uniqueIndex:idx_request_rollup_unique,priority:2;not null"`

	TotalRequests   int64 `gorm:"not null"`
	SuccessRequests int64 `gorm:"not null"`
	ErrorRequests   int64 `gorm:"not null"`
}

// EndpointRollup is the lifetime request counter per endpoint.
type EndpointRollup struct {
	ID uint `gorm:"primaryKey"`

	AccountKey string `gorm:"uniqueIndex:idx_endpoint_rollup_unique,priority:1;size:64;not null"`
	Endpoint   string `gorm:"uniqueIndex:idx_endpoint_rollup_unique,priority:2;size:255;not null"`

	RequestCount  int64     `gorm:"not null"`
	LastRequestAt time.Time `gorm:"not null"`
}

// AccountRollup is the lifetime summary for an account: the single row the
// dashboard reads in O(1) instead of scanning raw tables.
type AccountRollup struct {
	ID uint `gorm:"primaryKey"`

	AccountKey string `gorm:"uniqueIndex;size:64;not null"`

	TotalEvents     int64 `gorm:"not null"`
	TotalKVPairs    int64 `gorm:"not null"`
	TotalKVBytes    int64 `gorm:"not null"`
	TotalEventBytes int64 `gorm:"not null"`

	EarliestEvent *time.Time
	LatestEvent   *time.Time
}

// EventKeyFrequency tracks how often a payload field name has been seen,
// so "common properties" can be surfaced without scanning raw events.
type EventKeyFrequency struct {
	ID uint `gorm:"primaryKey"`

	AccountKey string `gorm:"uniqueIndex:idx_key_freq_unique,priority:1;size:64;not null"`
	FieldName  string `gorm:"uniqueIndex:idx_key_freq_unique,priority:2;size:128;not null"`

	OccurrenceCount int64     `gorm:"not null"`
	LastSeen        time.Time `gorm:"not null"`
}

// FieldSchema is one user-declared field. Presence of any rows for an
// account activates numeric accumulation for the named numeric fields.
type FieldSchema struct {
	ID uint `gorm:"primaryKey"`

	AccountKey string `gorm:"uniqueIndex:idx_field_schema_unique,priority:1;size:64;not null"`
	FieldName  string `gorm:"uniqueIndex:idx_field_schema_unique,priority:2;size:128;not null"`
	FieldType  string `gorm:"size:16;not null"`
}

// AggregationState tracks whether an account's rollups for one tier are
// caught up with raw data. CoveredFrom is the activation boundary: buckets
// at or after it are rollup-authoritative, earlier buckets must be derived
// from raw rows. A successful rebuild sets CoveredFrom to the zero time.
type AggregationState struct {
	ID uint `gorm:"primaryKey"`

	AccountKey  string `gorm:"uniqueIndex:idx_agg_state_unique,priority:1;size:64;not null"`
	Granularity string `gorm:"uniqueIndex:idx_agg_state_unique,priority:2;size:8;not null"`

	Status      string    `gorm:"size:16;not null"`
	RowCount    int64     `gorm:"not null"`
	CoveredFrom time.Time `gorm:"not null"`
	LastUpdated time.Time `gorm:"not null"`
}

// RateWindow is the live fixed-window counter for one caller. Expired rows
// are reaped opportunistically by the limiter itself.
type RateWindow struct {
	ID uint `gorm:"primaryKey"`

	CallerIdentity string    `gorm:"uniqueIndex;size:128;not null"`
	WindowStart    time.Time `gorm:"not null"`
	RequestCount   int64     `gorm:"not null"`
}
