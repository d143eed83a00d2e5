package db

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

var (
	// ErrInvalidGranularity rejects granularities outside hour/day/week/month.
	ErrInvalidGranularity = errors.New("invalid granularity")

	// ErrRangeTooWide rejects hourly queries over ranges the raw-scan
	// fallback cannot serve within policy.
	ErrRangeTooWide = errors.New("date range too wide for hourly granularity")
)

var queryRawFallbacks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "datawell",
		Name:      "query_raw_fallbacks_total",
		Help:      "Aggregate queries (or sub-ranges) served by raw event scans.",
	},
	[]string{"granularity"},
)

func init() {
	prometheus.MustRegister(queryRawFallbacks)
}

// FieldAgg is the aggregate of one declared numeric field within a bucket.
// A field with no readings in a bucket is simply absent from the bucket's
// map, so "no data" is never conflated with "value was zero".
type FieldAgg struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Bucket is one period of aggregate results.
type Bucket struct {
	PeriodStart time.Time            `json:"period"`
	EventCount  int64                `json:"event_count"`
	Fields      map[string]*FieldAgg `json:"fields,omitempty"`
}

// queryStrategy names the data path chosen for an aggregate query.
type queryStrategy int

const (
	strategyRollup queryStrategy = iota // read materialized rollup rows
	strategyFold                        // fold day rollups into coarser buckets
	strategyRaw                         // aggregate raw events on the fly
)

// pickStrategy is a pure function of the requested granularity and the
// governing aggregation state; all fallback decisions live here instead of
// being scattered across call sites.
func pickStrategy(granularity string, st *AggregationState) queryStrategy {
	switch granularity {
	case GranularityHour:
		// The hour tier is only materialized for accounts that opted in.
		if st != nil && rollupAuthoritative(st) {
			return strategyRollup
		}
		return strategyRaw
	case GranularityDay:
		if rollupAuthoritative(st) {
			return strategyRollup
		}
		return strategyRaw
	case GranularityWeek, GranularityMonth:
		if rollupAuthoritative(st) {
			return strategyFold
		}
		return strategyRaw
	}
	return strategyRaw
}

// rollupAuthoritative reports whether rollup rows may serve reads under st.
// A missing state row still authorizes base event counts: day rollups are
// maintained unconditionally from the first ingested event. Building and
// errored states force the raw path so mid-rebuild or suspect rollups are
// never presented as precise.
func rollupAuthoritative(st *AggregationState) bool {
	if st == nil {
		return true
	}
	return st.Status == StatusPending || st.Status == StatusActive
}

func coveredFrom(st *AggregationState) time.Time {
	if st == nil {
		return time.Time{}
	}
	return st.CoveredFrom
}

// QueryAggregate answers an aggregate query over [start, end) at the given
// granularity, choosing the cheapest correct source: materialized rollups,
// day rollups folded into coarser buckets, or a raw event scan when rollups
// are absent, stale or mid-migration. Buckets are ascending by period start.
func QueryAggregate(gdb *gorm.DB, accountKey, granularity string, start, end time.Time, maxHourlySpan time.Duration) ([]Bucket, error) {
	switch granularity {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidGranularity, granularity)
	}

	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return []Bucket{}, nil
	}
	// Hourly ranges are bounded by policy: the raw fallback is only viable
	// over a handful of days.
	if granularity == GranularityHour && end.Sub(start) > maxHourlySpan {
		return nil, ErrRangeTooWide
	}

	st, err := governingState(gdb, accountKey, granularity)
	if err != nil {
		return nil, err
	}

	switch pickStrategy(granularity, st) {
	case strategyRollup:
		tier := RollupDay
		if granularity == GranularityHour {
			tier = RollupHour
		}
		return tierBuckets(gdb, accountKey, tier, start, end, st)
	case strategyFold:
		days, err := tierBuckets(gdb, accountKey, RollupDay, start, end, st)
		if err != nil {
			return nil, err
		}
		return foldBuckets(days, granularity), nil
	default:
		queryRawFallbacks.WithLabelValues(granularity).Inc()
		out := map[int64]*Bucket{}
		if err := rawInto(gdb, accountKey, granularity, start, end, out); err != nil {
			return nil, err
		}
		return finalizeBuckets(out), nil
	}
}

// governingState loads the aggregation state that gates the query: the
// hourly tier for hour queries, the daily tier for everything else. A
// missing row is returned as nil, which is not an error.
func governingState(gdb *gorm.DB, accountKey, granularity string) (*AggregationState, error) {
	tier := AggDaily
	if granularity == GranularityHour {
		tier = AggHourly
	}
	var st AggregationState
	err := gdb.Where("account_key = ? AND granularity = ?", accountKey, tier).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// tierBuckets reads one materialized rollup tier over [start, end), merging
// in raw-derived buckets for the sub-range that predates rollup activation.
// Every bucket is sourced exactly once, so the merge cannot double count.
func tierBuckets(gdb *gorm.DB, accountKey, tier string, start, end time.Time, st *AggregationState) ([]Bucket, error) {
	granularity := GranularityDay
	if tier == RollupHour {
		granularity = GranularityHour
	}

	boundary := coveredFrom(st)
	rawEnd := boundary
	if rawEnd.After(end) {
		rawEnd = end
	}
	rollupStart := boundary
	if rollupStart.Before(start) {
		rollupStart = start
	}

	out := map[int64]*Bucket{}

	if end.After(rollupStart) {
		if err := readRollups(gdb, accountKey, tier, rollupStart, end, out); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			// Rollups absent for the covered range (not yet built, or
			// cleared): degrade to a raw scan over the same range.
			queryRawFallbacks.WithLabelValues(granularity).Inc()
			if err := rawInto(gdb, accountKey, granularity, rollupStart, end, out); err != nil {
				return nil, err
			}
		}
	}
	if rawEnd.After(start) {
		queryRawFallbacks.WithLabelValues(granularity).Inc()
		if err := rawInto(gdb, accountKey, granularity, start, rawEnd, out); err != nil {
			return nil, err
		}
	}

	return finalizeBuckets(out), nil
}

func readRollups(gdb *gorm.DB, accountKey, tier string, start, end time.Time, out map[int64]*Bucket) error {
	var rollups []EventRollup
	if err := gdb.Where(
		"account_key = ? AND granularity = ? AND bucket_start >= ? AND bucket_start < ?",
		accountKey, tier, start, end,
	).Find(&rollups).Error; err != nil {
		return err
	}
	for _, r := range rollups {
		bs := r.BucketStart.UTC()
		out[bs.Unix()] = &Bucket{PeriodStart: bs, EventCount: r.EventCount}
	}

	var fields []FieldRollup
	if err := gdb.Where(
		"account_key = ? AND granularity = ? AND bucket_start >= ? AND bucket_start < ?",
		accountKey, tier, start, end,
	).Find(&fields).Error; err != nil {
		return err
	}
	for _, f := range fields {
		bs := f.BucketStart.UTC()
		b := out[bs.Unix()]
		if b == nil {
			b = &Bucket{PeriodStart: bs}
			out[bs.Unix()] = b
		}
		if b.Fields == nil {
			b.Fields = map[string]*FieldAgg{}
		}
		b.Fields[f.FieldName] = &FieldAgg{
			Sum:   f.ValueSum,
			Count: f.ValueCount,
			Min:   f.MinValue,
			Max:   f.MaxValue,
		}
	}
	return nil
}

// rawInto aggregates raw events over [start, end) directly into out,
// extracting declared numeric fields from the semi-structured payloads.
// The degraded path: correct, just slower.
func rawInto(gdb *gorm.DB, accountKey, granularity string, start, end time.Time, out map[int64]*Bucket) error {
	var schema []FieldSchema
	if err := gdb.Where("account_key = ?", accountKey).Find(&schema).Error; err != nil {
		return err
	}
	numeric := make(map[string]string, len(schema))
	for _, f := range schema {
		if isNumericType(f.FieldType) {
			numeric[f.FieldName] = f.FieldType
		}
	}

	var events []RawEvent
	res := gdb.Where(
		"account_key = ? AND event_time >= ? AND event_time < ?",
		accountKey, start, end,
	).FindInBatches(&events, 500, func(_ *gorm.DB, _ int) error {
		for _, e := range events {
			bs := bucketStartFor(granularity, e.EventTime.UTC())
			b := out[bs.Unix()]
			if b == nil {
				b = &Bucket{PeriodStart: bs}
				out[bs.Unix()] = b
			}
			b.EventCount++

			for name, fieldType := range numeric {
				raw, present := e.Payload[name]
				if !present {
					continue
				}
				v, ok := numericValue(fieldType, raw)
				if !ok {
					continue
				}
				if b.Fields == nil {
					b.Fields = map[string]*FieldAgg{}
				}
				agg := b.Fields[name]
				if agg == nil {
					b.Fields[name] = &FieldAgg{Sum: v, Count: 1, Min: v, Max: v}
					continue
				}
				agg.Sum += v
				agg.Count++
				if v < agg.Min {
					agg.Min = v
				}
				if v > agg.Max {
					agg.Max = v
				}
			}
		}
		return nil
	})
	return res.Error
}

// foldBuckets re-aggregates day buckets into week or month buckets: counts
// and sums add, min/max take the extremum.
func foldBuckets(days []Bucket, granularity string) []Bucket {
	out := map[int64]*Bucket{}
	for _, d := range days {
		bs := bucketStartFor(granularity, d.PeriodStart)
		b := out[bs.Unix()]
		if b == nil {
			b = &Bucket{PeriodStart: bs}
			out[bs.Unix()] = b
		}
		b.EventCount += d.EventCount

		for name, agg := range d.Fields {
			if b.Fields == nil {
				b.Fields = map[string]*FieldAgg{}
			}
			merged := b.Fields[name]
			if merged == nil {
				b.Fields[name] = &FieldAgg{Sum: agg.Sum, Count: agg.Count, Min: agg.Min, Max: agg.Max}
				continue
			}
			merged.Sum += agg.Sum
			merged.Count += agg.Count
			if agg.Min < merged.Min {
				merged.Min = agg.Min
			}
			if agg.Max > merged.Max {
				merged.Max = agg.Max
			}
		}
	}
	return finalizeBuckets(out)
}

// finalizeBuckets computes derived means and returns buckets ascending by
// period start.
func finalizeBuckets(out map[int64]*Bucket) []Bucket {
	buckets := make([]Bucket, 0, len(out))
	for _, b := range out {
		for _, agg := range b.Fields {
			if agg.Count > 0 {
				agg.Mean = agg.Sum / float64(agg.Count)
			}
		}
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].PeriodStart.Before(buckets[j].PeriodStart)
	})
	return buckets
}

func bucketStartFor(granularity string, t time.Time) time.Time {
	switch granularity {
	case GranularityHour:
		return hourStart(t)
	case GranularityWeek:
		return weekStart(t)
	case GranularityMonth:
		return monthStart(t)
	default:
		return dayStart(t)
	}
}

func hourStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart returns the ISO week start (Monday) containing t.
func weekStart(t time.Time) time.Time {
	d := dayStart(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nextDayStart(t time.Time) time.Time {
	return dayStart(t).AddDate(0, 0, 1)
}
