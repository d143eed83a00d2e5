package db

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHourlySpan = 7 * 24 * time.Hour

func TestQueryAggregateServesFromRollups(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-q-rollup"
	day := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, gdb.Create(&AggregationState{
		AccountKey: key, Granularity: AggDaily,
		Status: StatusActive, CoveredFrom: time.Time{}, LastUpdated: time.Now().UTC(),
	}).Error)
	require.NoError(t, gdb.Create(&EventRollup{
		AccountKey: key, Granularity: RollupDay, BucketStart: day, EventCount: 7,
	}).Error)
	require.NoError(t, gdb.Create(&FieldRollup{
		AccountKey: key, Granularity: RollupDay, BucketStart: day, FieldName: "cpm",
		ValueSum: 70, ValueCount: 7, MinValue: 4, MaxValue: 19,
	}).Error)

	buckets, err := QueryAggregate(gdb, key, GranularityDay, day, day.AddDate(0, 0, 1), testHourlySpan)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.True(t, buckets[0].PeriodStart.Equal(day))
	assert.Equal(t, int64(7), buckets[0].EventCount)

	agg := buckets[0].Fields["cpm"]
	require.NotNil(t, agg)
	assert.Equal(t, 70.0, agg.Sum)
	assert.Equal(t, int64(7), agg.Count)
	assert.Equal(t, 4.0, agg.Min)
	assert.Equal(t, 19.0, agg.Max)
	assert.InDelta(t, 10.0, agg.Mean, 1e-9)
}

func TestQueryAggregateRawWhenBuilding(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-q-building"
	day := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, gdb.Create(&AggregationState{
		AccountKey: key, Granularity: AggDaily,
		Status: StatusBuilding, CoveredFrom: time.Time{}, LastUpdated: time.Now().UTC(),
	}).Error)
	// A stale rollup row that must NOT be served while the rebuild runs.
	require.NoError(t, gdb.Create(&EventRollup{
		AccountKey: key, Granularity: RollupDay, BucketStart: day, EventCount: 999,
	}).Error)

	seedRawEvent(t, gdb, key, day.Add(8*time.Hour), map[string]any{"v": 1})
	seedRawEvent(t, gdb, key, day.Add(9*time.Hour), map[string]any{"v": 2})

	buckets, err := QueryAggregate(gdb, key, GranularityDay, day, day.AddDate(0, 0, 1), testHourlySpan)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].EventCount)
}

func TestQueryAggregateActivationBoundaryMerge(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-q-boundary"
	boundary := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	before := boundary.AddDate(0, 0, -1)

	require.NoError(t, gdb.Create(&AggregationState{
		AccountKey: key, Granularity: AggDaily,
		Status: StatusActive, CoveredFrom: boundary, LastUpdated: time.Now().UTC(),
	}).Error)

	// Before the boundary only raw rows exist; at the boundary the rollup is
	// authoritative even though it deliberately disagrees with raw here.
	seedRawEvent(t, gdb, key, before.Add(3*time.Hour), map[string]any{"v": 1})
	seedRawEvent(t, gdb, key, before.Add(4*time.Hour), map[string]any{"v": 2})
	seedRawEvent(t, gdb, key, before.Add(5*time.Hour), map[string]any{"v": 3})
	seedRawEvent(t, gdb, key, boundary.Add(1*time.Hour), map[string]any{"v": 4})
	seedRawEvent(t, gdb, key, boundary.Add(2*time.Hour), map[string]any{"v": 5})
	require.NoError(t, gdb.Create(&EventRollup{
		AccountKey: key, Granularity: RollupDay, BucketStart: boundary, EventCount: 5,
	}).Error)

	buckets, err := QueryAggregate(gdb, key, GranularityDay, before, boundary.AddDate(0, 0, 1), testHourlySpan)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].PeriodStart.Equal(before))
	assert.Equal(t, int64(3), buckets[0].EventCount)
	assert.True(t, buckets[1].PeriodStart.Equal(boundary))
	assert.Equal(t, int64(5), buckets[1].EventCount)
}

func TestQueryAggregateDegradesWhenRollupsMissing(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-q-degrade"
	day := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	// Active state but no rollup rows at all (e.g. cleared): the covered
	// range degrades to a raw scan instead of returning nothing.
	require.NoError(t, gdb.Create(&AggregationState{
		AccountKey: key, Granularity: AggDaily,
		Status: StatusActive, CoveredFrom: time.Time{}, LastUpdated: time.Now().UTC(),
	}).Error)
	seedRawEvent(t, gdb, key, day.Add(time.Hour), map[string]any{"v": 1})

	buckets, err := QueryAggregate(gdb, key, GranularityDay, day, day.AddDate(0, 0, 1), testHourlySpan)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].EventCount)
}

func TestQueryAggregateFoldMatchesRaw(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-q-fold"
	faker := gofakeit.New(42)

	require.NoError(t, DefineSchema(gdb, key, []SchemaField{{Name: "cpm", Type: FieldFloat64}}, []string{AggDaily}))

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 35; d++ {
		day := base.AddDate(0, 0, d)
		for i := 0; i < 3; i++ {
			seedRawEvent(t, gdb, key, day.Add(time.Duration(faker.Number(0, 23))*time.Hour), map[string]any{
				"cpm": faker.Float64Range(1, 100),
			})
		}
	}

	_, err := NewRebuilder().Rebuild(gdb, key)
	require.NoError(t, err)

	end := base.AddDate(0, 0, 35)
	for _, granularity := range []string{GranularityWeek, GranularityMonth} {
		folded, err := QueryAggregate(gdb, key, granularity, base, end, testHourlySpan)
		require.NoError(t, err)

		// Force the raw path and compare bucket by bucket.
		require.NoError(t, gdb.Model(&AggregationState{}).Where("account_key = ?", key).
			Update("status", StatusError).Error)
		raw, err := QueryAggregate(gdb, key, granularity, base, end, testHourlySpan)
		require.NoError(t, err)
		require.NoError(t, gdb.Model(&AggregationState{}).Where("account_key = ?", key).
			Update("status", StatusActive).Error)

		require.Equal(t, len(raw), len(folded), granularity)
		for i := range raw {
			assert.True(t, folded[i].PeriodStart.Equal(raw[i].PeriodStart), granularity)
			assert.Equal(t, raw[i].EventCount, folded[i].EventCount, granularity)

			fagg, ragg := folded[i].Fields["cpm"], raw[i].Fields["cpm"]
			require.NotNil(t, fagg, granularity)
			require.NotNil(t, ragg, granularity)
			assert.Equal(t, ragg.Count, fagg.Count, granularity)
			assert.Equal(t, ragg.Min, fagg.Min, granularity)
			assert.Equal(t, ragg.Max, fagg.Max, granularity)
			assert.InDelta(t, ragg.Sum, fagg.Sum, 1e-6, granularity)
			assert.InDelta(t, ragg.Mean, fagg.Mean, 1e-6, granularity)
		}
	}
}

func TestQueryAggregateHourWithoutStateScansRaw(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-q-hour"
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	seedRawEvent(t, gdb, key, at.Add(5*time.Minute), map[string]any{"v": 1})
	seedRawEvent(t, gdb, key, at.Add(25*time.Minute), map[string]any{"v": 2})
	seedRawEvent(t, gdb, key, at.Add(65*time.Minute), map[string]any{"v": 3})

	buckets, err := QueryAggregate(gdb, key, GranularityHour, at, at.Add(2*time.Hour), testHourlySpan)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(2), buckets[0].EventCount)
	assert.Equal(t, int64(1), buckets[1].EventCount)
}

func TestQueryAggregateHourRangePolicy(t *testing.T) {
	gdb := openTestDB(t)
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := QueryAggregate(gdb, "acct-q-wide", GranularityHour, start, start.Add(testHourlySpan+time.Hour), testHourlySpan)
	assert.ErrorIs(t, err, ErrRangeTooWide)
}

func TestQueryAggregateRejectsUnknownGranularity(t *testing.T) {
	gdb := openTestDB(t)
	_, err := QueryAggregate(gdb, "acct", "fortnight", time.Time{}, time.Now(), testHourlySpan)
	assert.ErrorIs(t, err, ErrInvalidGranularity)
}

func TestQueryAggregateEmptyRange(t *testing.T) {
	gdb := openTestDB(t)
	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	buckets, err := QueryAggregate(gdb, "acct", GranularityDay, at, at, testHourlySpan)
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestWeekStartIsMonday(t *testing.T) {
	// 2025-05-01 is a Thursday; its ISO week starts Monday 2025-04-28.
	got := weekStart(time.Date(2025, 5, 1, 13, 0, 0, 0, time.UTC))
	assert.True(t, got.Equal(time.Date(2025, 4, 28, 0, 0, 0, 0, time.UTC)))

	// A Monday maps to itself.
	monday := time.Date(2025, 4, 28, 0, 0, 0, 0, time.UTC)
	assert.True(t, weekStart(monday).Equal(monday))
}
