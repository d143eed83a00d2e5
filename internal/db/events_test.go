package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryEventsOrderAndPaging(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-events"
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedRawEvent(t, gdb, key, base.Add(time.Duration(i)*time.Hour), map[string]any{"n": i})
	}

	// Newest first by default.
	events, err := QueryEvents(gdb, key, EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.True(t, events[0].EventTime.After(events[4].EventTime))

	// Ascending with limit and offset.
	events, err = QueryEvents(gdb, key, EventQuery{Order: "asc", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].EventTime.Equal(base.Add(time.Hour)))

	// Time bounds are half-open on the end.
	events, err = QueryEvents(gdb, key, EventQuery{Start: base.Add(time.Hour), End: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAccountStatsZeroForUnknownAccount(t *testing.T) {
	gdb := openTestDB(t)

	stats, err := AccountStats(gdb, "never-seen")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Zero(t, stats.TotalEvents)
	assert.Nil(t, stats.EarliestEvent)
}

func TestCommonKeysOrdering(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-keys"

	RecordEvent(gdb, key, map[string]any{"cpm": 1, "station": "west"}, time.Now().UTC())
	RecordEvent(gdb, key, map[string]any{"cpm": 2}, time.Now().UTC())
	RecordEvent(gdb, key, map[string]any{"cpm": 3}, time.Now().UTC())

	keys, err := CommonKeys(gdb, key, 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "cpm", keys[0].FieldName)
	assert.Equal(t, int64(3), keys[0].OccurrenceCount)
	assert.Equal(t, "station", keys[1].FieldName)
}

func TestClearEventsLeavesKVCountersAlone(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-clear"

	RecordEvent(gdb, key, map[string]any{"cpm": 5}, time.Now().UTC())
	seedRawEvent(t, gdb, key, time.Now().UTC(), map[string]any{"cpm": 5})
	RecordKVChange(gdb, key, 1, 32)

	removed, err := ClearEvents(gdb, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var rawCount, rollupCount int64
	require.NoError(t, gdb.Model(&RawEvent{}).Where("account_key = ?", key).Count(&rawCount).Error)
	require.NoError(t, gdb.Model(&EventRollup{}).Where("account_key = ?", key).Count(&rollupCount).Error)
	assert.Zero(t, rawCount)
	assert.Zero(t, rollupCount)

	var totals AccountRollup
	require.NoError(t, gdb.Where("account_key = ?", key).First(&totals).Error)
	assert.Zero(t, totals.TotalEvents)
	assert.Nil(t, totals.EarliestEvent)
	assert.Equal(t, int64(1), totals.TotalKVPairs)
	assert.Equal(t, int64(32), totals.TotalKVBytes)
}
