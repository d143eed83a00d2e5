package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineSchemaValidation(t *testing.T) {
	gdb := openTestDB(t)

	tests := []struct {
		name         string
		fields       []SchemaField
		aggregations []string
	}{
		{name: "no fields", fields: nil},
		{name: "empty field name", fields: []SchemaField{{Name: "", Type: FieldInt64}}},
		{name: "duplicate field", fields: []SchemaField{
			{Name: "cpm", Type: FieldInt64}, {Name: "cpm", Type: FieldFloat64},
		}},
		{name: "unknown type", fields: []SchemaField{{Name: "cpm", Type: "decimal"}}},
		{name: "unknown aggregation", fields: []SchemaField{{Name: "cpm", Type: FieldInt64}},
			aggregations: []string{"weekly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefineSchema(gdb, "acct-invalid", tt.fields, tt.aggregations)
			require.Error(t, err)
		})
	}

	// Nothing was persisted by any of the rejected definitions.
	info, err := GetSchema(gdb, "acct-invalid")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestDefineSchemaDefaultsToDaily(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-default"

	before := time.Now().UTC()
	require.NoError(t, DefineSchema(gdb, key, []SchemaField{{Name: "cpm", Type: FieldFloat64}}, nil))

	info, err := GetSchema(gdb, key)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Len(t, info.Aggregations, 1)

	st, ok := info.Aggregations[AggDaily]
	require.True(t, ok)
	assert.Equal(t, StatusPending, st.Status)
	// The activation boundary is the next UTC day start: today's partial day
	// stays raw-derived until a rebuild backfills it.
	assert.True(t, st.CoveredFrom.Equal(nextDayStart(before)))
}

func TestRedefineSchemaReplaces(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-redefine"

	require.NoError(t, DefineSchema(gdb, key, []SchemaField{
		{Name: "cpm", Type: FieldFloat64},
		{Name: "station", Type: FieldString},
	}, []string{AggDaily, AggHourly}))

	require.NoError(t, DefineSchema(gdb, key, []SchemaField{
		{Name: "usv", Type: FieldFloat64},
	}, []string{AggDaily}))

	info, err := GetSchema(gdb, key)
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Len(t, info.Fields, 1)
	assert.Equal(t, "usv", info.Fields[0].Name)

	// The hourly state from the first definition is gone; the daily state is
	// back to pending.
	require.Len(t, info.Aggregations, 1)
	assert.Equal(t, StatusPending, info.Aggregations[AggDaily].Status)
}

func TestRedefineSchemaIsolatesHistory(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-isolate"
	day := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, DefineSchema(gdb, key, []SchemaField{{Name: "cpm", Type: FieldFloat64}}, nil))
	for i, v := range []float64{10, 20, 30} {
		at := day.Add(time.Duration(i) * time.Hour)
		seedRawEvent(t, gdb, key, at, map[string]any{"cpm": v})
		RecordEvent(gdb, key, map[string]any{"cpm": v}, at)
	}

	require.NoError(t, DefineSchema(gdb, key, []SchemaField{{Name: "usv", Type: FieldFloat64}}, nil))
	at := day.Add(6 * time.Hour)
	seedRawEvent(t, gdb, key, at, map[string]any{"usv": 1.5})
	RecordEvent(gdb, key, map[string]any{"usv": 1.5}, at)

	// The old field's accumulator is untouched by the redefinition.
	var oldField FieldRollup
	require.NoError(t, gdb.Where("account_key = ? AND field_name = ?", key, "cpm").First(&oldField).Error)
	assert.Equal(t, 60.0, oldField.ValueSum)

	// A rebuild under the new schema recomputes cleanly from raw: only the
	// newly declared field accumulates, event counts cover all raw rows.
	_, err := NewRebuilder().Rebuild(gdb, key)
	require.NoError(t, err)

	var fields []FieldRollup
	require.NoError(t, gdb.Where("account_key = ?", key).Find(&fields).Error)
	require.Len(t, fields, 1)
	assert.Equal(t, "usv", fields[0].FieldName)
	assert.Equal(t, 1.5, fields[0].ValueSum)

	var er EventRollup
	require.NoError(t, gdb.Where("account_key = ? AND granularity = ?", key, RollupDay).First(&er).Error)
	assert.Equal(t, int64(4), er.EventCount)
}

func TestDeleteSchemaKeepsRawEvents(t *testing.T) {
	gdb := openTestDB(t)
	key := "acct-delete"

	require.NoError(t, DefineSchema(gdb, key, []SchemaField{
		{Name: "cpm", Type: FieldFloat64},
		{Name: "usv", Type: FieldFloat64},
	}, []string{AggDaily, AggHourly}))
	seedRawEvent(t, gdb, key, time.Now().UTC(), map[string]any{"cpm": 12.0})

	fields, aggs, err := DeleteSchema(gdb, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fields)
	assert.ElementsMatch(t, []string{AggDaily, AggHourly}, aggs)

	info, err := GetSchema(gdb, key)
	require.NoError(t, err)
	assert.Nil(t, info)

	var rawCount int64
	require.NoError(t, gdb.Model(&RawEvent{}).Where("account_key = ?", key).Count(&rawCount).Error)
	assert.Equal(t, int64(1), rawCount)
}

func TestNumericValueCoercion(t *testing.T) {
	tests := []struct {
		name      string
		fieldType string
		raw       any
		want      float64
		ok        bool
	}{
		{"float64 passthrough", FieldFloat64, 12.5, 12.5, true},
		{"json float for int field truncates", FieldInt64, 12.9, 12.0, true},
		{"numeric string", FieldFloat64, "3.25", 3.25, true},
		{"non-numeric string", FieldFloat64, "hot", 0, false},
		{"bool is not numeric", FieldFloat64, true, 0, false},
		{"nil is not numeric", FieldFloat64, nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := numericValue(tt.fieldType, tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
