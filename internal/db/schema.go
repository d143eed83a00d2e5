package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// ErrNoSchema is returned by operations that require a declared schema.
var ErrNoSchema = errors.New("no schema defined for this account")

var validFieldTypes = map[string]bool{
	FieldInt32:   true,
	FieldInt64:   true,
	FieldFloat32: true,
	FieldFloat64: true,
	FieldString:  true,
	FieldBool:    true,
}

func isNumericType(t string) bool {
	switch t {
	case FieldInt32, FieldInt64, FieldFloat32, FieldFloat64:
		return true
	}
	return false
}

// numericValue coerces a raw payload value for a declared numeric field.
// Values that cannot be read as numbers are skipped rather than counted as
// zero, so absent readings never drag an average down.
func numericValue(fieldType string, raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if fieldType == FieldInt32 || fieldType == FieldInt64 {
		v = math.Trunc(v)
	}
	return v, true
}

// SchemaField is one declared payload field.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SchemaInfo is the full declared schema together with the aggregation
// states the admin API surfaces for operator visibility.
type SchemaInfo struct {
	Fields       []SchemaField               `json:"fields"`
	Aggregations map[string]AggregationState `json:"aggregations"`
}

// DefineSchema validates and stores the account's field schema, replacing
// any prior field set. All requested aggregation states are reset to pending
// with the activation boundary at the start of the next UTC day: the current
// day is partial by definition, and historical days stay raw-derived until a
// rebuild backfills them. Existing raw data is never touched here.
func DefineSchema(gdb *gorm.DB, accountKey string, fields []SchemaField, aggregations []string) error {
	if len(fields) == 0 {
		return errors.New("schema requires at least one field")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return errors.New("schema field name must not be empty")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate schema field %q", f.Name)
		}
		seen[f.Name] = true
		if !validFieldTypes[f.Type] {
			return fmt.Errorf("unsupported type %q for field %q", f.Type, f.Name)
		}
	}

	if len(aggregations) == 0 {
		aggregations = []string{AggDaily}
	}
	tiers := make([]string, 0, 2)
	tierSeen := make(map[string]bool, 2)
	for _, g := range aggregations {
		if g != AggHourly && g != AggDaily {
			return fmt.Errorf("unsupported aggregation granularity %q", g)
		}
		if !tierSeen[g] {
			tierSeen[g] = true
			tiers = append(tiers, g)
		}
	}

	now := time.Now().UTC()
	covered := nextDayStart(now)

	return gdb.Transaction(func(tx *gorm.DB) error {
		// Redefinition replaces the field set and invalidates prior
		// aggregation states; a rebuild recovers history cleanly from raw.
		if err := tx.Where("account_key = ?", accountKey).Delete(&FieldSchema{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_key = ?", accountKey).Delete(&AggregationState{}).Error; err != nil {
			return err
		}
		for _, f := range fields {
			row := FieldSchema{AccountKey: accountKey, FieldName: f.Name, FieldType: f.Type}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, tier := range tiers {
			st := AggregationState{
				AccountKey:  accountKey,
				Granularity: tier,
				Status:      StatusPending,
				CoveredFrom: covered,
				LastUpdated: now,
			}
			if err := tx.Create(&st).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSchema returns the declared schema and aggregation states, or nil when
// the account has no schema.
func GetSchema(gdb *gorm.DB, accountKey string) (*SchemaInfo, error) {
	var fields []FieldSchema
	if err := gdb.Where("account_key = ?", accountKey).Order("field_name").Find(&fields).Error; err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := &SchemaInfo{Aggregations: map[string]AggregationState{}}
	for _, f := range fields {
		info.Fields = append(info.Fields, SchemaField{Name: f.FieldName, Type: f.FieldType})
	}

	var states []AggregationState
	if err := gdb.Where("account_key = ?", accountKey).Find(&states).Error; err != nil {
		return nil, err
	}
	for _, st := range states {
		info.Aggregations[st.Granularity] = st
	}
	return info, nil
}

// DeleteSchema removes the field schema and aggregation states. Raw events
// are never touched; future ingests simply stop accumulating per-field
// rollups for the now-undeclared fields.
func DeleteSchema(gdb *gorm.DB, accountKey string) (removedFields int64, removedAggs []string, err error) {
	err = gdb.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("account_key = ?", accountKey).Delete(&FieldSchema{})
		if res.Error != nil {
			return res.Error
		}
		removedFields = res.RowsAffected

		var states []AggregationState
		if err := tx.Where("account_key = ?", accountKey).Find(&states).Error; err != nil {
			return err
		}
		for _, st := range states {
			removedAggs = append(removedAggs, st.Granularity)
		}
		return tx.Where("account_key = ?", accountKey).Delete(&AggregationState{}).Error
	})
	return removedFields, removedAggs, err
}
