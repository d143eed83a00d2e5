package db

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
)

// RebuildResult reports the event rollup rows written per aggregation tier.
type RebuildResult struct {
	Rows map[string]int64 `json:"rows"`
}

// Rebuilder recomputes an account's derived counters from its raw events.
// Concurrent rebuilds for the same key are serialized here; different keys
// proceed in parallel.
type Rebuilder struct {
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func NewRebuilder() *Rebuilder {
	return &Rebuilder{keys: map[string]*sync.Mutex{}}
}

func (r *Rebuilder) keyLock(accountKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.keys[accountKey]
	if !ok {
		m = &sync.Mutex{}
		r.keys[accountKey] = m
	}
	return m
}

// Rebuild recomputes AccountRollup, every event/field rollup and the payload
// key frequencies for the account from its raw events, replacing the prior
// rows wholesale. The rewrite happens inside one transaction, so readers see
// either the old rollups or the new ones, never a half-rebuilt set. On
// failure the prior rollups remain queryable and the aggregation states are
// marked error. Idempotent: it always recomputes from the immutable raw
// source rather than adjusting incrementally.
func (r *Rebuilder) Rebuild(gdb *gorm.DB, accountKey string) (*RebuildResult, error) {
	m := r.keyLock(accountKey)
	m.Lock()
	defer m.Unlock()

	var states []AggregationState
	if err := gdb.Where("account_key = ?", accountKey).Find(&states).Error; err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrNoSchema
	}
	hourly := false
	for _, st := range states {
		if st.Granularity == AggHourly {
			hourly = true
		}
	}

	if err := gdb.Model(&AggregationState{}).Where("account_key = ?", accountKey).
		Updates(map[string]any{"status": StatusBuilding, "last_updated": time.Now().UTC()}).Error; err != nil {
		return nil, err
	}

	result, err := rebuildOnce(gdb, accountKey, hourly)
	if err != nil {
		// The transaction rolled back, so prior rollups are untouched and
		// stay queryable, stale but correct as of the last good build.
		if serr := gdb.Model(&AggregationState{}).Where("account_key = ?", accountKey).
			Updates(map[string]any{"status": StatusError, "last_updated": time.Now().UTC()}).Error; serr != nil {
			log.Printf("rebuild: marking states error for account %s: %v", accountKey, serr)
		}
		return nil, err
	}

	for _, st := range states {
		if err := gdb.Model(&AggregationState{}).
			Where("account_key = ? AND granularity = ?", accountKey, st.Granularity).
			Updates(map[string]any{
				"status":       StatusActive,
				"row_count":    result.Rows[st.Granularity],
				"covered_from": time.Time{},
				"last_updated": time.Now().UTC(),
			}).Error; err != nil {
			return nil, err
		}
	}
	return result, nil
}

// bucketField keys an in-memory field accumulator by bucket and field name.
type bucketField struct {
	bucket int64
	name   string
}

func rebuildOnce(gdb *gorm.DB, accountKey string, hourly bool) (*RebuildResult, error) {
	var schema []FieldSchema
	if err := gdb.Where("account_key = ?", accountKey).Find(&schema).Error; err != nil {
		return nil, err
	}
	numeric := make(map[string]string, len(schema))
	for _, f := range schema {
		if isNumericType(f.FieldType) {
			numeric[f.FieldName] = f.FieldType
		}
	}

	dayCounts := map[int64]int64{}
	hourCounts := map[int64]int64{}
	dayFields := map[bucketField]*FieldRollup{}
	hourFields := map[bucketField]*FieldRollup{}
	keyFreq := map[string]*EventKeyFrequency{}
	totals := AccountRollup{AccountKey: accountKey}

	result := &RebuildResult{Rows: map[string]int64{}}

	err := gdb.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&EventRollup{}, &FieldRollup{}, &EventKeyFrequency{}, &AccountRollup{}} {
			if err := tx.Where("account_key = ?", accountKey).Delete(model).Error; err != nil {
				return err
			}
		}

		var events []RawEvent
		scan := tx.Where("account_key = ?", accountKey).Order("id").
			FindInBatches(&events, 500, func(_ *gorm.DB, _ int) error {
				for _, e := range events {
					et := e.EventTime.UTC()
					totals.TotalEvents++
					if b, err := json.Marshal(e.Payload); err == nil {
						totals.TotalEventBytes += int64(len(b))
					}
					if totals.EarliestEvent == nil || et.Before(*totals.EarliestEvent) {
						t := et
						totals.EarliestEvent = &t
					}
					if totals.LatestEvent == nil || et.After(*totals.LatestEvent) {
						t := et
						totals.LatestEvent = &t
					}

					day := dayStart(et)
					dayCounts[day.Unix()]++
					if hourly {
						hourCounts[hourStart(et).Unix()]++
					}

					for name, raw := range e.Payload {
						kf := keyFreq[name]
						if kf == nil {
							kf = &EventKeyFrequency{AccountKey: accountKey, FieldName: name}
							keyFreq[name] = kf
						}
						kf.OccurrenceCount++
						if e.IngestedAt.After(kf.LastSeen) {
							kf.LastSeen = e.IngestedAt
						}

						fieldType, declared := numeric[name]
						if !declared {
							continue
						}
						v, ok := numericValue(fieldType, raw)
						if !ok {
							continue
						}
						accumulateField(dayFields, accountKey, RollupDay, day, name, v)
						if hourly {
							accumulateField(hourFields, accountKey, RollupHour, hourStart(et), name, v)
						}
					}
				}
				return nil
			})
		if scan.Error != nil {
			return scan.Error
		}

		// KV totals are recomputed from the live kv table; everything else
		// comes from the raw event scan above.
		var kv struct {
			Pairs int64
			Bytes int64
		}
		if err := tx.Model(&KVPair{}).
			Select("count(*) as pairs, coalesce(sum(length(name) + length(value)), 0) as bytes").
			Where("account_key = ?", accountKey).
			Scan(&kv).Error; err != nil {
			return err
		}
		totals.TotalKVPairs, totals.TotalKVBytes = kv.Pairs, kv.Bytes

		dayRows := make([]EventRollup, 0, len(dayCounts))
		for bucket, count := range dayCounts {
			dayRows = append(dayRows, EventRollup{
				AccountKey:  accountKey,
				Granularity: RollupDay,
				BucketStart: time.Unix(bucket, 0).UTC(),
				EventCount:  count,
			})
		}
		hourRows := make([]EventRollup, 0, len(hourCounts))
		for bucket, count := range hourCounts {
			hourRows = append(hourRows, EventRollup{
				AccountKey:  accountKey,
				Granularity: RollupHour,
				BucketStart: time.Unix(bucket, 0).UTC(),
				EventCount:  count,
			})
		}
		fieldRows := make([]FieldRollup, 0, len(dayFields)+len(hourFields))
		for _, fr := range dayFields {
			fieldRows = append(fieldRows, *fr)
		}
		for _, fr := range hourFields {
			fieldRows = append(fieldRows, *fr)
		}
		freqRows := make([]EventKeyFrequency, 0, len(keyFreq))
		for _, kf := range keyFreq {
			freqRows = append(freqRows, *kf)
		}

		if len(dayRows) > 0 {
			if err := tx.CreateInBatches(&dayRows, 200).Error; err != nil {
				return err
			}
		}
		if len(hourRows) > 0 {
			if err := tx.CreateInBatches(&hourRows, 200).Error; err != nil {
				return err
			}
		}
		if len(fieldRows) > 0 {
			if err := tx.CreateInBatches(&fieldRows, 200).Error; err != nil {
				return err
			}
		}
		if len(freqRows) > 0 {
			if err := tx.CreateInBatches(&freqRows, 200).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&totals).Error; err != nil {
			return err
		}

		result.Rows[AggDaily] = int64(len(dayRows))
		if hourly {
			result.Rows[AggHourly] = int64(len(hourRows))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func accumulateField(m map[bucketField]*FieldRollup, accountKey, granularity string, bucket time.Time, name string, v float64) {
	k := bucketField{bucket: bucket.Unix(), name: name}
	fr := m[k]
	if fr == nil {
		m[k] = &FieldRollup{
			AccountKey:  accountKey,
			Granularity: granularity,
			BucketStart: bucket,
			FieldName:   name,
			ValueSum:    v,
			ValueCount:  1,
			MinValue:    v,
			MaxValue:    v,
		}
		return
	}
	fr.ValueSum += v
	fr.ValueCount++
	if v < fr.MinValue {
		fr.MinValue = v
	}
	if v > fr.MaxValue {
		fr.MaxValue = v
	}
}
