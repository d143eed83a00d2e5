package db

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// EventQuery is a raw-event listing request. Zero times mean unbounded;
// Order is "asc" or "desc" over the autoincrement id, which is the
// authoritative recency order even for out-of-order client timestamps.
type EventQuery struct {
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
	Order  string
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// QueryEvents lists raw events for the account, newest first by default.
func QueryEvents(gdb *gorm.DB, accountKey string, q EventQuery) ([]RawEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	order := "id DESC"
	if strings.EqualFold(q.Order, "asc") {
		order = "id ASC"
	}

	tx := gdb.Where("account_key = ?", accountKey)
	if !q.Start.IsZero() {
		tx = tx.Where("event_time >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		tx = tx.Where("event_time < ?", q.End.UTC())
	}

	var events []RawEvent
	if err := tx.Order(order).Limit(limit).Offset(q.Offset).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// AccountStats returns the lifetime summary row for the account. Accounts
// that have never written anything get a zeroed summary, not an error.
func AccountStats(gdb *gorm.DB, accountKey string) (*AccountRollup, error) {
	var stats AccountRollup
	err := gdb.Where("account_key = ?", accountKey).Limit(1).Find(&stats).Error
	if err != nil {
		return nil, err
	}
	stats.AccountKey = accountKey
	return &stats, nil
}

// CommonKeys returns the most frequently observed payload field names,
// served from the frequency rollup instead of scanning raw events.
func CommonKeys(gdb *gorm.DB, accountKey string, limit int) ([]EventKeyFrequency, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	var keys []EventKeyFrequency
	err := gdb.Where("account_key = ?", accountKey).
		Order("occurrence_count DESC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ClearEvents deletes every raw event for the account together with the
// event-derived rollups, leaving kv counters and request rollups in place.
// Returns the number of raw events removed.
func ClearEvents(gdb *gorm.DB, accountKey string) (int64, error) {
	var removed int64
	err := gdb.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("account_key = ?", accountKey).Delete(&RawEvent{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected

		for _, model := range []any{&EventRollup{}, &FieldRollup{}, &EventKeyFrequency{}} {
			if err := tx.Where("account_key = ?", accountKey).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&AccountRollup{}).Where("account_key = ?", accountKey).
			Updates(map[string]any{
				"total_events":      0,
				"total_event_bytes": 0,
				"earliest_event":    nil,
				"latest_event":      nil,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&AggregationState{}).Where("account_key = ?", accountKey).
			Updates(map[string]any{"row_count": 0, "last_updated": time.Now().UTC()}).Error
	})
	return removed, err
}
