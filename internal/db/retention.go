package db

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, deleting
// raw request-log rows older than the configured retention horizon. Rollup
// counters derived from those requests are unaffected.
func runRetentionOnce(db *gorm.DB, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return db.Where("occurred_at < ?", cutoff).Delete(&RawRequestLog{}).Error
}

// StartRetentionWorker launches a background goroutine that runs the
// request-log retention cleanup once at startup and then once per day.
func StartRetentionWorker(db *gorm.DB, retentionDays int) {
	go func() {
		if err := runRetentionOnce(db, retentionDays); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(db, retentionDays); err != nil {
				log.Printf("retention cleanup error: %v", err)
			}
		}
	}()
}
