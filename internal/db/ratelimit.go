package db

import (
	"log"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var rateLimitRejections = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "datawell",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the fixed-window rate limiter.",
	},
)

func init() {
	prometheus.MustRegister(rateLimitRejections)
}

// reapProbability is 1-in-N per allowed request; expired windows are cleaned
// up opportunistically instead of by a dedicated sweep process.
const reapProbability = 128

// Allow reports whether the caller may make another request in the current
// fixed window of the given length. The window-membership check and the
// increment are a single conditional UPDATE, so two concurrent requests can
// never both pass at the limit. Rejection is a normal outcome, not an error.
func Allow(gdb *gorm.DB, callerIdentity string, maxRequests int64, window time.Duration) (bool, error) {
	if maxRequests <= 0 {
		return false, nil
	}
	now := time.Now().UTC()
	liveSince := now.Add(-window)

	// Live window with headroom: increment and pass.
	res := gdb.Model(&RateWindow{}).
		Where("caller_identity = ? AND window_start > ? AND request_count < ?",
			callerIdentity, liveSince, maxRequests).
		Update("request_count", gorm.Expr("request_count + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		maybeReap(gdb, now, window)
		return true, nil
	}

	// Expired window: roll it over to a fresh one counting this request.
	res = gdb.Model(&RateWindow{}).
		Where("caller_identity = ? AND window_start <= ?", callerIdentity, liveSince).
		Updates(map[string]any{"window_start": now, "request_count": 1})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		maybeReap(gdb, now, window)
		return true, nil
	}

	// No row yet: first request for this caller. DO NOTHING on conflict so
	// a concurrent first request does not error out.
	row := RateWindow{CallerIdentity: callerIdentity, WindowStart: now, RequestCount: 1}
	res = gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "caller_identity"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Lost the insert race: one more conditional increment before rejecting.
	res = gdb.Model(&RateWindow{}).
		Where("caller_identity = ? AND window_start > ? AND request_count < ?",
			callerIdentity, liveSince, maxRequests).
		Update("request_count", gorm.Expr("request_count + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	rateLimitRejections.Inc()
	return false, nil
}

// maybeReap occasionally deletes windows expired past a grace period. The
// sampling keeps the hot path free of a guaranteed extra delete.
func maybeReap(gdb *gorm.DB, now time.Time, window time.Duration) {
	if rand.Intn(reapProbability) != 0 {
		return
	}
	cutoff := now.Add(-5 * window)
	if err := gdb.Where("window_start < ?", cutoff).Delete(&RateWindow{}).Error; err != nil {
		log.Printf("rate window reap: %v", err)
	}
}
