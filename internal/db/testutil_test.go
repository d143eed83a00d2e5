package db

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB opens an in-memory database with the full schema. A single
// connection keeps the in-memory database alive and serializes concurrent
// writers the way a real server's connection pool would under contention.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(AllModels()...))
	return gdb
}

// seedRawEvent inserts one raw event directly, bypassing the accumulator.
func seedRawEvent(t *testing.T, gdb *gorm.DB, accountKey string, eventTime time.Time, payload map[string]any) {
	t.Helper()

	data := datatypes.JSONMap{}
	for k, v := range payload {
		data[k] = v
	}
	row := RawEvent{
		AccountKey: accountKey,
		EventTime:  eventTime.UTC(),
		IngestedAt: time.Now().UTC(),
		Payload:    data,
	}
	require.NoError(t, gdb.Create(&row).Error)
}
