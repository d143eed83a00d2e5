package db

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"datawell/internal/config"
)

// AllModels is the full migration set, in dependency order.
func AllModels() []any {
	return []any{
		&Account{},
		&RawEvent{},
		&RawRequestLog{},
		&KVPair{},
		&EventRollup{},
		&FieldRollup{},
		&RequestRollup{},
		&EndpointRollup{},
		&AccountRollup{},
		&EventKeyFrequency{},
		&FieldSchema{},
		&AggregationState{},
		&RateWindow{},
	}
}

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, err
	}

	return db, nil
}

// EnsureBootstrapAccount makes sure the bootstrap account from config exists
// and is active. If an account with that key already exists, it is left as-is.
func EnsureBootstrapAccount(gdb *gorm.DB, cfg *config.Config) error {
	if cfg.BootstrapAccountKey == "" {
		return nil
	}

	var count int64
	if err := gdb.Model(&Account{}).Where("key = ?", cfg.BootstrapAccountKey).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	acct := &Account{
		Name:   "bootstrap",
		Key:    cfg.BootstrapAccountKey,
		Active: true,
	}
	return gdb.Create(acct).Error
}

// CreateAccount provisions a new tenant with a generated opaque key.
func CreateAccount(gdb *gorm.DB, name string, rateLimitPerMin int) (*Account, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("account name is required")
	}
	acct := &Account{
		Name:            strings.TrimSpace(name),
		Key:             uuid.NewString(),
		Active:          true,
		RateLimitPerMin: rateLimitPerMin,
	}
	if err := gdb.Create(acct).Error; err != nil {
		return nil, err
	}
	return acct, nil
}

// DeleteAccount removes an account and every row keyed by its account key.
// The account exclusively owns all scoped rows, so this is a full cascade.
func DeleteAccount(gdb *gorm.DB, accountKey string) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		scoped := []any{
			&RawEvent{}, &RawRequestLog{}, &KVPair{},
			&EventRollup{}, &FieldRollup{}, &RequestRollup{}, &EndpointRollup{},
			&AccountRollup{}, &EventKeyFrequency{}, &FieldSchema{}, &AggregationState{},
		}
		for _, model := range scoped {
			if err := tx.Where("account_key = ?", accountKey).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("key = ?", accountKey).Delete(&Account{}).Error
	})
}
