package handlers

import (
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "datawell/internal/db"
)

// kvName extracts and validates the {name} path segment.
func kvName(ctx *fasthttp.RequestCtx) (string, bool) {
	name, _ := ctx.UserValue("name").(string)
	if name == "" || len(name) > 255 {
		errResponse(ctx, fasthttp.StatusBadRequest, "key name must be 1-255 characters")
		return "", false
	}
	return name, true
}

// SetValue stores one key/value pair, replacing any prior value, and adjusts
// the account's lifetime kv counters by the size delta.
func SetValue(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		name, ok := kvName(ctx)
		if !ok {
			return
		}
		value := append([]byte(nil), ctx.PostBody()...)

		var prior dbpkg.KVPair
		res := db.Where("account_key = ? AND name = ?", acct.Key, name).Limit(1).Find(&prior)
		if res.Error != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to read prior value")
			return
		}
		existed := prior.ID != 0

		row := dbpkg.KVPair{
			AccountKey: acct.Key,
			Name:       name,
			Value:      value,
			UpdatedAt:  time.Now().UTC(),
		}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_key"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to store value")
			return
		}

		newBytes := int64(len(name) + len(value))
		if existed {
			oldBytes := int64(len(prior.Name) + len(prior.Value))
			dbpkg.RecordKVChange(db, acct.Key, 0, newBytes-oldBytes)
		} else {
			dbpkg.RecordKVChange(db, acct.Key, 1, newBytes)
		}

		jsonResponse(ctx, map[string]any{"status": "success", "name": name, "bytes": len(value)})
	}
}

// GetValue returns the stored bytes verbatim.
func GetValue(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		name, ok := kvName(ctx)
		if !ok {
			return
		}

		var pair dbpkg.KVPair
		res := db.Where("account_key = ? AND name = ?", acct.Key, name).Limit(1).Find(&pair)
		if res.Error != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to read value")
			return
		}
		if pair.ID == 0 {
			errResponse(ctx, fasthttp.StatusNotFound, "key not found")
			return
		}
		ctx.SetContentType("application/octet-stream")
		ctx.SetBody(pair.Value)
	}
}

// DeleteValue removes one key/value pair and adjusts the kv counters.
func DeleteValue(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		name, ok := kvName(ctx)
		if !ok {
			return
		}

		var pair dbpkg.KVPair
		res := db.Where("account_key = ? AND name = ?", acct.Key, name).Limit(1).Find(&pair)
		if res.Error != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to read value")
			return
		}
		if pair.ID == 0 {
			errResponse(ctx, fasthttp.StatusNotFound, "key not found")
			return
		}

		if err := db.Delete(&pair).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete value")
			return
		}
		dbpkg.RecordKVChange(db, acct.Key, -1, -int64(len(pair.Name)+len(pair.Value)))
		jsonResponse(ctx, map[string]any{"status": "success", "removed": name})
	}
}

// ListValues lists key names with sizes, without the values themselves.
func ListValues(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}

		var pairs []dbpkg.KVPair
		if err := db.Where("account_key = ?", acct.Key).Order("name").Find(&pairs).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list keys")
			return
		}

		keys := make([]map[string]any, 0, len(pairs))
		for _, p := range pairs {
			keys = append(keys, map[string]any{
				"name":       p.Name,
				"bytes":      len(p.Value),
				"updated_at": p.UpdatedAt,
			})
		}
		jsonResponse(ctx, map[string]any{"status": "success", "count": len(keys), "keys": keys})
	}
}
