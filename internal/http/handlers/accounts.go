package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "datawell/internal/db"
)

type createAccountRequest struct {
	Name            string `json:"name"`
	RateLimitPerMin int    `json:"rate_limit_per_min,omitempty"`
}

// CreateAccount provisions a new account with a fresh API key. Admin only.
func CreateAccount(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createAccountRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "name is required")
			return
		}
		if req.RateLimitPerMin < 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "rate_limit_per_min must not be negative")
			return
		}

		acct, err := dbpkg.CreateAccount(db, req.Name, req.RateLimitPerMin)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to create account")
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{
			"status": "success",
			"account": map[string]any{
				"name":               acct.Name,
				"key":                acct.Key,
				"rate_limit_per_min": acct.RateLimitPerMin,
			},
		})
	}
}

// DeleteAccount removes an account and every row scoped to it. Admin only.
func DeleteAccount(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, _ := ctx.UserValue("key").(string)
		if key == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "account key is required")
			return
		}

		var acct dbpkg.Account
		res := db.Where("key = ?", key).Limit(1).Find(&acct)
		if res.Error != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to look up account")
			return
		}
		if acct.ID == 0 {
			errResponse(ctx, fasthttp.StatusNotFound, "account not found")
			return
		}

		if err := dbpkg.DeleteAccount(db, key); err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete account")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "success", "removed": acct.Name})
	}
}
