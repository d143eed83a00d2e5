package handlers

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "datawell/internal/db"
)

type schemaRequest struct {
	Fields       []dbpkg.SchemaField `json:"fields"`
	Aggregations []string            `json:"aggregations,omitempty"`
}

// DefineSchema declares (or redeclares) the account's field schema. Invalid
// definitions are rejected before any aggregation state is touched.
func DefineSchema(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}

		var req schemaRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		if err := dbpkg.DefineSchema(db, acct.Key, req.Fields, req.Aggregations); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}

		info, err := dbpkg.GetSchema(db, acct.Key)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load schema")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{"status": "success", "schema": info})
	}
}

// GetSchema returns the declared schema with per-tier aggregation status,
// or a null schema when none is defined.
func GetSchema(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		info, err := dbpkg.GetSchema(db, acct.Key)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load schema")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "success", "schema": info})
	}
}

// DeleteSchema removes the schema and aggregation states. Raw events stay.
func DeleteSchema(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		fields, aggs, err := dbpkg.DeleteSchema(db, acct.Key)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete schema")
			return
		}
		if aggs == nil {
			aggs = []string{}
		}
		jsonResponse(ctx, map[string]any{
			"status":  "success",
			"removed": map[string]any{"fields": fields, "aggregations": aggs},
		})
	}
}

// RebuildSchema recomputes all rollups for the account from raw events.
func RebuildSchema(db *gorm.DB, rebuilder *dbpkg.Rebuilder) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		acct, ok := MustAccount(ctx)
		if !ok {
			return
		}
		result, err := rebuilder.Rebuild(db, acct.Key)
		if err != nil {
			if errors.Is(err, dbpkg.ErrNoSchema) {
				errResponse(ctx, fasthttp.StatusNotFound, "no schema defined for this account")
				return
			}
			errResponse(ctx, fasthttp.StatusInternalServerError, "rebuild failed")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "success", "rebuilt": result.Rows})
	}
}
