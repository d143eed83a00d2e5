package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "datawell/internal/db"
)

const AccountCtxKey = "account"

func SetAccount(ctx *fasthttp.RequestCtx, acct *dbpkg.Account) {
	ctx.SetUserValue(AccountCtxKey, acct)
}

func AccountFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.Account, bool) {
	v := ctx.UserValue(AccountCtxKey)
	if v == nil {
		return nil, false
	}
	acct, ok := v.(*dbpkg.Account)
	return acct, ok
}
