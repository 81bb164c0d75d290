package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/go-chi/chi/v5"
)

type ctxKey int

const tenantKey ctxKey = iota

// guildCtx resolves the {guildID} path segment once for every guild route.
func (s *Server) guildCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := core.ParseTenantID(chi.URLParam(r, "guildID"))
		if err != nil {
			respondError(w, r, err, http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFrom returns the guild resolved by guildCtx.
func tenantFrom(ctx context.Context) core.TenantID {
	t, _ := ctx.Value(tenantKey).(core.TenantID)
	return t
}
