package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/tickettoken/coordination/internal/api/response"
)

// Recovery converts handler panics into a 500 response instead of tearing
// down the connection. The idempotency middleware runs inside this one, so
// a panicking mint has already recorded its failed outcome by the time the
// panic surfaces here.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				requestID, _ := GetRequestID(r)
				tenantID, _ := GetTenantID(r)
				slog.Error("panic recovered",
					"panic", v,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"tenant_id", tenantID,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
