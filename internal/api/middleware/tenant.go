package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

const (
	tenantHeader    = "X-Tenant-ID"
	requestIDHeader = "X-Request-ID"
)

// Tenant reads the tenant and request identifiers from headers into the
// request context. Authentication happens upstream at the API gateway; by
// the time a request reaches this service the tenant header is trusted.
// Requests without a tenant stay anonymous rather than being rejected.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tenant := r.Header.Get(tenantHeader); tenant != "" {
			ctx = SetTenantID(ctx, tenant)
		}

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = setRequestID(ctx, requestID)
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
