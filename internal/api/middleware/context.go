package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	tenantIDKey       contextKey = "tenant_id"
	idempotencyKeyKey contextKey = "idempotency_key"
	requestIDKey      contextKey = "request_id"
)

func SetTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(tenantIDKey).(string)
	return id, ok
}

func setIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// GetIdempotencyKey returns the validated idempotency key attached by the
// idempotency middleware, so handlers can advance recovery points.
func GetIdempotencyKey(r *http.Request) (string, bool) {
	key, ok := r.Context().Value(idempotencyKeyKey).(string)
	return key, ok
}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(requestIDKey).(string)
	return id, ok
}
