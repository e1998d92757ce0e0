package store

import "fmt"

// Key builders for every store-resident record. All coordination keys are
// constructed here so the shapes stay in one place.

func LockKey(namespace, name string) string {
	return fmt.Sprintf("%s:lock:%s", namespace, name)
}

func DedupKey(prefix, eventType, eventID string) string {
	return fmt.Sprintf("%s%s:%s", prefix, eventType, eventID)
}

// IdempotencyKey scopes an idempotency key to a tenant. Requests without a
// tenant share the "anonymous" scope.
func IdempotencyKey(prefix, tenantID, key string) string {
	if tenantID == "" {
		tenantID = "anonymous"
	}
	return fmt.Sprintf("%s%s:%s", prefix, tenantID, key)
}
