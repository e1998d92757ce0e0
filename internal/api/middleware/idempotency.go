package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tickettoken/coordination/internal/api/response"
	"github.com/tickettoken/coordination/internal/metrics"
	"github.com/tickettoken/coordination/internal/store"
)

const (
	// IdempotencyKeyHeader is the caller-supplied token identifying a
	// logical request across retries.
	IdempotencyKeyHeader = "Idempotency-Key"

	replayedHeader          = "X-Idempotent-Replayed"
	idemStatusHeader        = "X-Idempotent-Status"
	recoveryPointHeader     = "X-Idempotent-Recovery-Point"
	originalTimestampHeader = "X-Idempotent-Original-Timestamp"
	originalRequestIDHeader = "X-Idempotent-Original-Request-Id"

	minKeyLength = 16
	maxKeyLength = 128

	// maxBodyBytes bounds how much of a mutating request body is buffered
	// for hashing and replay.
	maxBodyBytes = 1 << 20
)

// Idempotency record statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Recovery points for multi-step operations, in order of progress. Handlers
// advance them via UpdateRecoveryPoint so a conflicting retry or a post-crash
// status query can report how far the original attempt got.
const (
	RecoveryPointInitiated            = "INITIATED"
	RecoveryPointMetadataUploaded     = "METADATA_UPLOADED"
	RecoveryPointTransactionSubmitted = "TRANSACTION_SUBMITTED"
	RecoveryPointConfirmationPending  = "CONFIRMATION_PENDING"
	RecoveryPointCompleted            = "COMPLETED"
	RecoveryPointFailed               = "FAILED"
)

// IdempotencyRecord is the store-resident state of one mutating request.
type IdempotencyRecord struct {
	Status        string          `json:"status"`
	RequestHash   string          `json:"request_hash"`
	StatusCode    int             `json:"status_code,omitempty"`
	Response      []byte          `json:"response,omitempty"`
	ContentType   string          `json:"content_type,omitempty"`
	RecoveryPoint string          `json:"recovery_point,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Endpoint      string          `json:"endpoint,omitempty"`
}

// Idempotency makes mutating endpoints safely retryable. A caller that
// resends a request with the same Idempotency-Key gets the original response
// back instead of a second execution; concurrent attempts conflict. Store
// outages fail open: the request proceeds without protection rather than
// being rejected.
type Idempotency struct {
	store   store.Store
	prefix  string
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewIdempotency creates the middleware. Zero prefix/ttl fall back to
// "idempotency:" and 24h.
func NewIdempotency(s store.Store, prefix string, ttl time.Duration, m *metrics.Metrics) *Idempotency {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{store: s, prefix: prefix, ttl: ttl, metrics: m}
}

// Middleware applies idempotency to POST/PUT/PATCH requests carrying an
// Idempotency-Key header. Requests without the header pass through.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return i.handler(next, false)
}

// RequireKey is the strict variant: mutating requests without an
// Idempotency-Key header are rejected. Use for endpoints whose side effects
// are irreplaceable, such as on-chain mints.
func (i *Idempotency) RequireKey(next http.Handler) http.Handler {
	return i.handler(next, true)
}

func (i *Idempotency) handler(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			if required {
				i.metrics.IdempotencyRequests.WithLabelValues("invalid_key").Inc()
				response.Error(w, http.StatusBadRequest,
					"IDEMPOTENCY_KEY_REQUIRED", "Idempotency-Key header is required for this endpoint", nil)
				return
			}
			slog.Debug("mutating request without idempotency key", "method", r.Method, "path", r.URL.Path)
			i.metrics.IdempotencyRequests.WithLabelValues("passthrough").Inc()
			next.ServeHTTP(w, r)
			return
		}

		if len(key) < minKeyLength || len(key) > maxKeyLength {
			i.metrics.IdempotencyRequests.WithLabelValues("invalid_key").Inc()
			response.Error(w, http.StatusBadRequest,
				"INVALID_IDEMPOTENCY_KEY",
				fmt.Sprintf("Idempotency key must be between %d and %d characters", minKeyLength, maxKeyLength), nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"REQUEST_TOO_LARGE", fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Failed to read request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		hash := requestHash(r.Method, r.URL.String(), body)
		tenant, _ := GetTenantID(r)
		storeKey := store.IdempotencyKey(i.prefix, tenant, key)

		raw, found, err := i.store.Get(r.Context(), storeKey)
		if err != nil {
			// Fail open: availability beats strict exactly-once here.
			slog.Error("idempotency read failed, proceeding unprotected", "key", key, "error", err)
			i.metrics.IdempotencyRequests.WithLabelValues("store_error").Inc()
			next.ServeHTTP(w, r)
			return
		}

		if found {
			var rec IdempotencyRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				slog.Error("idempotency record corrupt, proceeding unprotected", "key", key, "error", err)
				i.metrics.IdempotencyRequests.WithLabelValues("store_error").Inc()
				next.ServeHTTP(w, r)
				return
			}

			switch rec.Status {
			case StatusProcessing:
				i.conflict(w, key, hash, &rec)
				return
			case StatusCompleted:
				if rec.RequestHash != hash {
					i.keyReuse(w, key)
					return
				}
				i.replay(w, key, &rec)
				return
			case StatusFailed:
				// A failed attempt may be retried with a fresh execution.
				slog.Info("retrying previously failed request", "key", key)
			}
		}

		now := time.Now().UTC()
		requestID, _ := GetRequestID(r)
		rec := IdempotencyRecord{
			Status:        StatusProcessing,
			RequestHash:   hash,
			RecoveryPoint: RecoveryPointInitiated,
			CreatedAt:     now,
			UpdatedAt:     now,
			RequestID:     requestID,
			Endpoint:      r.Method + " " + r.URL.Path,
		}
		recJSON, _ := json.Marshal(rec)

		if found {
			// The prior attempt failed. Claim it by atomically deleting the
			// exact record we read; of two concurrent retries only the
			// claimant reaches the conditional-set below.
			claimed, err := i.store.CompareAndDelete(r.Context(), storeKey, raw)
			if err != nil {
				slog.Error("idempotency write failed, proceeding unprotected", "key", key, "error", err)
				i.metrics.IdempotencyRequests.WithLabelValues("store_error").Inc()
				next.ServeHTTP(w, r)
				return
			}
			if !claimed {
				// Another retry claimed the failed record first.
				i.conflict(w, key, hash, &rec)
				return
			}
		}

		ok, err := i.store.SetNX(r.Context(), storeKey, recJSON, i.ttl)
		if err != nil {
			slog.Error("idempotency write failed, proceeding unprotected", "key", key, "error", err)
			i.metrics.IdempotencyRequests.WithLabelValues("store_error").Inc()
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			// Lost the race to a concurrent attempt with the same key.
			i.conflict(w, key, hash, &rec)
			return
		}

		i.metrics.IdempotencyRequests.WithLabelValues("accepted").Inc()
		r = r.WithContext(setIdempotencyKey(r.Context(), key))

		// The request context dies when the client disconnects, which is
		// precisely when a retry is coming. The completion write must
		// outlive it or the record would stay processing until TTL expiry.
		finishCtx := context.WithoutCancel(r.Context())

		recorder := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				i.finish(finishCtx, storeKey, hash, &rec, http.StatusInternalServerError, nil, "", fmt.Sprintf("%v", p))
				panic(p)
			}
		}()

		next.ServeHTTP(recorder, r)

		contentType := recorder.Header().Get("Content-Type")
		errMsg := ""
		if recorder.status >= http.StatusInternalServerError {
			errMsg = http.StatusText(recorder.status)
		}
		i.finish(finishCtx, storeKey, hash, &rec, recorder.status, recorder.body.Bytes(), contentType, errMsg)
	})
}

// finish flips the processing record to completed or failed with the
// handler's outcome. Write failures are logged only; the response has
// already been sent.
func (i *Idempotency) finish(ctx context.Context, storeKey, hash string, rec *IdempotencyRecord, status int, body []byte, contentType, errMsg string) {
	rec.StatusCode = status
	rec.Response = body
	rec.ContentType = contentType
	rec.UpdatedAt = time.Now().UTC()

	if errMsg != "" {
		rec.Status = StatusFailed
		rec.RecoveryPoint = RecoveryPointFailed
		errJSON, _ := json.Marshal(map[string]string{"message": errMsg})
		rec.Error = errJSON
		i.metrics.IdempotencyRequests.WithLabelValues("failed").Inc()
	} else {
		rec.Status = StatusCompleted
		rec.RecoveryPoint = RecoveryPointCompleted
		i.metrics.IdempotencyRequests.WithLabelValues("completed").Inc()
	}

	recJSON, _ := json.Marshal(rec)
	if err := i.store.Set(ctx, storeKey, recJSON, i.ttl); err != nil {
		slog.Error("idempotency record update failed", "store_key", storeKey, "error", err)
	}
}

// conflict rejects a request whose key is held by an in-flight attempt,
// surfacing how far that attempt progressed.
func (i *Idempotency) conflict(w http.ResponseWriter, key, hash string, rec *IdempotencyRecord) {
	i.metrics.IdempotencyRequests.WithLabelValues("conflict").Inc()

	w.Header().Set(idemStatusHeader, StatusProcessing)
	if rec.RecoveryPoint != "" {
		w.Header().Set(recoveryPointHeader, rec.RecoveryPoint)
	}

	if rec.RequestHash != "" && rec.RequestHash != hash {
		slog.Warn("idempotency key reused for a different request", "key", key)
		response.Error(w, http.StatusConflict,
			"IDEMPOTENCY_KEY_REUSED", "Idempotency key was used for a different request", nil)
		return
	}

	slog.Info("concurrent request with same idempotency key", "key", key, "recovery_point", rec.RecoveryPoint)
	response.Error(w, http.StatusConflict,
		"REQUEST_IN_FLIGHT", "A request with this idempotency key is already being processed",
		map[string]string{"recovery_point": rec.RecoveryPoint})
}

func (i *Idempotency) keyReuse(w http.ResponseWriter, key string) {
	i.metrics.IdempotencyRequests.WithLabelValues("conflict").Inc()
	slog.Warn("idempotency key reused for a different request", "key", key)
	response.Error(w, http.StatusConflict,
		"IDEMPOTENCY_KEY_REUSED", "Idempotency key was used for a different request", nil)
}

// replay serves the cached response without invoking the handler.
func (i *Idempotency) replay(w http.ResponseWriter, key string, rec *IdempotencyRecord) {
	i.metrics.IdempotencyRequests.WithLabelValues("replay").Inc()
	slog.Info("replaying cached response", "key", key, "status_code", rec.StatusCode)

	w.Header().Set(replayedHeader, "true")
	w.Header().Set(originalTimestampHeader, rec.CreatedAt.Format(time.RFC3339))
	if rec.RequestID != "" {
		w.Header().Set(originalRequestIDHeader, rec.RequestID)
	}
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.WriteHeader(rec.StatusCode)
	w.Write(rec.Response)
}

// UpdateRecoveryPoint advances the named checkpoint on an in-flight record.
// Handlers call this after each durable step (metadata uploaded, transaction
// submitted) so progress survives the handler itself.
func (i *Idempotency) UpdateRecoveryPoint(ctx context.Context, tenantID, key, point string) error {
	storeKey := store.IdempotencyKey(i.prefix, tenantID, key)

	raw, found, err := i.store.Get(ctx, storeKey)
	if err != nil {
		return fmt.Errorf("read idempotency record: %w", err)
	}
	if !found {
		return fmt.Errorf("no idempotency record for key %q", key)
	}

	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}

	rec.RecoveryPoint = point
	rec.UpdatedAt = time.Now().UTC()
	recJSON, _ := json.Marshal(rec)
	if err := i.store.Set(ctx, storeKey, recJSON, i.ttl); err != nil {
		return fmt.Errorf("write idempotency record: %w", err)
	}

	slog.Info("recovery point advanced", "key", key, "recovery_point", point)
	return nil
}

// Status returns the stored record for a key, independent of the request
// path. Operational/debugging use.
func (i *Idempotency) Status(ctx context.Context, tenantID, key string) (*IdempotencyRecord, bool, error) {
	raw, found, err := i.store.Get(ctx, store.IdempotencyKey(i.prefix, tenantID, key))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, true, nil
}

// StatusHandler serves the read-only status query for a key.
func (i *Idempotency) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		tenant, _ := GetTenantID(r)

		rec, found, err := i.Status(r.Context(), tenant, key)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to look up idempotency record", nil)
			return
		}
		if !found {
			response.Error(w, http.StatusNotFound,
				"NOT_FOUND", "No record for this idempotency key", nil)
			return
		}

		response.JSON(w, map[string]any{
			"status":         rec.Status,
			"recovery_point": rec.RecoveryPoint,
			"created_at":     rec.CreatedAt,
			"updated_at":     rec.UpdatedAt,
			"request_id":     rec.RequestID,
			"endpoint":       rec.Endpoint,
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// requestHash digests the request identity. SHA-256 keeps the collision rate
// negligible for conflict detection.
func requestHash(method, url string, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", method, url)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
