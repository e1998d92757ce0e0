package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mw "github.com/tickettoken/coordination/internal/api/middleware"
	"github.com/tickettoken/coordination/internal/metrics"
)

const testKey = "a-sufficiently-long-key-001"

// --- Mock Store ---

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

// memStore honors context cancellation the way the Redis client does, so a
// dead request context fails store calls here too.
func (m *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memStore) SetNX(ctx context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if v, ok := m.data[key]; ok && string(v) == string(expected) {
		delete(m.data, key)
		return true, nil
	}
	return false, nil
}

func (m *memStore) CompareAndExpire(_ context.Context, key string, expected []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return ok && string(v) == string(expected), nil
}

func (m *memStore) CountKeys(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *memStore) Ping(_ context.Context) error { return m.err }

func (m *memStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// --- helpers ---

type countingHandler struct {
	mu     sync.Mutex
	calls  int
	status int
	body   string
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	status := h.status
	if status == 0 {
		status = http.StatusCreated
	}
	body := h.body
	if body == "" {
		body = `{"data":{"ticket_id":"T-1"}}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newIdempotency(ms *memStore) *mw.Idempotency {
	return mw.NewIdempotency(ms, "", 0, metrics.New(prometheus.NewRegistry()))
}

func mintRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets/mint", strings.NewReader(body))
	if key != "" {
		req.Header.Set(mw.IdempotencyKeyHeader, key)
	}
	return req
}

// --- pass-through cases ---

func TestIdempotency_NonMutatingMethodPassesThrough(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tickets", nil)
	req.Header.Set(mw.IdempotencyKeyHeader, testKey)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1, h.callCount())
}

func TestIdempotency_MissingKeyPassesThrough(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)

	handler.ServeHTTP(httptest.NewRecorder(), mintRequest("", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), mintRequest("", `{}`))

	// Without a key there is no protection; both invocations run.
	assert.Equal(t, 2, h.callCount())
}

func TestRequireKey_MissingKeyRejected(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).RequireKey(h)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mintRequest("", `{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REQUIRED")
	assert.Equal(t, 0, h.callCount())
}

// --- key validation ---

func TestIdempotency_KeyLengthBounds(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)

	for _, key := range []string{
		"short-key",                       // under 16
		strings.Repeat("k", 129),          // over 128
	} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, mintRequest(key, `{}`))
		assert.Equal(t, http.StatusBadRequest, w.Code, "key %q", key)
		assert.Contains(t, w.Body.String(), "INVALID_IDEMPOTENCY_KEY")
	}
	assert.Equal(t, 0, h.callCount())

	// Boundary lengths are accepted.
	for _, key := range []string{strings.Repeat("k", 16), strings.Repeat("k", 128)} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, mintRequest(key, `{}`))
		assert.Equal(t, http.StatusCreated, w.Code, "key length %d", len(key))
	}
}

// --- replay ---

func TestIdempotency_ReplaySameRequest(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)
	body := `{"token_id":"42"}`

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, mintRequest(testKey, body))
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, 1, h.callCount())

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, mintRequest(testKey, body))

	assert.Equal(t, 1, h.callCount(), "handler must not run on replay")
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replayed"))
	assert.NotEmpty(t, second.Header().Get("X-Idempotent-Original-Timestamp"))
}

func TestIdempotency_ReplayPreservesContentType(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)
	body := `{"token_id":"42"}`

	handler.ServeHTTP(httptest.NewRecorder(), mintRequest(testKey, body))

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, mintRequest(testKey, body))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

// --- conflicts ---

func TestIdempotency_DivergentBodyConflicts(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)

	handler.ServeHTTP(httptest.NewRecorder(), mintRequest(testKey, `{"token_id":"42"}`))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mintRequest(testKey, `{"token_id":"43"}`))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REUSED")
	assert.Equal(t, 1, h.callCount())
}

func TestIdempotency_InFlightConflict(t *testing.T) {
	ms := newMemStore()
	idem := newIdempotency(ms)

	// Simulate an in-flight attempt by leaving a processing record behind.
	blocked := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(blocked)
		<-release
		w.WriteHeader(http.StatusCreated)
	})
	handler := idem.Middleware(slow)

	go handler.ServeHTTP(httptest.NewRecorder(), mintRequest(testKey, `{}`))
	<-blocked

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mintRequest(testKey, `{}`))
	close(release)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "REQUEST_IN_FLIGHT")
	assert.Equal(t, "processing", w.Header().Get("X-Idempotent-Status"))
	assert.Equal(t, "INITIATED", w.Header().Get("X-Idempotent-Recovery-Point"))
}

// --- failed retry ---

func TestIdempotency_FailedRecordAllowsRetry(t *testing.T) {
	ms := newMemStore()
	h := &countingHandler{status: http.StatusInternalServerError, body: `{"error":"rpc down"}`}
	handler := newIdempotency(ms).Middleware(h)
	body := `{"token_id":"42"}`

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, mintRequest(testKey, body))
	require.Equal(t, http.StatusInternalServerError, first.Code)
	require.Equal(t, 1, h.callCount())

	// Second attempt re-executes instead of replaying the failure.
	h.status = http.StatusCreated
	h.body = `{"data":{"ticket_id":"T-1"}}`
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, mintRequest(testKey, body))

	assert.Equal(t, 2, h.callCount())
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get("X-Idempotent-Replayed"))
}

func TestIdempotency_PanicRecordsFailure(t *testing.T) {
	ms := newMemStore()
	idem := newIdempotency(ms)

	calls := 0
	flaky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("rpc node unreachable")
		}
		w.WriteHeader(http.StatusCreated)
	})
	handler := mw.Recovery(idem.Middleware(flaky))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, mintRequest(testKey, `{}`))
	require.Equal(t, http.StatusInternalServerError, first.Code)

	// The failed record must not block a retry.
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, mintRequest(testKey, `{}`))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, 2, calls)
}

func TestIdempotency_ClientDisconnectStillCompletesRecord(t *testing.T) {
	ms := newMemStore()
	handlerCalls := 0
	var cancelRequest context.CancelFunc
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		// Client goes away mid-handler; the request context dies with it.
		cancelRequest()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"ticket_id":"T-1"}}`))
	})
	handler := newIdempotency(ms).Middleware(h)
	body := `{"token_id":"42"}`

	ctx, cancel := context.WithCancel(context.Background())
	cancelRequest = cancel
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, mintRequest(testKey, body).WithContext(ctx))
	require.Equal(t, http.StatusCreated, first.Code)

	// The record must not be stuck at processing: the identical retry
	// replays instead of conflicting until TTL expiry.
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, mintRequest(testKey, body))

	assert.Equal(t, 1, handlerCalls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

// gatedStore parks every Get after the gate is armed, so a test can hold
// two requests at the same point in the middleware before releasing both.
type gatedStore struct {
	*memStore
	mu      sync.Mutex
	gating  bool
	arrived chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := g.memStore.Get(ctx, key)
	g.mu.Lock()
	gating := g.gating
	g.mu.Unlock()
	if gating {
		g.arrived <- struct{}{}
		<-g.release
	}
	return v, ok, err
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	g.gating = true
	g.mu.Unlock()
}

func TestIdempotency_ConcurrentFailedRetries_OneExecution(t *testing.T) {
	gs := &gatedStore{
		memStore: newMemStore(),
		arrived:  make(chan struct{}, 2),
		release:  make(chan struct{}),
	}
	idem := mw.NewIdempotency(gs, "", 0, metrics.New(prometheus.NewRegistry()))

	h := &countingHandler{status: http.StatusInternalServerError, body: `{"error":"rpc down"}`}
	handler := idem.Middleware(h)
	body := `{"token_id":"42"}`

	// Seed a failed record.
	handler.ServeHTTP(httptest.NewRecorder(), mintRequest(testKey, body))
	require.Equal(t, 1, h.callCount())
	h.status = http.StatusCreated
	h.body = `{"data":{"ticket_id":"T-1"}}`

	// Two identical retries both read the failed record before either
	// claims it.
	gs.arm()
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, mintRequest(testKey, body))
			codes <- w.Code
		}()
	}
	<-gs.arrived
	<-gs.arrived
	close(gs.release)

	got := []int{<-codes, <-codes}
	sort.Ints(got)
	assert.Equal(t, []int{http.StatusCreated, http.StatusConflict}, got)
	assert.Equal(t, 2, h.callCount(), "exactly one retry reaches the handler")
}

func TestIdempotency_OversizedBodyRejected(t *testing.T) {
	h := &countingHandler{}
	handler := newIdempotency(newMemStore()).Middleware(h)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mintRequest(testKey, strings.Repeat("a", 1<<20+1)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "REQUEST_TOO_LARGE")
	assert.Equal(t, 0, h.callCount())
}

// --- fail open ---

func TestIdempotency_StoreErrorFailsOpen(t *testing.T) {
	ms := newMemStore()
	ms.setErr(errors.New("connection refused"))
	h := &countingHandler{}
	handler := newIdempotency(ms).Middleware(h)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mintRequest(testKey, `{}`))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, h.callCount(), "request proceeds without protection")
}

// --- tenant scoping ---

func TestIdempotency_TenantsDoNotCollide(t *testing.T) {
	h := &countingHandler{}
	handler := mw.Tenant(newIdempotency(newMemStore()).Middleware(h))
	body := `{"token_id":"42"}`

	reqA := mintRequest(testKey, body)
	reqA.Header.Set("X-Tenant-ID", "tenant-a")
	handler.ServeHTTP(httptest.NewRecorder(), reqA)

	reqB := mintRequest(testKey, body)
	reqB.Header.Set("X-Tenant-ID", "tenant-b")
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, reqB)

	assert.Equal(t, 2, h.callCount(), "same key under different tenants is two operations")
	assert.Empty(t, wB.Header().Get("X-Idempotent-Replayed"))
}

// --- recovery points ---

func TestUpdateRecoveryPoint_SurfacedOnConflict(t *testing.T) {
	ms := newMemStore()
	idem := newIdempotency(ms)

	blocked := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := mw.GetIdempotencyKey(r)
		require.True(t, ok)
		require.NoError(t, idem.UpdateRecoveryPoint(r.Context(), "", key, mw.RecoveryPointTransactionSubmitted))
		close(blocked)
		<-release
		w.WriteHeader(http.StatusCreated)
	})
	handler := idem.Middleware(slow)

	go handler.ServeHTTP(httptest.NewRecorder(), mintRequest(testKey, `{}`))
	<-blocked

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mintRequest(testKey, `{}`))
	close(release)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "TRANSACTION_SUBMITTED", w.Header().Get("X-Idempotent-Recovery-Point"))
}

func TestUpdateRecoveryPoint_UnknownKey(t *testing.T) {
	idem := newIdempotency(newMemStore())

	err := idem.UpdateRecoveryPoint(context.Background(), "", "no-record-for-this-key", mw.RecoveryPointMetadataUploaded)
	assert.Error(t, err)
}

// --- status query ---

func TestStatusHandler(t *testing.T) {
	ms := newMemStore()
	idem := newIdempotency(ms)
	h := &countingHandler{}

	idem.Middleware(h).ServeHTTP(httptest.NewRecorder(), mintRequest(testKey, `{"token_id":"42"}`))

	r := chi.NewRouter()
	r.Get("/api/v1/idempotency/{key}", idem.StatusHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/idempotency/"+testKey, nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			Status        string `json:"status"`
			RecoveryPoint string `json:"recovery_point"`
			Endpoint      string `json:"endpoint"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "completed", body.Data.Status)
	assert.Equal(t, "COMPLETED", body.Data.RecoveryPoint)
	assert.Equal(t, "POST /api/v1/tickets/mint", body.Data.Endpoint)
}

func TestStatusHandler_NotFound(t *testing.T) {
	idem := newIdempotency(newMemStore())

	r := chi.NewRouter()
	r.Get("/api/v1/idempotency/{key}", idem.StatusHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/idempotency/unknown-key-0000000", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
