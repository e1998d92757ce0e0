package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	mw "github.com/tickettoken/coordination/internal/api/middleware"
	"github.com/tickettoken/coordination/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Idempotency *mw.Idempotency
	Registry    *prometheus.Registry

	HealthHandler     http.HandlerFunc
	DedupStatsHandler http.HandlerFunc

	MintTicketHandler     http.HandlerFunc
	TransferTicketHandler http.HandlerFunc
	CreateListingHandler  http.HandlerFunc
	PurchaseHandler       http.HandlerFunc
	CancelListingHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Tenant)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/api/v1/idempotency/{key}", deps.Idempotency.StatusHandler())
	r.Get("/api/v1/dedup/stats", orNotImplemented(deps.DedupStatsHandler))

	// Mutating routes. Mints and purchases have irreversible on-chain side
	// effects, so the key is mandatory there; the rest accept it when sent.
	r.Group(func(r chi.Router) {
		r.Use(deps.Idempotency.RequireKey)

		r.Post("/api/v1/tickets/mint", orNotImplemented(deps.MintTicketHandler))
		r.Post("/api/v1/marketplace/purchase", orNotImplemented(deps.PurchaseHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Idempotency.Middleware)

		r.Post("/api/v1/tickets/transfer", orNotImplemented(deps.TransferTicketHandler))
		r.Post("/api/v1/marketplace/listings", orNotImplemented(deps.CreateListingHandler))
		r.Delete("/api/v1/marketplace/listings/{listingID}", orNotImplemented(deps.CancelListingHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
