// Package api exposes the engine over HTTP with a chi router.
//
// Identity is resolved upstream: a gateway in front of the service verifies
// the caller and forwards X-Actor-ID and X-Actor-Role. Handlers trust those
// headers and only check that the role fits the route.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/xraph/haul/engine"
)

// API wires all HTTP handlers together for the haul engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	cors   cors.Options
}

// Option configures an API.
type Option func(*API)

// WithCORS replaces the default CORS policy.
func WithCORS(o cors.Options) Option { return func(a *API) { a.cors = o } }

// WithLogger sets the request error logger. Defaults to the engine logger.
func WithLogger(l *slog.Logger) Option { return func(a *API) { a.logger = l } }

// New creates an API from a haul Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: eng.Logger(),
		cors: cors.Options{
			AllowedOrigins: []string{"https://*", "http://*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole, HeaderIdempotencyKey},
			MaxAge:         300,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(a.cors))
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all haul routes into the given router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireActor)

		a.registerBroadcastRoutes(r)
		a.registerPresenceRoutes(r)
		a.registerAssignmentRoutes(r)
	})
}

// registerBroadcastRoutes registers broadcast lifecycle routes.
func (a *API) registerBroadcastRoutes(r chi.Router) {
	r.With(requireRole(RoleCustomer)).Post("/broadcasts", a.createBroadcast)
	r.With(requireRole(RoleCustomer)).Get("/broadcasts", a.listBroadcasts)
	r.Get("/broadcasts/{requestId}", a.getBroadcast)
	r.With(requireRole(RoleCustomer)).Post("/broadcasts/{requestId}/cancel", a.cancelBroadcast)
	r.With(requireRole(RoleTransporter)).Post("/broadcasts/{requestId}/units/{unitId}/accept", a.acceptDemandUnit)
}

// registerPresenceRoutes registers online toggle and heartbeat routes.
func (a *API) registerPresenceRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireRole(RoleTransporter, RoleDriver))
		r.Put("/presence", a.setPresence)
		r.Post("/presence/heartbeat", a.heartbeat)
	})
}

// registerAssignmentRoutes registers assignment routes.
func (a *API) registerAssignmentRoutes(r chi.Router) {
	r.With(requireRole(RoleTransporter, RoleDriver)).Get("/assignments", a.listAssignments)
	r.With(requireRole(RoleTrip)).Post("/assignments/{assignmentId}/close", a.closeAssignment)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Health(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
