package api

import (
	"context"
	"net/http"
	"slices"
)

// Headers set by the upstream gateway.
const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Role is the caller's role as verified upstream.
type Role string

// Roles.
const (
	RoleCustomer    Role = "customer"
	RoleTransporter Role = "transporter"
	RoleDriver      Role = "driver"

	// RoleTrip is the trip-execution collaborator that closes assignments.
	RoleTrip Role = "trip"
)

// Actor is the authenticated caller.
type Actor struct {
	ID   string
	Role Role
}

type actorKey struct{}

// ActorFrom returns the caller stored by requireActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := Actor{
			ID:   r.Header.Get(HeaderActorID),
			Role: Role(r.Header.Get(HeaderActorRole)),
		}
		if a.ID == "" || a.Role == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "unauthenticated",
				Message: "missing " + HeaderActorID + " or " + HeaderActorRole,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, a)))
	})
}

func requireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, _ := ActorFrom(r.Context())
			if !slices.Contains(roles, a.Role) {
				writeJSON(w, http.StatusForbidden, errorBody{
					Code:    "forbidden",
					Message: "role " + string(a.Role) + " may not call this route",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
