// Package middleware extracts the acting identity from requests.
//
// Authentication itself happens upstream: a trusted identity layer fronts
// this service and forwards the authenticated principal in headers. The
// middleware only materializes that precondition as an Actor in the request
// context; fine-grained authorization stays with the caller layer.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

// Roles supplied by the identity layer.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

const (
	userHeader = "X-Auth-User"
	roleHeader = "X-Auth-Role"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Actor is the already-authenticated principal behind a request.
type Actor struct {
	Name string
	Role string
}

// IsAdmin reports whether the actor holds the admin role.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireActor rejects requests the identity layer did not annotate and puts
// the Actor into the request context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(userHeader)
		role := r.Header.Get(roleHeader)
		if name == "" || role == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		switch role {
		case RoleAdmin, RoleOperator, RoleViewer:
		default:
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Unknown role"})
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey, &Actor{Name: name, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route to the given roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := GetActor(r)
			if actor == nil || !allowed[actor.Role] {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Insufficient role"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetActor returns the Actor from the request context, or nil.
func GetActor(r *http.Request) *Actor {
	actor, _ := r.Context().Value(actorContextKey).(*Actor)
	return actor
}
