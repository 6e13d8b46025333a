package auth

import (
	"context"
	"encoding/json"
	"net/http"
)

const (
	ProjectKeyHeader    = "x-project-key"
	AuthorizationHeader = "authorization"
)

type ctxKey struct{}

// Middleware rejects requests the gate does not authorize with 401 and
// stores the project key in the request context otherwise.
func Middleware(g *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectKey := r.Header.Get(ProjectKeyHeader)
			if err := g.Authorize(projectKey, r.Header.Get(AuthorizationHeader)); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "Unauthorized",
					"message": err.Error(),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, projectKey)))
		})
	}
}

// ProjectKey returns the project key of an authorized request.
func ProjectKey(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}
