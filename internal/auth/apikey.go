// Package auth provides API-key authentication middleware for the
// administrative HTTP surface.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyHeader is the request header carrying the admin API key.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey guards a route subtree with the configured admin API key.
// With no key configured, admin routes are rejected outright rather than
// left open.
func RequireAPIKey(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				denyJSON(w, http.StatusForbidden, "admin API key not configured")
				return
			}

			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" {
				denyJSON(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if key != adminKey {
				denyJSON(w, http.StatusForbidden, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func denyJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
