/**
 * @description
 * This file contains custom middleware for the HTTP router: internal API key
 * validation for server-to-server calls and resolution of the caller id the
 * gateway forwards after authenticating the end user.
 *
 * @dependencies
 * - context, crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const callerIDKey UserIDContextKey = "callerID"

const (
	internalKeyHeader = "X-Internal-API-Key"
	userIDHeader      = "X-User-ID"
)

// InternalAuthMiddleware validates the internal API key. An empty required
// key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(internalKeyHeader)
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CallerMiddleware requires the X-User-ID header and stores it in the request context.
func CallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			http.Error(w, "X-User-ID header required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCallerID retrieves the caller id from the request context.
func GetCallerID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(callerIDKey).(string)
	return userID, ok
}
