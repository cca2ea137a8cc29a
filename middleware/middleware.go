// Package middleware provides HTTP middleware for JWT auth and
// permission enforcement.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/racewire/racecontrol/auth"
	"github.com/racewire/racecontrol/store"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxPermissions
	ctxSessionID
)

// RequireAuth validates the Bearer JWT and injects userID + permissions
// into context. Returns 401 on a missing or invalid token.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			claims, err := auth.ParseAccessToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			userID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token subject")
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxPermissions, claims.Permissions)
			ctx = context.WithValue(ctx, ctxSessionID, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns 403 unless the request's permissions
// (injected by RequireAuth) include p. Generalizes the teacher's
// single-role RequireAdmin check to the closed permission enumeration.
func RequirePermission(p store.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasPermission(r, p) {
				writeError(w, http.StatusForbidden, "missing required permission: "+string(p))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasPermission(r *http.Request, p store.Permission) bool {
	for _, have := range ContextPermissions(r) {
		if have == string(p) {
			return true
		}
	}
	return false
}

// ContextUserID extracts the userID injected by RequireAuth.
func ContextUserID(r *http.Request) int64 {
	v, _ := r.Context().Value(ctxUserID).(int64)
	return v
}

// ContextPermissions extracts the permission set injected by RequireAuth.
func ContextPermissions(r *http.Request) []string {
	v, _ := r.Context().Value(ctxPermissions).([]string)
	return v
}

// ContextSessionID extracts the session UUID injected by RequireAuth.
func ContextSessionID(r *http.Request) uuid.UUID {
	v, _ := r.Context().Value(ctxSessionID).(uuid.UUID)
	return v
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
