/**
 * @description
 * This file contains custom middleware for the HTTP router. The ledger-service
 * is an internal service: callers are other backend services and the operations
 * console, authenticated with a shared-secret HMAC JWT rather than end-user
 * identity tokens.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerServiceKey CallerContextKey = "callerService"

// InternalAuthMiddleware creates a middleware that validates HMAC-signed JWTs
// issued to internal services. The token subject identifies the calling service
// and is stored on the request context for audit logging.
func InternalAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())

			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			caller := "unknown"
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if sub, err := claims.GetSubject(); err == nil && sub != "" {
					caller = sub
				}
			}

			ctx := context.WithValue(r.Context(), callerServiceKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerService extracts the authenticated caller's service name from the
// request context.
func GetCallerService(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerServiceKey).(string)
	return caller, ok
}
