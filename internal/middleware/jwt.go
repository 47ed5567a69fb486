package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/techSaswata/StackLane/internal/room"
)

type contextKey string

const identityKey contextKey = "identity"

// TokenValidator decouples the middleware from the user service.
type TokenValidator interface {
	ValidateToken(tokenString string) (room.Identity, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}

		// Browser websocket clients cannot set headers; accept a query param.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		identity, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the authenticated identity injected by Handle.
func IdentityFromContext(ctx context.Context) (room.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(room.Identity)
	return identity, ok
}
