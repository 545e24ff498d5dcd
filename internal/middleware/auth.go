package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/xelth-com/eckstocktake/internal/utils"
)

type contextKey string

const DeviceContextKey contextKey = "device"

// DeviceAuth verifies device JWT tokens and puts the claims in the request context
func DeviceAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			claims, err := utils.ValidateDeviceToken(tokenString, secret)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), DeviceContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header, or the token query parameter
// for WebSocket upgrades where browsers cannot set headers
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// DeviceFromContext returns the authenticated device, if any
func DeviceFromContext(ctx context.Context) (*utils.DeviceClaims, bool) {
	claims, ok := ctx.Value(DeviceContextKey).(*utils.DeviceClaims)
	return claims, ok
}
