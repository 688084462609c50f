package middleware

import (
	"context"
	"net/http"
	"strings"

	"roadwatch-sync-server/pkg/jwt"
	"roadwatch-sync-server/pkg/response"
)

type contextKey string

const OperatorIDKey contextKey = "operatorID"

// AuthMiddleware requires a bearer operator token.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			if rec, ok := w.(operatorRecorder); ok {
				rec.setOperator(claims.OperatorID)
			}
			ctx := context.WithValue(r.Context(), OperatorIDKey, claims.OperatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetOperatorID(r *http.Request) string {
	operatorID, ok := r.Context().Value(OperatorIDKey).(string)
	if !ok {
		return ""
	}
	return operatorID
}

// WithOperatorID is used by callers that authenticate outside the middleware.
func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, OperatorIDKey, operatorID)
}
