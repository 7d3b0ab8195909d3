package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/taskpipe/internal/api/shared"
)

// AuthMiddleware verifies HS256 bearer tokens issued by the task service.
type AuthMiddleware struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthMiddleware creates an AuthMiddleware that checks signatures with secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate validates the token in the Authorization header and stores
// its subject in the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return m.secret, nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Token expired", err)
			return
		case err != nil:
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid token", err)
			return
		case claims.Subject == "":
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Token has no subject")
			return
		}

		next.ServeHTTP(w, r.WithContext(shared.SetSubject(r.Context(), claims.Subject)))
	})
}
