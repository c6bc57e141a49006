package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RequireAdmin guards administrative routes with a bearer token signed by the
// configured admin secret. Tokens must use an HMAC method; when an issuer is
// configured it must match.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminSecret) == 0 {
			writeError(w, http.StatusServiceUnavailable, "admin_disabled", "administrative API not configured")
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
		if s.adminIssuer != "" {
			options = append(options, jwt.WithIssuer(s.adminIssuer))
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return s.adminSecret, nil
		}, options...)
		if err != nil || !token.Valid {
			s.logger.Warn("admin token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
