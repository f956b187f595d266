package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/auth"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// TokenHeader is the header native clients send their token in.
const TokenHeader = "token"

// Authenticator resolves a token to the peer it was issued to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// Auth rejects requests without a valid peer token and stores the identity
// in the request context.
func Auth(tokens Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				unauthorized(w, "Authentication required")
				return
			}

			id, err := tokens.Authenticate(r.Context(), token)
			if err != nil {
				if apperr.KindOf(err) != apperr.KindSecurity {
					logger.Error("authenticating request", "path", r.URL.Path, "error", err)
					writeError(w, http.StatusServiceUnavailable, apperr.Generic("authentication unavailable", nil))
					return
				}
				logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
				unauthorized(w, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity Auth stored in ctx.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(*auth.Identity)
	return id, ok && id != nil
}

// TokenFromRequest reads the token header, falling back to a Bearer
// Authorization header.
func TokenFromRequest(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(TokenHeader)); tok != "" {
		return tok
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, apperr.Security(message))
}

func writeError(w http.ResponseWriter, status int, e *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": map[string]string{
			"kind":    string(e.Kind),
			"code":    e.Code,
			"message": e.Message,
		},
	})
}
