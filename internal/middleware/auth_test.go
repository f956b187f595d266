package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/auth"
)

type stubTokens map[string]error

func (s stubTokens) Authenticate(_ context.Context, token string) (*auth.Identity, error) {
	err, ok := s[token]
	if !ok {
		return nil, apperr.Security("invalid token")
	}
	if err != nil {
		return nil, err
	}
	return &auth.Identity{AccountID: "acc-1", PeerID: "peer-" + token}, nil
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"token header", http.Header{"Token": {"abc"}}, "abc"},
		{"bearer", http.Header{"Authorization": {"Bearer abc"}}, "abc"},
		{"lowercase bearer", http.Header{"Authorization": {"bearer abc"}}, "abc"},
		{"token header wins", http.Header{"Token": {"abc"}, "Authorization": {"Bearer def"}}, "abc"},
		{"basic", http.Header{"Authorization": {"Basic abc"}}, ""},
		{"none", http.Header{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header = tt.header
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := stubTokens{"good": nil, "down": errors.New("bus unavailable")}

	var seen *auth.Identity
	h := Auth(tokens, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		seen = id
	}))

	tests := []struct {
		token string
		want  int
	}{
		{"good", http.StatusOK},
		{"bad", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
		{"down", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/api/peer", nil)
			if tt.token != "" {
				r.Header.Set(TokenHeader, tt.token)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "peer-good", seen.PeerID)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestLoggingRoute(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := mux.NewRouter()
	r.Use(Logging(logger))
	var route string
	r.HandleFunc("/api/peer/{id}", func(w http.ResponseWriter, req *http.Request) {
		route = routeOf(req)
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/peer/123", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "/api/peer/{id}", route)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}
