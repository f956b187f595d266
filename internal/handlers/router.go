package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/buildinfo"
	"github.com/xelth-com/peerlinkgo/internal/linking"
	"github.com/xelth-com/peerlinkgo/internal/middleware"
	"github.com/xelth-com/peerlinkgo/internal/webc"
	"github.com/xelth-com/peerlinkgo/internal/websocket"
)

const maxBodyBytes = 64 * 1024

// Deps are the services the routes map onto.
type Deps struct {
	Links      *linking.Service
	Rendezvous *webc.Service
	Hub        *websocket.Hub
	Tokens     middleware.Authenticator
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Router wraps the mux router and the protocol services
type Router struct {
	*mux.Router
	links      *linking.Service
	rendezvous *webc.Service
	hub        *websocket.Hub
	logger     *slog.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		Router:     mux.NewRouter(),
		links:      d.Links,
		rendezvous: d.Rendezvous,
		hub:        d.Hub,
		logger:     logger.With("component", "http"),
	}
	r.Use(middleware.Logging(r.logger))

	api := r.PathPrefix("/api").Subrouter()

	// Public routes
	api.HandleFunc("/link", r.requestLink).Methods(http.MethodPost)
	api.HandleFunc("/link-verify", r.verifyLink).Methods(http.MethodPost)
	api.HandleFunc("/health", r.healthCheck).Methods(http.MethodGet)

	// Peer routes (token required)
	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.Auth(d.Tokens, r.logger))
	authed.HandleFunc("/peer", r.listPeers).Methods(http.MethodGet)
	authed.HandleFunc("/peer/update", r.updatePeer).Methods(http.MethodPost)
	authed.HandleFunc("/peer/remove", r.removePeer).Methods(http.MethodPost)
	authed.HandleFunc("/peer/online", r.peerOnline).Methods(http.MethodGet)
	authed.HandleFunc("/peer/hello", r.peerHello).Methods(http.MethodPost)
	authed.HandleFunc("/webc/init", r.webcInit).Methods(http.MethodPost)
	authed.HandleFunc("/webc/local", r.webcLocal).Methods(http.MethodPost)

	// Presence gateway authenticates from the subprotocol itself
	r.HandleFunc("/ws", r.hub.ServeWs).Methods(http.MethodGet)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Kind: "not_found", Code: "NOT_FOUND", Message: "Not found"}})
	})

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"commit":      buildinfo.CommitHash,
		"buildTime":   buildinfo.BuildTime,
		"startTime":   buildinfo.StartTime,
		"connections": r.hub.Count(),
	})
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// respondError renders a classified error. Generic errors are logged and
// reported without their cause.
func (r *Router) respondError(w http.ResponseWriter, req *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Generic("internal error", err)
	}

	status := statusFor(e)
	detail := errorDetail{Kind: string(e.Kind), Code: e.Code, Field: e.Field, Message: e.Message}
	if e.Kind == apperr.KindGeneric {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		detail.Message = "Internal server error"
	}
	respondJSON(w, status, errorBody{Error: detail})
}

func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindSecurity:
		return http.StatusForbidden
	case apperr.KindProtocol:
		if errors.Is(e, apperr.ErrInvalidOrExpiredPin) {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded request body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("body", "Invalid request payload")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("body", "Invalid request payload")
	}
	return nil
}

// identity returns the caller attached by the auth middleware.
func identity(req *http.Request) (*auth.Identity, error) {
	id, ok := middleware.IdentityFrom(req.Context())
	if !ok {
		return nil, apperr.Security("Authentication required")
	}
	return id, nil
}
