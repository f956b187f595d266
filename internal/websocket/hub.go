// Package websocket is the presence gateway: one long-lived connection per
// authenticated peer, relaying bus events for the peer and its account.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/events"
)

const (
	// OnlineTTL is the lifetime of the peer_online marker; each heartbeat
	// renews it.
	OnlineTTL = 3 * time.Minute
	// DefaultTimeout closes a connection that sent no heartbeat for this
	// long.
	DefaultTimeout = 3 * time.Minute

	// TokenProtocolPrefix marks the subprotocol that carries the token.
	TokenProtocolPrefix = "tok-"
)

// Authenticator resolves a token to the peer it was issued to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// FingerprintLookup finds the fingerprint of a peer.
type FingerprintLookup interface {
	GetPeerFingerprint(ctx context.Context, id string) (string, error)
}

// Hub maintains the set of active clients
type Hub struct {
	bus     bus.Bus
	tokens  Authenticator
	peers   FingerprintLookup
	timeout time.Duration
	logger  *slog.Logger

	// Registered clients map: PeerID -> Client
	clients map[string]*Client

	// Mutex for thread-safe access to clients map
	mu sync.Mutex
}

// Option configures a Hub.
type Option func(*Hub)

// WithTimeout sets the heartbeat inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a new Hub instance
func NewHub(b bus.Bus, tokens Authenticator, peers FingerprintLookup, opts ...Option) *Hub {
	h := &Hub{
		bus:     b,
		tokens:  tokens,
		peers:   peers,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "presence")
	return h
}

// register adds c and returns the connection it replaces, if any.
func (h *Hub) register(c *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.clients[c.identity.PeerID]
	h.clients[c.identity.PeerID] = c
	return old
}

// unregister removes c unless a newer connection of the same peer already
// took its place.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.identity.PeerID] == c {
		delete(h.clients, c.identity.PeerID)
	}
}

// Connected reports whether peerID holds a connection on this process.
func (h *Hub) Connected(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[peerID]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close("shutdown")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for native clients
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs authenticates the token carried in the Sec-WebSocket-Protocol
// header and upgrades the connection. The token subprotocol is echoed back.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	token, protocol := tokenFromProtocols(websocket.Subprotocols(r))
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	header := http.Header{"Sec-WebSocket-Protocol": []string{protocol}}

	id, err := h.tokens.Authenticate(r.Context(), token)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindSecurity {
			h.logger.Error("authenticating presence connection", "error", err)
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		h.logger.Debug("presence connection rejected", "error", err)
		h.rejectAfterUpgrade(w, r, header)
		return
	}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	fingerprint, err := h.peers.GetPeerFingerprint(r.Context(), id.PeerID)
	if err != nil {
		h.logger.Warn("fingerprint lookup failed", "peer_id", id.PeerID, "error", err)
	}

	client := newClient(h, conn, *id, fingerprint)
	if old := h.register(client); old != nil {
		old.close("replaced")
	}
	if err := client.start(context.Background()); err != nil {
		h.logger.Error("starting presence session", "peer_id", id.PeerID, "error", err)
		client.close("error")
		go client.writePump()
		return
	}

	go client.writePump()
	go client.readPump()
}

// rejectAfterUpgrade tells the client why its token was refused, so it can
// re-link, then closes.
func (h *Hub) rejectAfterUpgrade(w http.ResponseWriter, r *http.Request, header http.Header) {
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer conn.Close()

	evt, err := events.New(events.KindAuthError, events.AuthError{Message: "invalid or revoked token"})
	if err != nil {
		return
	}
	raw, err := evt.Encode()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, raw)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
}

// tokenFromProtocols returns the token and the offered protocol carrying it.
func tokenFromProtocols(protocols []string) (string, string) {
	for _, p := range protocols {
		if tok, ok := strings.CutPrefix(p, TokenProtocolPrefix); ok && tok != "" {
			return tok, p
		}
	}
	return "", ""
}
