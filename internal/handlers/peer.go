package handlers

import (
	"net/http"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/linking"
	"github.com/xelth-com/peerlinkgo/internal/models"
)

// FingerprintRequest names a peer of the caller's account.
type FingerprintRequest struct {
	Fingerprint *string `json:"fingerprint"`
}

// listPeers returns every peer of the caller's account
func (r *Router) listPeers(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}

	peers, err := r.links.ListPeers(req.Context(), id.AccountID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, peers)
}

// updatePeer replaces the description of one of the account's peers
func (r *Router) updatePeer(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	var info models.PeerInfo
	if err := decodeJSON(w, req, &info); err != nil {
		r.respondError(w, req, err)
		return
	}

	updated, err := r.links.UpdatePeer(req.Context(), id.AccountID, info)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// removePeer unlinks a peer of the account, or the caller when no
// fingerprint is given
func (r *Router) removePeer(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	var body FingerprintRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.respondError(w, req, err)
		return
	}

	fingerprint := ""
	if body.Fingerprint != nil {
		fingerprint = *body.Fingerprint
	}
	if err := r.links.RemovePeerFor(req.Context(), id, fingerprint); err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// peerOnline reports whether a peer holds a presence connection
func (r *Router) peerOnline(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	fingerprint := req.URL.Query().Get("fingerprint")
	if fingerprint == "" {
		r.respondError(w, req, apperr.Validation("fingerprint", "required"))
		return
	}

	status, err := r.links.PeerOnline(req.Context(), id.AccountID, fingerprint)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// peerHello asks another peer of the account to connect to the caller
func (r *Router) peerHello(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	var hello linking.HelloRequest
	if err := decodeJSON(w, req, &hello); err != nil {
		r.respondError(w, req, err)
		return
	}

	if err := r.links.Hello(req.Context(), id, hello); err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}
