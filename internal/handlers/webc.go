package handlers

import (
	"net/http"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/webc"
)

// WebcInitRequest names the peer to open a connection to.
type WebcInitRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// WebcLocalRequest carries the caller's candidate local addresses.
type WebcLocalRequest struct {
	Pin       string   `json:"pin"`
	Addresses []string `json:"addresses"`
	Port      int      `json:"port"`
}

// webcInit starts a rendezvous with another peer of the account
func (r *Router) webcInit(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	var body WebcInitRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.respondError(w, req, err)
		return
	}
	if body.Fingerprint == "" {
		r.respondError(w, req, apperr.Validation("fingerprint", "required"))
		return
	}

	// 1. Resolve both sides
	remote, err := r.links.AssertAccountPeer(req.Context(), id.AccountID, body.Fingerprint)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	source, err := r.links.AssertPeerByID(req.Context(), id.PeerID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}

	// 2. Create the rendezvous
	start, err := r.rendezvous.Init(req.Context(),
		webc.Participant{PeerID: source.ID, Fingerprint: source.Fingerprint},
		webc.Participant{PeerID: remote.ID, Fingerprint: remote.Fingerprint},
	)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, start)
}

// webcLocal submits local addresses after a LOCAL_NETWORK reject
func (r *Router) webcLocal(w http.ResponseWriter, req *http.Request) {
	id, err := identity(req)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	var body WebcLocalRequest
	if err := decodeJSON(w, req, &body); err != nil {
		r.respondError(w, req, err)
		return
	}

	if err := r.rendezvous.RelayLocal(req.Context(), id.PeerID, body.Pin, body.Addresses, body.Port); err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}
