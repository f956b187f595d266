package handlers

import (
	"net/http"

	"github.com/xelth-com/peerlinkgo/internal/linking"
)

// requestLink starts linking a device from its signed assertion
func (r *Router) requestLink(w http.ResponseWriter, req *http.Request) {
	var linkReq linking.LinkRequest
	if err := decodeJSON(w, req, &linkReq); err != nil {
		r.respondError(w, req, err)
		return
	}

	resp, err := r.links.RequestLink(req.Context(), linkReq)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// verifyLink completes a pending link and returns the peer token
func (r *Router) verifyLink(w http.ResponseWriter, req *http.Request) {
	var verifyReq linking.VerifyRequest
	if err := decodeJSON(w, req, &verifyReq); err != nil {
		r.respondError(w, req, err)
		return
	}

	resp, err := r.links.VerifyLink(req.Context(), verifyReq)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
