package linking

import (
	"context"
	"errors"

	"github.com/xelth-com/peerlinkgo/internal/apperr"
	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/events"
	"github.com/xelth-com/peerlinkgo/internal/models"
	"github.com/xelth-com/peerlinkgo/internal/store"
)

// OnlineStatus is the answer of PeerOnline.
type OnlineStatus struct {
	Online bool `json:"online"`
}

// HelloRequest asks another peer of the account to connect back.
type HelloRequest struct {
	Fingerprint string   `json:"fingerprint"`
	Addresses   []string `json:"addresses"`
	Port        int      `json:"port"`
}

// CreatePeer stores a new peer and announces it to the account.
func (s *Service) CreatePeer(ctx context.Context, accountID string, info models.PeerInfo) (*models.Peer, error) {
	peer, err := s.records.CreatePeer(ctx, accountID, info)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Validation("peerInfo.fingerprint", "peer already exists")
	}
	if err != nil {
		return nil, apperr.Generic("creating peer", err)
	}
	if err := s.notifier.NotifyAccount(ctx, accountID, events.KindPeerAdded, peer.Info()); err != nil {
		return nil, apperr.Generic("announcing peer", err)
	}
	s.logger.Info("peer created", "peer_id", peer.ID, "account_id", accountID)
	return peer, nil
}

// RemovePeer deletes a peer, revokes its tokens and announces the removal.
// Connected sessions of that peer close when they see the event.
func (s *Service) RemovePeer(ctx context.Context, peer *models.Peer) error {
	if err := s.records.RemovePeerByID(ctx, peer.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.Validation("fingerprint", "peer not found")
		}
		return apperr.Generic("removing peer", err)
	}
	if err := s.tokens.Revoke(ctx, peer.ID); err != nil {
		return apperr.Generic("revoking peer", err)
	}
	if err := s.notifier.NotifyAccount(ctx, peer.AccountID, events.KindPeerRemoved, peer.Info()); err != nil {
		return apperr.Generic("announcing peer removal", err)
	}
	s.logger.Info("peer removed", "peer_id", peer.ID, "account_id", peer.AccountID)
	return nil
}

// RemovePeerFor removes the peer with fingerprint from the caller's account,
// or the caller itself when fingerprint is empty.
func (s *Service) RemovePeerFor(ctx context.Context, id *auth.Identity, fingerprint string) error {
	var (
		peer *models.Peer
		err  error
	)
	if fingerprint != "" {
		peer, err = s.AssertAccountPeer(ctx, id.AccountID, fingerprint)
	} else {
		peer, err = s.AssertPeerByID(ctx, id.PeerID)
	}
	if err != nil {
		return err
	}
	return s.RemovePeer(ctx, peer)
}

// UpdatePeer replaces the descriptive fields of one of the account's peers
// and announces the new description. The fingerprint selects the peer and
// never changes.
func (s *Service) UpdatePeer(ctx context.Context, accountID string, info models.PeerInfo) (*models.PeerInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	peer, err := s.AssertAccountPeer(ctx, accountID, info.Fingerprint)
	if err != nil {
		return nil, err
	}
	updated, err := s.records.UpdatePeerInfo(ctx, peer.ID, info)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Validation("id", "peer not found")
	}
	if err != nil {
		return nil, apperr.Generic("updating peer", err)
	}
	out := updated.Info()
	if err := s.notifier.NotifyAccount(ctx, accountID, events.KindPeerAdded, out); err != nil {
		return nil, apperr.Generic("announcing peer", err)
	}
	return &out, nil
}

// ListPeers returns the descriptions of every peer of an account.
func (s *Service) ListPeers(ctx context.Context, accountID string) ([]models.PeerInfo, error) {
	peers, err := s.records.GetPeersForAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Generic("listing peers", err)
	}
	out := make([]models.PeerInfo, 0, len(peers))
	for i := range peers {
		out = append(out, peers[i].Info())
	}
	return out, nil
}

// PeerOnline reports whether the account's peer with fingerprint holds a
// live presence connection.
func (s *Service) PeerOnline(ctx context.Context, accountID, fingerprint string) (*OnlineStatus, error) {
	peer, err := s.AssertAccountPeer(ctx, accountID, fingerprint)
	if err != nil {
		return nil, err
	}
	_, ok, err := s.bus.Get(ctx, events.PeerOnlineKey(peer.ID))
	if err != nil {
		return nil, apperr.Generic("reading presence", err)
	}
	return &OnlineStatus{Online: ok}, nil
}

// Hello forwards the caller's addresses to another peer of the account as a
// connect_request.
func (s *Service) Hello(ctx context.Context, id *auth.Identity, req HelloRequest) error {
	if len(req.Fingerprint) < models.MinFingerprintLen {
		return apperr.Validation("fingerprint", "must be at least 6 characters")
	}
	if req.Port < 1 || req.Port > 65535 {
		return apperr.Validation("port", "must be between 1 and 65535")
	}
	target, err := s.AssertAccountPeer(ctx, id.AccountID, req.Fingerprint)
	if err != nil {
		return err
	}
	caller, err := s.AssertPeerByID(ctx, id.PeerID)
	if err != nil {
		return err
	}
	addresses := req.Addresses
	if addresses == nil {
		addresses = []string{}
	}
	err = s.notifier.NotifyPeer(ctx, target.ID, events.KindConnectRequest, events.ConnectRequest{
		Fingerprint: caller.Fingerprint,
		Addresses:   addresses,
		Port:        req.Port,
	})
	if err != nil {
		return apperr.Generic("sending connect request", err)
	}
	return nil
}

// AssertAccountPeer loads the account's peer with fingerprint. A peer of
// another account is reported the same as a missing one.
func (s *Service) AssertAccountPeer(ctx context.Context, accountID, fingerprint string) (*models.Peer, error) {
	peer, err := s.records.GetPeerForAccount(ctx, accountID, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Security("peer not found for this account with the given fingerprint")
	}
	if err != nil {
		return nil, apperr.Generic("loading peer", err)
	}
	return peer, nil
}

// AssertPeerByID loads a peer by id.
func (s *Service) AssertPeerByID(ctx context.Context, peerID string) (*models.Peer, error) {
	peer, err := s.records.GetPeerByID(ctx, peerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Security("peer not found with the given id")
	}
	if err != nil {
		return nil, apperr.Generic("loading peer", err)
	}
	return peer, nil
}
