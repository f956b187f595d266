package events

// Key prefixes of transient bus records. Tooling outside this repository reads
// these names, so they must not change.
const (
	// linkRequest_<requestId>: pending link, 5 min (no PIN) or 15 min (PIN).
	PrefixLinkRequest = "linkRequest_"
	// linkNonce_<nonce>: replay guard, lives until the assertion expires.
	PrefixLinkNonce = "linkNonce_"
	// peerExists_<peerId>: cached existence check behind authenticate.
	PrefixPeerExists = "peerExists_"
	// peer_online_<peerId>: presence marker, 3 min, refreshed by heartbeat.
	PrefixPeerOnline = "peer_online_"

	PrefixWebcInit         = "webc_init_"
	PrefixWebcPending      = "webc_pending_"
	PrefixWebcRelayed      = "webc_relayed_"
	PrefixWebcLocal        = "webc_local_"
	PrefixWebcLocalPending = "webc_local_pending_"
	PrefixWebcLocalRelayed = "webc_local_relayed_"
	PrefixPeerTopic        = "peer_"
	PrefixAccountTopic     = "account_"
)

func LinkRequestKey(requestID string) string { return PrefixLinkRequest + requestID }
func LinkNonceKey(nonce string) string { return PrefixLinkNonce + nonce }
func PeerExistsKey(peerID string) string { return PrefixPeerExists + peerID }
func PeerOnlineKey(peerID string) string { return PrefixPeerOnline + peerID }

func WebcInitKey(pin string) string { return PrefixWebcInit + pin }
func WebcPendingKey(pin string) string { return PrefixWebcPending + pin }
func WebcRelayedKey(pin string) string { return PrefixWebcRelayed + pin }
func WebcLocalKey(pin string) string { return PrefixWebcLocal + pin }
func WebcLocalPendingKey(pin string) string { return PrefixWebcLocalPending + pin }
func WebcLocalRelayedKey(pin string) string { return PrefixWebcLocalRelayed + pin }

// PeerTopic carries events addressed to a single peer.
func PeerTopic(peerID string) string { return PrefixPeerTopic + peerID }

// AccountTopic carries events for every connected peer of an account.
func AccountTopic(accountID string) string { return PrefixAccountTopic + accountID }
