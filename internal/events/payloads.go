package events

// WebcInit is the record a rendezvous participant receives: the peer it is
// about to meet, its own PIN and where to send the PIN datagram.
type WebcInit struct {
	Fingerprint   string `json:"fingerprint"`
	Pin           string `json:"pin"`
	ServerAddress string `json:"serverAddress,omitempty"`
	ServerPort    int    `json:"serverPort,omitempty"`
}

// WebcPeerData tells a participant where to reach the other side.
type WebcPeerData struct {
	Pin         string `json:"pin"`
	PeerAddress string `json:"peerAddress"`
	PeerPort    int    `json:"peerPort"`
}

// WebcReject ends a rendezvous step; Message carries an error code.
type WebcReject struct {
	Pin     string `json:"pin"`
	Message string `json:"message"`
}

// PeerOnline announces that a peer of the account opened its presence
// connection.
type PeerOnline struct {
	Fingerprint string `json:"fingerprint"`
}

// PeerRemoved is the minimum a peer_removed payload must carry for the
// gateway to recognise its own removal.
type PeerRemoved struct {
	Fingerprint string `json:"fingerprint"`
}

// AuthError tells a client its credential was rejected.
type AuthError struct {
	Message string `json:"message"`
}

// ConnectRequest asks a peer to connect back to the sender on one of its
// advertised addresses.
type ConnectRequest struct {
	Fingerprint string   `json:"fingerprint"`
	Addresses   []string `json:"addresses"`
	Port        int      `json:"port"`
}
