// Package events defines the messages exchanged over the bus and forwarded to
// connected peers, together with the key and topic names they live under.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the type tag of an Event.
type Kind string

// Event kinds a peer may receive over its presence connection.
const (
	KindWebcRequest    Kind = "webc_request"
	KindWebcPeerData   Kind = "webc_peer_data"
	KindWebcReject     Kind = "webc_reject"
	KindPeerAdded      Kind = "peer_added"
	KindPeerRemoved    Kind = "peer_removed"
	KindPeerOnline     Kind = "peer_online"
	KindAuthError      Kind = "auth_error"
	KindConnectRequest Kind = "connect_request"
)

// ErrUnknownKind is returned when decoding an event with a kind outside the
// client-visible set.
var ErrUnknownKind = errors.New("unknown event kind")

// ClientVisible reports whether events of this kind may be forwarded to a peer.
func (k Kind) ClientVisible() bool {
	switch k {
	case KindWebcRequest, KindWebcPeerData, KindWebcReject,
		KindPeerAdded, KindPeerRemoved, KindPeerOnline,
		KindAuthError, KindConnectRequest:
		return true
	}
	return false
}

// Event is the envelope published on peer and account topics and written
// verbatim to presence connections.
type Event struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// New builds an event with data marshalled as its payload.
func New(kind Kind, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Type: kind, Data: raw}, nil
}

// Encode marshals the event envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope and rejects anything that is not a
// client-visible event.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !e.Type.ClientVisible() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return e, nil
}

// DecodeData unmarshals the event payload into v.
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}
