package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
)

// MessageType is the "type" tag of a discovery datagram.
type MessageType string

const (
	TypeAnnounce MessageType = "announce"
	TypeGoodbye  MessageType = "goodbye"
)

// ReasonShutdown is sent in the Goodbye of a node that is stopping.
const ReasonShutdown = "shutdown"

var (
	// ErrUnknownMessage is returned for well-formed JSON with an unknown type.
	ErrUnknownMessage = errors.New("unknown discovery message type")
	// ErrMalformed is returned for datagrams that are not a valid message.
	ErrMalformed = errors.New("malformed discovery message")
)

// Announce advertises a node. KnownPeers is informational only.
type Announce struct {
	NodeID     string       `json:"node_id"`
	Hostname   string       `json:"hostname"`
	Addresses  []netip.Addr `json:"addresses"`
	Port       uint16       `json:"port"`
	Timestamp  string       `json:"timestamp"`
	Version    string       `json:"version"`
	KnownPeers []string     `json:"known_peers"`
}

// Goodbye tells peers a node is leaving.
type Goodbye struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// Message is a decoded datagram; exactly one of Announce and Goodbye is set.
type Message struct {
	Type     MessageType
	Announce *Announce
	Goodbye  *Goodbye
}

type announceWire struct {
	Type MessageType `json:"type"`
	Announce
}

type goodbyeWire struct {
	Type MessageType `json:"type"`
	Goodbye
}

// EncodeAnnounce renders a as a tagged JSON datagram.
func EncodeAnnounce(a Announce) ([]byte, error) {
	if a.Addresses == nil {
		a.Addresses = []netip.Addr{}
	}
	if a.KnownPeers == nil {
		a.KnownPeers = []string{}
	}
	return json.Marshal(announceWire{Type: TypeAnnounce, Announce: a})
}

// EncodeGoodbye renders g as a tagged JSON datagram.
func EncodeGoodbye(g Goodbye) ([]byte, error) {
	return json.Marshal(goodbyeWire{Type: TypeGoodbye, Goodbye: g})
}

// Decode parses a datagram. Errors wrap ErrMalformed or ErrUnknownMessage.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case TypeAnnounce:
		var w announceWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if w.NodeID == "" {
			return Message{}, fmt.Errorf("%w: announce without node_id", ErrMalformed)
		}
		if len(w.Addresses) == 0 {
			return Message{}, fmt.Errorf("%w: announce without addresses", ErrMalformed)
		}
		a := w.Announce
		return Message{Type: TypeAnnounce, Announce: &a}, nil
	case TypeGoodbye:
		var w goodbyeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if w.NodeID == "" {
			return Message{}, fmt.Errorf("%w: goodbye without node_id", ErrMalformed)
		}
		g := w.Goodbye
		return Message{Type: TypeGoodbye, Goodbye: &g}, nil
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
}
