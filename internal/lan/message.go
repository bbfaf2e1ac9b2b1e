package lan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssd-technologies/lansync/internal/state"
)

// Message ids. These strings are part of the wire protocol.
const (
	MsgDiscoverIP   = "GET /my-udp-ip-address"
	MsgPushHostInfo = "PUT /storage-server/host"
)

// MessageType is the interaction kind of a datagram.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypePush     MessageType = "push"
)

// maxDatagramSize bounds the receive buffer.
const maxDatagramSize = 64 * 1024

// Envelope is the JSON object carried by every datagram.
type Envelope struct {
	Client  state.Identity `json:"client"`
	Message Message        `json:"message"`
}

// Message is the typed part of an Envelope. JSON holds the payload encoded as
// a JSON string.
type Message struct {
	CreatedAt time.Time   `json:"createdAt"`
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	JSON      string      `json:"json"`
}

// HostInfoPayload is broadcast by a hosting process.
type HostInfoPayload struct {
	Port        int                       `json:"port"`
	Projects    []string                  `json:"projects"`
	PeerCount   int                       `json:"peerCount"`
	ClientCount int                       `json:"clientCount"`
	DiskUsage   *state.DiskUsage          `json:"diskUsage"`
	Peers       map[string]state.PeerInfo `json:"peers,omitempty"`
}

// HostAckPayload is the reply of any receiver of a HostInfoPayload push.
type HostAckPayload struct {
	Port          int       `json:"port"`
	HostServerID  string    `json:"hostServerId"`
	HostUpdatedAt time.Time `json:"hostUpdatedAt"`
	IsClient      bool      `json:"isClient"`
}

// DiscoverIPPayload answers a discover-IP request with the observed address.
type DiscoverIPPayload struct {
	IP string `json:"ip,omitempty"`
}

// newEnvelope builds an envelope for the given sender and payload.
func newEnvelope(from state.Identity, typ MessageType, id string, createdAt time.Time, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", id, err)
	}
	return &Envelope{
		Client: from,
		Message: Message{
			CreatedAt: createdAt,
			Type:      typ,
			ID:        id,
			JSON:      string(data),
		},
	}, nil
}

// decodePayload unmarshals the envelope's embedded JSON into v.
func (e *Envelope) decodePayload(v any) error {
	if e.Message.JSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(e.Message.JSON), v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Message.ID, err)
	}
	return nil
}

func (e *Envelope) marshal() ([]byte, error)  { return json.Marshal(e) }
func (e *Envelope) unmarshal(b []byte) error { return json.Unmarshal(b, e) }
