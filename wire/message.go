package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// MsgType discriminates GameMessage payloads. Consumers must switch on it
// exhaustively; unknown types are a protocol error, not a silent drop.
type MsgType string

const (
	MsgMove          MsgType = "move"
	MsgResign        MsgType = "resign"
	MsgDrawOffer     MsgType = "draw_offer"
	MsgDrawAccept    MsgType = "draw_accept"
	MsgDrawReject    MsgType = "draw_reject"
	MsgSyncRequest   MsgType = "sync_request"
	MsgSyncResponse  MsgType = "sync_response"
	MsgHeartbeat     MsgType = "heartbeat"
	MsgChat          MsgType = "chat"
	MsgRematchOffer  MsgType = "rematch_offer"
	MsgRematchAccept MsgType = "rematch_accept"
)

// GameMessage is the unit delivered over both the direct and relayed
// channels. Anything that affects money or turn order is advisory here;
// the durable move log is the authority.
type GameMessage struct {
	Type   MsgType `json:"type"`
	RoomID string  `json:"room_id"`
	From   string  `json:"from"` // sender wallet, hex compressed pubkey

	// Move fields, set when Type == MsgMove or MsgSyncResponse.
	Turn     int64           `json:"turn,omitempty"`
	MoveHash string          `json:"move_hash,omitempty"`
	PrevHash string          `json:"prev_hash,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// Free text for chat; also carries draw/rematch notes.
	Text string `json:"text,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// Valid reports whether the message is structurally usable. It checks the
// discriminator and the fields that type requires, nothing game-specific.
func (m *GameMessage) Valid() error {
	if m.RoomID == "" {
		return fmt.Errorf("message missing room id")
	}
	if m.From == "" {
		return fmt.Errorf("message missing sender")
	}
	switch m.Type {
	case MsgMove, MsgSyncResponse:
		if m.Turn < 1 {
			return fmt.Errorf("%s message with turn %d", m.Type, m.Turn)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message without payload", m.Type)
		}
	case MsgResign, MsgDrawOffer, MsgDrawAccept, MsgDrawReject,
		MsgSyncRequest, MsgHeartbeat, MsgChat, MsgRematchOffer, MsgRematchAccept:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode serializes the message for transport.
func (m *GameMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a transport frame and validates it.
func DecodeMessage(data []byte) (*GameMessage, error) {
	var m GameMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	return &m, nil
}
