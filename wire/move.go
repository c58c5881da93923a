package wire

import (
	"encoding/json"
	"time"
)

// Move is one durable unit of game progression. Immutable once committed;
// the server assigns Turn, PrevHash and MoveHash regardless of client hints.
type Move struct {
	RoomID    string          `json:"room_id"`
	Turn      int64           `json:"turn"`
	Wallet    string          `json:"wallet"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	MoveHash  string          `json:"move_hash"`
	CreatedAt time.Time       `json:"created_at"`
}
