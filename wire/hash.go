package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
)

// GenesisHash is the prev_hash of turn 1 in every room.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MoveHash computes the chain hash of a move:
//
//	BLAKE-256(prevHash || be64(turn) || wallet || payload)
//
// prevHash and wallet are taken as their lowercase hex string bytes so both
// sides hash exactly what they exchanged on the wire. Returns lowercase hex.
func MoveHash(prevHash string, turn int64, wallet string, payload []byte) string {
	h := blake256.New()
	h.Write([]byte(strings.ToLower(prevHash)))
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], uint64(turn))
	h.Write(tb[:])
	h.Write([]byte(strings.ToLower(wallet)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks an ordered move list: contiguous 1..k turn numbers
// and each prev_hash linking to the predecessor's move_hash.
func VerifyChain(moves []Move) error {
	prev := GenesisHash
	for i, mv := range moves {
		if mv.Turn != int64(i)+1 {
			return &ChainError{Turn: mv.Turn, Reason: "turn gap"}
		}
		if !strings.EqualFold(mv.PrevHash, prev) {
			return &ChainError{Turn: mv.Turn, Reason: "prev hash broken"}
		}
		want := MoveHash(mv.PrevHash, mv.Turn, mv.Wallet, mv.Payload)
		if !strings.EqualFold(mv.MoveHash, want) {
			return &ChainError{Turn: mv.Turn, Reason: "move hash mismatch"}
		}
		prev = mv.MoveHash
	}
	return nil
}

// ChainError reports the first turn at which a move log fails verification.
type ChainError struct {
	Turn   int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("move chain invalid at turn %d: %s", e.Turn, e.Reason)
}
