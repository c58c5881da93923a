package wire

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
)

// RulesVersion tags the canonical rules encoding. Bump on any field change.
const RulesVersion = 1

// Rules is the fixed, ordered set of parameters both wallets attest to
// before a game starts. Two honest parties with the same parameters must
// produce the identical hash, so encoding is strictly positional.
type Rules struct {
	RoomID      string
	GameKind    string
	Mode        string
	StakeAtoms  uint64
	TurnSeconds int64
	FeeAtoms    uint64
}

// Canonical returns the exact byte string that is hashed and embedded in
// acceptance messages. Field order is part of the protocol.
func (r Rules) Canonical() string {
	return fmt.Sprintf("stakeboard/rules/v%d|room=%s|game=%s|mode=%s|stake=%d|turn=%d|fee=%d",
		RulesVersion, strings.ToLower(r.RoomID), r.GameKind, r.Mode,
		r.StakeAtoms, r.TurnSeconds, r.FeeAtoms)
}

// Hash returns the lowercase hex BLAKE-256 of the canonical encoding.
func (r Rules) Hash() string {
	sum := blake256.Sum256([]byte(r.Canonical()))
	return hex.EncodeToString(sum[:])
}

// AcceptanceMessage builds the canonical string a wallet signs to accept a
// room's rules. The server-issued nonce and the client timestamp (unix
// seconds) bind the signature to one handshake attempt.
func AcceptanceMessage(roomID, wallet, rulesHash, nonce string, ts int64) string {
	return fmt.Sprintf("stakeboard/accept/v%d|room=%s|wallet=%s|rules=%s|nonce=%s|ts=%d",
		RulesVersion, strings.ToLower(roomID), strings.ToLower(wallet),
		strings.ToLower(rulesHash), nonce, ts)
}

// AcceptanceDigest is the 32-byte digest actually signed by the wallet.
func AcceptanceDigest(roomID, wallet, rulesHash, nonce string, ts int64) [32]byte {
	return blake256.Sum256([]byte(AcceptanceMessage(roomID, wallet, rulesHash, nonce, ts)))
}
