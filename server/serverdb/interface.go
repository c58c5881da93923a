package serverdb

import (
	"context"
	"errors"
	"time"

	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/wire"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrTurnAlreadyTaken = errors.New("turn already taken")
	ErrHashMismatch     = errors.New("prev hash mismatch")
	ErrNonceNotFound    = errors.New("nonce not found")
	ErrNonceMismatch    = errors.New("nonce mismatch")
	ErrStatusRegression = errors.New("room status regression")
	ErrBucketNotFound   = errors.New("bucket not found")
)

// NonceRecord is a single-use acceptance nonce bound to (room, wallet,
// rulesHash). Issuing a new one replaces the prior record, so exactly one
// nonce is redeemable per (room, wallet) at a time.
type NonceRecord struct {
	RoomID    string    `json:"room_id"`
	Wallet    string    `json:"wallet"`
	RulesHash string    `json:"rules_hash"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Receipt is the durable proof a room's payout executed. At most one per
// room ever exists; its presence means "never settle again".
type Receipt struct {
	RoomID    string    `json:"room_id"`
	Signature string    `json:"signature"`
	Winner    string    `json:"winner"` // empty on draw refunds
	Outcome   string    `json:"outcome"`
	SettledAt time.Time `json:"settled_at"`
}

// MatchResult is the non-critical stats record written after settlement.
type MatchResult struct {
	RoomID     string    `json:"room_id"`
	Kind       string    `json:"game_kind"`
	Winner     string    `json:"winner"`
	Outcome    string    `json:"outcome"`
	StakeAtoms uint64    `json:"stake_atoms"`
	Turns      int64     `json:"turns"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the durable surface consumed by the move log and the settlement
// engine. Every write two clients can race on (move append, receipt
// insert, nonce consume) executes as a single atomic transaction with
// insert-if-absent semantics.
type Store interface {
	// --- rooms ---
	PutRoom(ctx context.Context, snap gameroom.Snapshot) error
	GetRoom(ctx context.Context, roomID string) (*gameroom.Snapshot, error)
	// UpdateRoomStatus persists a lifecycle transition, rejecting
	// regressions with ErrStatusRegression.
	UpdateRoomStatus(ctx context.Context, roomID string, status gameroom.Status) error
	DeleteRoom(ctx context.Context, roomID string) error
	// ListRooms returns every persisted room snapshot. Used to rebuild
	// in-memory state after a restart.
	ListRooms(ctx context.Context) ([]gameroom.Snapshot, error)

	// --- hash-chained move log ---
	// InsertMoveIfNextTurn appends mv iff mv.Turn is exactly one past
	// the last committed turn and mv.PrevHash matches the last committed
	// move hash. Returns ErrTurnAlreadyTaken when the slot is filled and
	// ErrHashMismatch when the chain disagrees. Atomic per room.
	InsertMoveIfNextTurn(ctx context.Context, mv *wire.Move) error
	GetMovesOrdered(ctx context.Context, roomID string) ([]wire.Move, error)
	LastMove(ctx context.Context, roomID string) (*wire.Move, error)

	// --- acceptance nonces ---
	PutNonce(ctx context.Context, rec *NonceRecord) error
	// ConsumeNonce atomically deletes the stored nonce iff it matches
	// (rulesHash, nonce). ErrNonceNotFound when absent, ErrNonceMismatch
	// when a different nonce is outstanding.
	ConsumeNonce(ctx context.Context, roomID, wallet, rulesHash, nonce string) error

	// --- finalize receipts ---
	// InsertReceiptIfAbsent stores rec unless a receipt already exists,
	// in which case the existing one is returned with inserted=false.
	InsertReceiptIfAbsent(ctx context.Context, rec *Receipt) (existing *Receipt, inserted bool, err error)
	GetReceipt(ctx context.Context, roomID string) (*Receipt, error)

	// --- timeout strikes ---
	BumpStrike(ctx context.Context, roomID, wallet string) (int, error)
	ResetStrikes(ctx context.Context, roomID, wallet string) error
	GetStrikes(ctx context.Context, roomID, wallet string) (int, error)

	// --- stats ---
	PutMatchResult(ctx context.Context, res *MatchResult) error
	GetMatchResult(ctx context.Context, roomID string) (*MatchResult, error)

	Close() error
}
