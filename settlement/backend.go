package settlement

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientEscrow is structural: the pot was never fully
	// funded. Retrying cannot fix it; the remediation path is a
	// creator-driven cancel and refund.
	ErrInsufficientEscrow = errors.New("funds not fully deposited")

	// ErrAlreadySettling means another finalize attempt from this
	// process is in flight for the room.
	ErrAlreadySettling = errors.New("settlement already in progress")
)

// Result is what the settlement backend reports for a payout call.
type Result struct {
	// Signature is the settlement transaction signature, hex encoded.
	Signature string
	// AlreadySettled is success, not an error: the backend had paid
	// this room out before this call.
	AlreadySettled bool
}

// Backend is the authority for fund movement. It is assumed idempotent per
// room: repeated calls after a payout report AlreadySettled with the
// original signature.
//
// Forfeit pays the whole pot to the counterparty of losingWallet. The
// backend derives the winner itself; callers only assert who concedes, so
// a malicious client cannot name itself the winner.
type Backend interface {
	Forfeit(ctx context.Context, roomID, losingWallet string) (*Result, error)
	RefundDraw(ctx context.Context, roomID string) (*Result, error)
}

// Structural reports whether err is a structural settlement failure that
// must not be retried into a second payout attempt.
func Structural(err error) bool {
	return errors.Is(err, ErrInsufficientEscrow)
}
