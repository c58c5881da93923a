package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"
	"github.com/vctt94/stakeboard/wire"
)

// Ledger is a signing settlement backend: deposits are tracked per room,
// payouts move the whole pot to the derived winner and are attested by an
// EC-Schnorr-DCRv0 signature from the ledger key. It is the
// ledger-equivalent stand-in for an on-chain escrow program and keeps the
// same contract: idempotent per room, winner derived from the conceding
// wallet, never from a client assertion.
type Ledger struct {
	mu     sync.Mutex
	log    slog.Logger
	signer wire.Signer

	// deposits: roomID -> wallet -> atoms held in escrow.
	deposits map[string]map[string]uint64
	// pots: roomID -> atoms forfeited by eliminated wallets, paid to the
	// eventual winner.
	pots map[string]uint64
	// balances: wallet -> atoms paid out (refunds included).
	balances map[string]uint64
	// settled: roomID -> result of the one payout that ran.
	settled map[string]*Result

	requiredStake func(roomID string) (uint64, error)
}

// NewLedger builds a backend signing with the given key. requiredStake
// reports the per-wallet stake a room needs before it may pay out; it is
// how the ledger detects structurally underfunded rooms.
func NewLedger(log slog.Logger, signer wire.Signer, requiredStake func(roomID string) (uint64, error)) *Ledger {
	return &Ledger{
		log:           log,
		signer:        signer,
		deposits:      make(map[string]map[string]uint64),
		pots:          make(map[string]uint64),
		balances:      make(map[string]uint64),
		settled:       make(map[string]*Result),
		requiredStake: requiredStake,
	}
}

// Deposit records escrow funding for a wallet in a room.
func (l *Ledger) Deposit(roomID, wallet string, atoms uint64) {
	wallet = strings.ToLower(wallet)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deposits[roomID] == nil {
		l.deposits[roomID] = make(map[string]uint64)
	}
	l.deposits[roomID][wallet] += atoms
	l.log.Debugf("ledger: deposit room=%s wallet=%s atoms=%d", roomID, wallet, atoms)
}

// MarkEliminated folds an eliminated wallet's stake into the room pot.
// The wallet stops counting as a live depositor, so multiway games keep a
// derivable winner once eliminations reduce them to two live seats. Not
// used for the final elimination, which settles through Forfeit directly.
func (l *Ledger) MarkEliminated(roomID, wallet string) {
	wallet = strings.ToLower(wallet)
	l.mu.Lock()
	defer l.mu.Unlock()
	room := l.deposits[roomID]
	if atoms, ok := room[wallet]; ok {
		l.pots[roomID] += atoms
		delete(room, wallet)
		l.log.Debugf("ledger: room %s folded %d atoms from eliminated %s", roomID, atoms, wallet)
	}
}

// Balance returns the atoms paid out to a wallet so far.
func (l *Ledger) Balance(wallet string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[strings.ToLower(wallet)]
}

func (l *Ledger) sign(tag, roomID, detail string) (string, error) {
	digest := blake256.Sum256([]byte(fmt.Sprintf("stakeboard/settle/v1|%s|room=%s|%s|ts=%d",
		tag, roomID, detail, time.Now().UnixNano())))
	sig, err := l.signer.SignDigest(digest)
	if err != nil {
		return "", fmt.Errorf("ledger sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

func (l *Ledger) checkFunded(roomID string) (map[string]uint64, error) {
	room := l.deposits[roomID]
	if len(room) < 2 {
		return nil, fmt.Errorf("%w: %d depositors", ErrInsufficientEscrow, len(room))
	}
	stake := uint64(0)
	if l.requiredStake != nil {
		st, err := l.requiredStake(roomID)
		if err != nil {
			return nil, err
		}
		stake = st
	}
	for w, atoms := range room {
		if atoms < stake {
			return nil, fmt.Errorf("%w: wallet %s deposited %d of %d", ErrInsufficientEscrow, w, atoms, stake)
		}
	}
	return room, nil
}

func (l *Ledger) Forfeit(ctx context.Context, roomID, losingWallet string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	losingWallet = strings.ToLower(losingWallet)
	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.settled[roomID]; ok {
		return &Result{Signature: res.Signature, AlreadySettled: true}, nil
	}
	room, err := l.checkFunded(roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := room[losingWallet]; !ok {
		return nil, fmt.Errorf("%w: conceding wallet %s never deposited", ErrInsufficientEscrow, losingWallet)
	}

	// Derive the winner as the other depositor. Multiway rooms settle
	// only once eliminations have reduced them to two funded seats.
	var winner string
	for w := range room {
		if w != losingWallet {
			if winner != "" {
				return nil, fmt.Errorf("room %s has %d live depositors; cannot derive a single winner", roomID, len(room))
			}
			winner = w
		}
	}

	pot := l.pots[roomID]
	for _, atoms := range room {
		pot += atoms
	}
	sig, err := l.sign("forfeit", roomID, "winner="+winner)
	if err != nil {
		return nil, err
	}
	l.balances[winner] += pot
	delete(l.deposits, roomID)
	delete(l.pots, roomID)
	res := &Result{Signature: sig}
	l.settled[roomID] = res
	l.log.Infof("ledger: room %s settled by forfeit, %d atoms to %s", roomID, pot, winner)
	return res, nil
}

func (l *Ledger) RefundDraw(ctx context.Context, roomID string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.settled[roomID]; ok {
		return &Result{Signature: res.Signature, AlreadySettled: true}, nil
	}
	room, err := l.checkFunded(roomID)
	if err != nil {
		return nil, err
	}
	sig, err := l.sign("draw", roomID, "refund")
	if err != nil {
		return nil, err
	}
	// Live stakes go back to their owners; anything folded from earlier
	// eliminations splits evenly across the live seats.
	share := l.pots[roomID] / uint64(len(room))
	for w, atoms := range room {
		l.balances[w] += atoms + share
	}
	delete(l.deposits, roomID)
	delete(l.pots, roomID)
	res := &Result{Signature: sig}
	l.settled[roomID] = res
	l.log.Infof("ledger: room %s drawn, stakes refunded", roomID)
	return res, nil
}
