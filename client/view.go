package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/vctt94/stakeboard/wire"
)

// MoveLoader fetches the durable move history for a room. *Client
// satisfies it; tests substitute their own.
type MoveLoader interface {
	LoadMoves(ctx context.Context, roomID string) ([]wire.Move, error)
}

// MoveView is the client-side replica of a room's move log. It only ever
// holds a verified contiguous prefix: pushes that would create a gap or
// break the hash chain trigger a full reload from the server instead of
// being applied. Safe for concurrent use.
type MoveView struct {
	mu     sync.RWMutex
	log    slog.Logger
	loader MoveLoader
	roomID string
	moves  []wire.Move
}

func NewMoveView(log slog.Logger, loader MoveLoader, roomID string) *MoveView {
	return &MoveView{log: log, loader: loader, roomID: roomID}
}

// LastTurn returns the highest applied turn, 0 when empty.
func (v *MoveView) LastTurn() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int64(len(v.moves))
}

// LastHash returns the chain tip, GenesisHash when empty.
func (v *MoveView) LastHash() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.moves) == 0 {
		return wire.GenesisHash
	}
	return v.moves[len(v.moves)-1].MoveHash
}

// Moves returns a copy of the applied log.
func (v *MoveView) Moves() []wire.Move {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]wire.Move, len(v.moves))
	copy(out, v.moves)
	return out
}

// Apply appends mv when it is exactly the next turn and links to the
// current tip. Duplicates of already-applied turns are ignored. Anything
// else reports a desync and the caller must Resync.
func (v *MoveView) Apply(mv wire.Move) (applied bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	last := int64(len(v.moves))
	switch {
	case mv.Turn <= last:
		// Relayed echo of something we already hold. Verify it matches.
		have := v.moves[mv.Turn-1]
		if !strings.EqualFold(have.MoveHash, mv.MoveHash) {
			return false, fmt.Errorf("turn %d hash diverges from applied log", mv.Turn)
		}
		return false, nil
	case mv.Turn > last+1:
		return false, fmt.Errorf("turn %d arrived while holding %d: gap", mv.Turn, last)
	}

	tip := wire.GenesisHash
	if last > 0 {
		tip = v.moves[last-1].MoveHash
	}
	if !strings.EqualFold(mv.PrevHash, tip) {
		return false, fmt.Errorf("turn %d does not link to tip", mv.Turn)
	}
	if want := wire.MoveHash(mv.PrevHash, mv.Turn, mv.Wallet, mv.Payload); !strings.EqualFold(mv.MoveHash, want) {
		return false, fmt.Errorf("turn %d move hash does not verify", mv.Turn)
	}
	v.moves = append(v.moves, mv)
	return true, nil
}

// OnPush handles a pushed move notification: apply in order, resync on
// any gap or divergence. This is the only correct reaction to a push the
// view cannot place, so the error path reloads rather than guessing.
func (v *MoveView) OnPush(ctx context.Context, mv wire.Move) error {
	if _, err := v.Apply(mv); err != nil {
		v.log.Debugf("push not applicable (%v), resyncing room %s", err, v.roomID)
		return v.Resync(ctx)
	}
	return nil
}

// Resync replaces the local replica with the server's durable log after
// verifying the chain end to end.
func (v *MoveView) Resync(ctx context.Context) error {
	moves, err := v.loader.LoadMoves(ctx, v.roomID)
	if err != nil {
		return fmt.Errorf("reload move log: %w", err)
	}
	if err := wire.VerifyChain(moves); err != nil {
		return fmt.Errorf("server log failed verification: %w", err)
	}
	v.mu.Lock()
	v.moves = moves
	v.mu.Unlock()
	v.log.Debugf("resynced room %s to turn %d", v.roomID, len(moves))
	return nil
}
