package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/transport"
	"github.com/vctt94/stakeboard/wire"
)

var (
	// ErrTurnMismatch: the hinted turn number is not the server's expected
	// next turn. Recoverable: reload the log and retry.
	ErrTurnMismatch = errors.New("turn mismatch")

	// ErrNotYourTurn: the submitting wallet does not own the next turn.
	// An expected race under stale state, not a user-facing failure.
	ErrNotYourTurn = errors.New("not your turn")

	ErrRoomNotActive = errors.New("room not active")
)

// TurnMismatchError carries the server's expected turn so the client can
// resubmit without another round trip.
type TurnMismatchError struct {
	Expected int64
}

func (e *TurnMismatchError) Error() string {
	return fmt.Sprintf("turn mismatch, expected %d", e.Expected)
}

func (e *TurnMismatchError) Unwrap() error { return ErrTurnMismatch }

// SubmitMove validates and durably appends a move. The client's turn and
// prev-hash hints are advisory: the true next turn and previous hash come
// from the store, and the hash written is computed here. The final insert
// is a single atomic transaction keyed on (room, turn), so exactly one of
// any set of racing submissions wins.
func (s *Server) SubmitMove(ctx context.Context, roomID, wallet string, turnHint int64, payload json.RawMessage, prevHint string) (*wire.Move, error) {
	wallet = strings.ToLower(wallet)
	room := s.rooms.Get(roomID)
	if room == nil {
		return nil, serverdb.ErrRoomNotFound
	}
	if st := room.CurrentStatus(); st != gameroom.Active {
		return nil, fmt.Errorf("%w: status %s", ErrRoomNotActive, st)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("move needs a payload")
	}

	last, err := s.db.LastMove(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load last move: %w", err)
	}
	expected := int64(1)
	prev := wire.GenesisHash
	if last != nil {
		expected = last.Turn + 1
		prev = last.MoveHash
	}

	if turnHint != expected {
		return nil, &TurnMismatchError{Expected: expected}
	}
	owner, err := room.TurnOwner(expected)
	if err != nil {
		return nil, err
	}
	if owner != wallet {
		return nil, fmt.Errorf("%w: turn %d belongs to %s", ErrNotYourTurn, expected, owner)
	}
	if prevHint != "" && !strings.EqualFold(prevHint, prev) {
		return nil, fmt.Errorf("%w: client chained from %s", serverdb.ErrHashMismatch, prevHint)
	}

	mv := &wire.Move{
		RoomID:    roomID,
		Turn:      expected,
		Wallet:    wallet,
		Payload:   payload,
		PrevHash:  prev,
		MoveHash:  wire.MoveHash(prev, expected, wallet, payload),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.InsertMoveIfNextTurn(ctx, mv); err != nil {
		// A racer beat us to the slot, or the chain moved under us.
		return nil, err
	}

	// On-time move clears the wallet's timeout strikes.
	if err := s.db.ResetStrikes(ctx, roomID, wallet); err != nil {
		s.log.Warnf("strike reset for %s in %s: %v", wallet, roomID, err)
	}
	s.sweeper.noteTurn(roomID, expected+1)

	s.publishEvent(&transport.Event{
		Kind:   transport.EventMoveCommitted,
		RoomID: roomID,
		Move:   mv,
		At:     mv.CreatedAt,
	})
	s.log.Debugf("room %s turn %d committed by %s hash %s", roomID, mv.Turn, wallet, mv.MoveHash[:8])
	return mv, nil
}

// LoadMoves returns the full ordered durable history for a room.
func (s *Server) LoadMoves(ctx context.Context, roomID string) ([]wire.Move, error) {
	return s.db.GetMovesOrdered(ctx, roomID)
}
