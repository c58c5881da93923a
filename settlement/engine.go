package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
)

// OutcomeKind classifies how a game reached its terminal state.
type OutcomeKind string

const (
	OutcomeWin     OutcomeKind = "win"
	OutcomeForfeit OutcomeKind = "forfeit"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeDraw    OutcomeKind = "draw"
)

// Outcome is a terminal game result handed to the engine. Winner/Loser are
// empty for draws.
type Outcome struct {
	Kind   OutcomeKind
	Winner string
	Loser  string
}

func (o Outcome) validate() error {
	switch o.Kind {
	case OutcomeDraw:
		return nil
	case OutcomeWin, OutcomeForfeit, OutcomeTimeout:
		if o.Winner == "" || o.Loser == "" {
			return fmt.Errorf("%s outcome needs winner and loser", o.Kind)
		}
		if strings.EqualFold(o.Winner, o.Loser) {
			return fmt.Errorf("winner and loser are the same wallet")
		}
		return nil
	}
	return fmt.Errorf("unknown outcome kind %q", o.Kind)
}

// FinalizeResult is returned to every caller, including late duplicates.
type FinalizeResult struct {
	Signature      string
	Winner         string
	AlreadySettled bool
}

// Engine drives exactly-one settlement per room. The durable receipt is
// the source of truth; the in-process guard only spares the backend
// redundant concurrent calls from the same instance.
type Engine struct {
	store   serverdb.Store
	backend Backend
	log     slog.Logger

	// CallTimeout bounds each backend dispatch.
	CallTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewEngine(store serverdb.Store, backend Backend, log slog.Logger) *Engine {
	return &Engine{
		store:       store,
		backend:     backend,
		log:         log,
		CallTimeout: 10 * time.Second,
		inflight:    make(map[string]struct{}),
	}
}

// Finalize settles a room for the given terminal outcome.
//
// Order of operations is load-bearing:
//  1. durable receipt check (fast path for every repeated trigger),
//  2. per-room in-flight guard,
//  3. receipt re-check under the guard,
//  4. backend dispatch ("already settled" from the backend is success),
//  5. receipt insert-if-absent (a racing writer's receipt wins),
//  6. non-critical side effects (stats, room status) that never undo 4-5.
func (e *Engine) Finalize(ctx context.Context, roomID string, outcome Outcome) (*FinalizeResult, error) {
	if err := outcome.validate(); err != nil {
		return nil, err
	}

	if rec, err := e.store.GetReceipt(ctx, roomID); err != nil {
		return nil, fmt.Errorf("receipt lookup: %w", err)
	} else if rec != nil {
		return &FinalizeResult{Signature: rec.Signature, Winner: rec.Winner, AlreadySettled: true}, nil
	}

	e.mu.Lock()
	if _, busy := e.inflight[roomID]; busy {
		e.mu.Unlock()
		return nil, ErrAlreadySettling
	}
	e.inflight[roomID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, roomID)
		e.mu.Unlock()
	}()

	if rec, err := e.store.GetReceipt(ctx, roomID); err != nil {
		return nil, fmt.Errorf("receipt lookup: %w", err)
	} else if rec != nil {
		return &FinalizeResult{Signature: rec.Signature, Winner: rec.Winner, AlreadySettled: true}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()

	var (
		res *Result
		err error
	)
	switch outcome.Kind {
	case OutcomeDraw:
		res, err = e.backend.RefundDraw(callCtx, roomID)
	default:
		res, err = e.backend.Forfeit(callCtx, roomID, outcome.Loser)
	}
	if err != nil {
		if Structural(err) {
			e.log.Warnf("settlement for room %s failed structurally: %v", roomID, err)
		} else {
			e.log.Errorf("settlement dispatch for room %s failed: %v", roomID, err)
		}
		return nil, err
	}
	if res.AlreadySettled {
		e.log.Debugf("backend reports room %s already settled", roomID)
	}

	rec := &serverdb.Receipt{
		RoomID:    roomID,
		Signature: res.Signature,
		Winner:    strings.ToLower(outcome.Winner),
		Outcome:   string(outcome.Kind),
		SettledAt: time.Now().UTC(),
	}
	stored, inserted, err := e.store.InsertReceiptIfAbsent(ctx, rec)
	if err != nil {
		// The payout ran; surface the signature even if the receipt
		// write failed, the next call will reconcile via the backend's
		// own idempotency.
		e.log.Errorf("receipt write for room %s failed: %v", roomID, err)
		return &FinalizeResult{Signature: res.Signature, Winner: rec.Winner}, nil
	}
	out := &FinalizeResult{
		Signature:      stored.Signature,
		Winner:         stored.Winner,
		AlreadySettled: !inserted || res.AlreadySettled,
	}

	e.recordSideEffects(ctx, roomID, outcome, stored)
	return out, nil
}

// recordSideEffects writes stats and marks the room finished. Failures
// here are logged, never propagated: the payout already happened.
func (e *Engine) recordSideEffects(ctx context.Context, roomID string, outcome Outcome, rec *serverdb.Receipt) {
	snap, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		e.log.Warnf("room %s lookup after settlement: %v", roomID, err)
		return
	}
	moves, err := e.store.GetMovesOrdered(ctx, roomID)
	if err != nil {
		e.log.Warnf("move count for room %s: %v", roomID, err)
	}
	result := &serverdb.MatchResult{
		RoomID:     roomID,
		Kind:       string(snap.Kind),
		Winner:     rec.Winner,
		Outcome:    string(outcome.Kind),
		StakeAtoms: snap.StakeAtoms,
		Turns:      int64(len(moves)),
		RecordedAt: time.Now().UTC(),
	}
	if err := e.store.PutMatchResult(ctx, result); err != nil {
		e.log.Warnf("match result for room %s not recorded: %v", roomID, err)
	}
	if err := e.store.UpdateRoomStatus(ctx, roomID, gameroom.Finished); err != nil {
		e.log.Warnf("room %s not marked finished: %v", roomID, err)
	}
}
