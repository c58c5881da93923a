package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/settlement"
	"github.com/vctt94/stakeboard/transport"
)

// ErrNotClaimable: the opponent's turn clock has not expired, or the
// claimant owns the current turn.
var ErrNotClaimable = errors.New("timeout not claimable")

// turnMark records when the current turn started, wall-clock. Deadlines
// are recomputed from it on every check rather than counted down, so they
// survive restarts of the observer.
type turnMark struct {
	turn    int64
	started time.Time
}

// turnSweeper is the authoritative timeout monitor: a ticker loop that
// scans active rooms, confirms expired turn clocks, hands out strikes and
// eliminates wallets at the cap. Clients run their own advisory countdown;
// money only ever moves off this server-side confirmation or an explicit
// opponent claim.
type turnSweeper struct {
	log       slog.Logger
	db        serverdb.Store
	rooms     *gameroom.Manager
	engine    *settlement.Engine
	strikeCap int
	publish   func(*transport.Event)
	now       func() time.Time

	// onEliminated, when set, tells the settlement backend a wallet's
	// stake is forfeited to the pot while the game continues. Only fired
	// for eliminations that leave more than one live wallet.
	onEliminated func(roomID, wallet string)

	mu    sync.RWMutex
	marks map[string]turnMark

	quit chan struct{}
}

func newTurnSweeper(log slog.Logger, db serverdb.Store, rooms *gameroom.Manager,
	engine *settlement.Engine, strikeCap int, publish func(*transport.Event)) *turnSweeper {
	return &turnSweeper{
		log:       log,
		db:        db,
		rooms:     rooms,
		engine:    engine,
		strikeCap: strikeCap,
		publish:   publish,
		now:       time.Now,
		marks:     make(map[string]turnMark),
		quit:      make(chan struct{}),
	}
}

func (w *turnSweeper) stop() { close(w.quit) }

func (w *turnSweeper) run(ctx context.Context, interval time.Duration) {
	w.log.Infof("sweeper: started")
	t := time.NewTicker(interval)
	defer t.Stop()
	defer w.log.Infof("sweeper: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.sweepOnce(ctx)
		}
	}
}

// noteTurn marks the start of a turn's clock: called when a room goes
// active (turn 1) and after every committed move.
func (w *turnSweeper) noteTurn(roomID string, turn int64) {
	w.noteTurnAt(roomID, turn, w.now())
}

// noteTurnAt records a turn clock that started in the past, used when
// restoring rooms so elapsed pre-restart time still counts.
func (w *turnSweeper) noteTurnAt(roomID string, turn int64, started time.Time) {
	w.mu.Lock()
	w.marks[roomID] = turnMark{turn: turn, started: started}
	w.mu.Unlock()
}

func (w *turnSweeper) forget(roomID string) {
	w.mu.Lock()
	delete(w.marks, roomID)
	w.mu.Unlock()
}

// deadline reports the current turn, its owner and whether its clock has
// expired. Wall-clock based: recomputed from the recorded start each call.
func (w *turnSweeper) deadline(room *gameroom.Room) (turn int64, owner string, expired bool, err error) {
	w.mu.RLock()
	mark, ok := w.marks[room.ID]
	w.mu.RUnlock()
	if !ok {
		return 0, "", false, fmt.Errorf("no turn clock for room %s", room.ID)
	}
	owner, err = room.TurnOwner(mark.turn)
	if err != nil {
		return 0, "", false, err
	}
	snap := room.Marshal()
	due := mark.started.Add(time.Duration(snap.TurnSeconds) * time.Second)
	return mark.turn, owner, w.now().After(due), nil
}

func (w *turnSweeper) sweepOnce(ctx context.Context) {
	for _, room := range w.rooms.Snapshot() {
		if room.CurrentStatus() != gameroom.Active {
			continue
		}
		turn, owner, expired, err := w.deadline(room)
		if err != nil || !expired {
			continue
		}
		w.confirmTimeout(ctx, room, turn, owner)
	}
}

// confirmTimeout is the server-side authority for one expired turn clock:
// strike the owner, eliminate at the cap, and settle when elimination
// leaves a single live wallet.
func (w *turnSweeper) confirmTimeout(ctx context.Context, room *gameroom.Room, turn int64, owner string) {
	strikes, err := w.db.BumpStrike(ctx, room.ID, owner)
	if err != nil {
		w.log.Errorf("sweeper: strike for %s in %s: %v", owner, room.ID, err)
		return
	}
	w.log.Infof("sweeper: room %s turn %d timed out on %s (strike %d/%d)",
		room.ID, turn, owner, strikes, w.strikeCap)
	w.publish(&transport.Event{
		Kind:    transport.EventStrike,
		RoomID:  room.ID,
		Wallet:  owner,
		Strikes: strikes,
		At:      w.now().UTC(),
	})

	if strikes < w.strikeCap {
		// The turn stays with the owner; the clock restarts so the next
		// unexcused window earns the next strike. A two-player opponent
		// may claim the forfeit at any time instead of waiting out the
		// remaining strikes.
		w.noteTurn(room.ID, turn)
		return
	}

	room.Eliminate(owner)
	// The eliminated flag must survive restarts: the alternation function
	// and the escrow rebuild both derive from the stored participant list.
	if err := w.db.PutRoom(ctx, room.Marshal()); err != nil {
		w.log.Errorf("sweeper: persist room %s after elimination: %v", room.ID, err)
	}
	w.publish(&transport.Event{
		Kind:   transport.EventEliminated,
		RoomID: room.ID,
		Wallet: owner,
		At:     w.now().UTC(),
	})

	active := room.ActiveWallets()
	switch len(active) {
	case 0:
		w.log.Errorf("sweeper: room %s has no live wallets after elimination", room.ID)
	case 1:
		res, err := w.engine.Finalize(ctx, room.ID, settlement.Outcome{
			Kind:   settlement.OutcomeTimeout,
			Winner: active[0],
			Loser:  owner,
		})
		if err != nil {
			w.log.Errorf("sweeper: settle room %s after elimination: %v", room.ID, err)
			return
		}
		if err := room.Advance(gameroom.Finished); err != nil {
			w.log.Warnf("sweeper: room %s: %v", room.ID, err)
		}
		w.forget(room.ID)
		w.publish(&transport.Event{
			Kind:    transport.EventSettled,
			RoomID:  room.ID,
			Winner:  res.Winner,
			Outcome: string(settlement.OutcomeTimeout),
			At:      w.now().UTC(),
		})
	default:
		// Multiway game continues; the eliminated wallet's turns are
		// skipped by the alternation function from here on, and its
		// stake is forfeited to the pot.
		if w.onEliminated != nil {
			w.onEliminated(room.ID, owner)
		}
		w.noteTurn(room.ID, turn)
	}
}

// ClaimTimeout settles a room in the claimant's favor after the current
// turn owner's clock expired. Idempotent: once the room is terminal every
// further claim reports the recorded receipt as success.
func (s *Server) ClaimTimeout(ctx context.Context, roomID, claimant string) (*settlement.FinalizeResult, error) {
	claimant = strings.ToLower(claimant)

	// Already settled: success, hand back the receipt.
	if rec, err := s.db.GetReceipt(ctx, roomID); err != nil {
		return nil, fmt.Errorf("receipt lookup: %w", err)
	} else if rec != nil {
		return &settlement.FinalizeResult{
			Signature:      rec.Signature,
			Winner:         rec.Winner,
			AlreadySettled: true,
		}, nil
	}

	room := s.rooms.Get(roomID)
	if room == nil {
		return nil, serverdb.ErrRoomNotFound
	}
	if !room.HasParticipant(claimant) {
		return nil, fmt.Errorf("wallet %s is not seated in room %s", claimant, roomID)
	}

	turn, owner, expired, err := s.sweeper.deadline(room)
	if err != nil {
		return nil, err
	}
	if owner == claimant {
		return nil, fmt.Errorf("%w: turn %d is yours", ErrNotClaimable, turn)
	}
	if !expired {
		return nil, fmt.Errorf("%w: turn %d clock still running", ErrNotClaimable, turn)
	}
	// With more than two live wallets a single timeout is a strike for
	// the sweep, not a whole-room forfeit.
	if len(room.ActiveWallets()) > 2 {
		return nil, fmt.Errorf("%w: multiway rooms settle by elimination", ErrNotClaimable)
	}

	res, err := s.engine.Finalize(ctx, roomID, settlement.Outcome{
		Kind:   settlement.OutcomeTimeout,
		Winner: claimant,
		Loser:  owner,
	})
	if err != nil {
		return nil, err
	}
	if err := room.Advance(gameroom.Finished); err != nil {
		s.log.Warnf("room %s: %v", roomID, err)
	}
	s.sweeper.forget(roomID)
	s.publishEvent(&transport.Event{
		Kind:    transport.EventSettled,
		RoomID:  roomID,
		Winner:  res.Winner,
		Outcome: string(settlement.OutcomeTimeout),
		At:      time.Now().UTC(),
	})
	return res, nil
}
