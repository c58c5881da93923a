package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/nats-io/nats.go"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/transport"
	"github.com/vctt94/stakeboard/wire"
)

var (
	// ErrMoveSuperseded means the opponent's move for the contested turn
	// committed first. The local attempt is discarded, never replayed.
	ErrMoveSuperseded = errors.New("move superseded by opponent")
	// ErrNotMyTurn means the wallet tried to act out of rotation.
	ErrNotMyTurn = errors.New("not this wallet's turn")
)

// SessionConfig carries the per-room knobs for EnterRoom. All fields are
// optional: a zero config gives an events-and-poll session with no direct
// peer channel.
type SessionConfig struct {
	// Nats enables server push events and the relayed peer channel.
	Nats *nats.Conn
	// PeerAddr is the opponent's QUIC endpoint, when known. Setting it
	// (or ListenAddr) negotiates a direct channel for two-player rooms.
	PeerAddr   string
	ListenAddr string
}

// RoomSession binds one wallet to one active room: the verified move
// replica, the turn clock, the peer channels, and the settlement and
// exit paths. Create with Client.EnterRoom, tear down with Leave or
// Close.
type RoomSession struct {
	sync.RWMutex
	c   *Client
	log slog.Logger

	roomID      string
	token       string
	self        string
	turnSeconds time.Duration

	participants []gameroom.Participant

	view    *MoveView
	monitor *Monitor
	settler *Settler
	exit    *ForcedExit

	dispatcher *transport.Dispatcher
	eventsSub  *nats.Subscription

	quit chan struct{}
}

// EnterRoom joins the wallet's session for an active room: runs the
// acceptance handshake, loads and verifies the move log, and wires the
// push and peer planes per cfg.
func (c *Client) EnterRoom(ctx context.Context, roomID string, cfg SessionConfig) (*RoomSession, error) {
	info, err := c.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	token, err := c.Accept(ctx, roomID, info.RulesHash)
	if err != nil {
		return nil, err
	}

	rs := &RoomSession{
		c:            c,
		log:          c.log,
		roomID:       roomID,
		token:        token,
		self:         c.wallet,
		turnSeconds:  time.Duration(info.Room.TurnSeconds) * time.Second,
		participants: append([]gameroom.Participant(nil), info.Room.Participants...),
		quit:         make(chan struct{}),
	}
	rs.view = NewMoveView(c.log, c, roomID)
	if err := rs.view.Resync(ctx); err != nil {
		return nil, err
	}
	rs.monitor = NewMonitor(rs.self, rs.turnSeconds)
	next := rs.view.LastTurn() + 1
	if owner, err := rs.turnOwner(next); err == nil {
		// The current turn's clock started at the last committed move,
		// not at this join: a mid-turn joiner must not credit the owner
		// with a fresh window.
		started := time.Now()
		if moves := rs.view.Moves(); len(moves) > 0 {
			started = moves[len(moves)-1].CreatedAt
		}
		rs.monitor.NoteTurn(next, owner, started)
	}
	rs.settler = NewSettler(c.log, func(ctx context.Context) (*FinalizeResult, error) {
		return c.ClaimTimeout(ctx, roomID, token)
	})
	rs.exit = NewForcedExit(c.log, c.cfg.ExitCeiling, rs.teardown)

	if cfg.Nats != nil {
		if err := rs.wireTransports(cfg); err != nil {
			return nil, err
		}
	}
	go rs.runClock()
	return rs, nil
}

func (rs *RoomSession) wireTransports(cfg SessionConfig) error {
	sub, err := transport.SubscribeEvents(cfg.Nats, rs.log, rs.roomID, rs.onEvent)
	if err != nil {
		return fmt.Errorf("subscribe room events: %w", err)
	}
	rs.eventsSub = sub

	// Peer channels are pairwise; multiway rooms run on events alone.
	peer := rs.opponent()
	if peer == "" {
		return nil
	}
	relay, err := transport.NewRelayChannel(cfg.Nats, rs.log, rs.roomID, rs.self, peer)
	if err != nil {
		return fmt.Errorf("relay channel: %w", err)
	}
	var direct transport.Channel
	if cfg.PeerAddr != "" || cfg.ListenAddr != "" {
		dc, err := transport.NewDirectChannel(transport.DirectConfig{
			RoomID:     rs.roomID,
			SelfWallet: rs.self,
			PeerWallet: peer,
			PeerAddr:   cfg.PeerAddr,
			ListenAddr: cfg.ListenAddr,
			Log:        rs.log,
		})
		if err != nil {
			// Gameplay survives on the relay alone.
			rs.log.Warnf("direct channel unavailable, relay only: %v", err)
		} else {
			direct = dc
		}
	}
	rs.dispatcher = transport.NewDispatcher(direct, relay, rs.log)
	return nil
}

// opponent returns the single other live wallet, or "" for multiway
// rooms.
func (rs *RoomSession) opponent() string {
	rs.RLock()
	defer rs.RUnlock()
	var others []string
	for _, p := range rs.participants {
		if !p.Eliminated && p.Wallet != rs.self {
			others = append(others, p.Wallet)
		}
	}
	if len(others) == 1 {
		return others[0]
	}
	return ""
}

func (rs *RoomSession) turnOwner(turn int64) (string, error) {
	rs.RLock()
	defer rs.RUnlock()
	var active []string
	for _, p := range rs.participants {
		if !p.Eliminated {
			active = append(active, p.Wallet)
		}
	}
	if turn < 1 || len(active) == 0 {
		return "", fmt.Errorf("no turn owner for turn %d", turn)
	}
	return active[(turn-1)%int64(len(active))], nil
}

// View exposes the verified move replica.
func (rs *RoomSession) View() *MoveView { return rs.view }

// Monitor exposes the turn clock.
func (rs *RoomSession) Monitor() *Monitor { return rs.monitor }

// Messages is the fanned-in peer stream, nil when no transports were
// wired.
func (rs *RoomSession) Messages() <-chan *wire.GameMessage {
	if rs.dispatcher == nil {
		return nil
	}
	return rs.dispatcher.Recv()
}

// submitAttempts bounds the resync-and-retry loop for one move. Each
// retry follows a fresh reload, so more than a few means the server and
// client disagree about something resync cannot fix.
const submitAttempts = 3

// Submit commits a move for the next turn. The turn number and chain tip
// are always taken from the verified local replica; on an ordering
// conflict the replica is reloaded and the attempt re-derived. A turn
// lost to the opponent's move returns ErrMoveSuperseded and is never
// replayed under a new number — the caller re-decides against the new
// position.
func (rs *RoomSession) Submit(ctx context.Context, payload json.RawMessage) (*MoveReceipt, error) {
	// Server rejections are handled by the conflict switch below; the
	// retry policy only papers over transient network failures.
	policy := rs.c.cfg.SubmitRetry
	policy.Permanent = func(err error) bool {
		var ae *APIError
		return asAPIError(err, &ae)
	}

	for attempt := 0; attempt < submitAttempts; attempt++ {
		turn := rs.view.LastTurn() + 1
		prev := rs.view.LastHash()

		var rec *MoveReceipt
		err := policy.Do(ctx, func() error {
			var serr error
			rec, serr = rs.c.SubmitMove(ctx, rs.roomID, rs.token, turn, payload, prev)
			return serr
		})
		if err == nil {
			mv := wire.Move{
				RoomID:   rs.roomID,
				Turn:     rec.Turn,
				Wallet:   rs.self,
				Payload:  payload,
				PrevHash: prev,
				MoveHash: rec.MoveHash,
			}
			if _, aerr := rs.view.Apply(mv); aerr != nil {
				if rerr := rs.view.Resync(ctx); rerr != nil {
					rs.log.Warnf("resync after commit: %v", rerr)
				}
			}
			rs.noteNextTurn(rec.Turn)
			rs.announce(ctx, &mv)
			return rec, nil
		}

		switch {
		case IsCode(err, "turn_mismatch"), IsCode(err, "hash_mismatch"):
			if rerr := rs.view.Resync(ctx); rerr != nil {
				return nil, rerr
			}
		case IsCode(err, "turn_already_taken"):
			if rerr := rs.view.Resync(ctx); rerr != nil {
				rs.log.Warnf("resync after lost race: %v", rerr)
			}
			return nil, ErrMoveSuperseded
		case IsCode(err, "not_your_turn"):
			if rerr := rs.view.Resync(ctx); rerr != nil {
				rs.log.Warnf("resync after turn rejection: %v", rerr)
			}
			return nil, ErrNotMyTurn
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("move did not commit after %d resyncs", submitAttempts)
}

// announce echoes a committed move to the opponent over the peer
// channels. Best effort: the events plane and the durable log carry the
// same information.
func (rs *RoomSession) announce(ctx context.Context, mv *wire.Move) {
	if rs.dispatcher == nil {
		return
	}
	msg := &wire.GameMessage{
		Type:     wire.MsgMove,
		RoomID:   rs.roomID,
		From:     rs.self,
		Turn:     mv.Turn,
		MoveHash: mv.MoveHash,
		PrevHash: mv.PrevHash,
		Payload:  mv.Payload,
		SentAt:   time.Now().UTC(),
	}
	if err := rs.dispatcher.Send(ctx, msg); err != nil {
		rs.log.Debugf("peer announce failed: %v", err)
	}
}

func (rs *RoomSession) noteNextTurn(committed int64) {
	next := committed + 1
	if owner, err := rs.turnOwner(next); err == nil {
		rs.monitor.NoteTurn(next, owner, time.Now())
	}
}

func (rs *RoomSession) onEvent(ev *transport.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Kind {
	case transport.EventMoveCommitted:
		if ev.Move == nil {
			return
		}
		if err := rs.view.OnPush(ctx, *ev.Move); err != nil {
			rs.log.Warnf("move push for room %s: %v", rs.roomID, err)
			return
		}
		next := ev.Move.Turn + 1
		if owner, err := rs.turnOwner(next); err == nil {
			rs.monitor.NoteTurn(next, owner, ev.At)
		}
	case transport.EventEliminated:
		rs.Lock()
		for i := range rs.participants {
			if strings.EqualFold(rs.participants[i].Wallet, ev.Wallet) {
				rs.participants[i].Eliminated = true
			}
		}
		rs.Unlock()
	case transport.EventStatusChanged:
		if ev.Status == string(gameroom.Finished) || ev.Status == string(gameroom.Cancelled) {
			rs.monitor.NoteTerminal()
		}
	case transport.EventSettled:
		rs.monitor.NoteTerminal()
	}
}

// clockTick is how often the clock watcher re-reads the turn state.
const clockTick = time.Second

// runClock watches the turn clock and auto-triggers a timeout claim the
// moment the opponent's turn expires. The settler latch keeps this to
// one network attempt; the server receipt keeps even that idempotent.
func (rs *RoomSession) runClock() {
	ticker := time.NewTicker(clockTick)
	defer ticker.Stop()
	for {
		select {
		case <-rs.quit:
			return
		case <-ticker.C:
			switch rs.monitor.State() {
			case StateClaimable:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				res, err := rs.settler.Auto(ctx)
				cancel()
				if err != nil {
					rs.log.Warnf("timeout claim failed: %v", err)
					continue
				}
				if res != nil {
					rs.monitor.NoteTerminal()
				}
			case StateTerminal:
				return
			}
		}
	}
}

// RetrySettlement manually re-drives settlement regardless of what the
// automatic trigger did.
func (rs *RoomSession) RetrySettlement(ctx context.Context) (*FinalizeResult, error) {
	return rs.settler.Retry(ctx)
}

// Resign concedes the game and settles for the opponent.
func (rs *RoomSession) Resign(ctx context.Context) (*FinalizeResult, error) {
	res, err := rs.c.Resign(ctx, rs.roomID, rs.token)
	if err != nil {
		return nil, err
	}
	rs.monitor.NoteTerminal()
	return res, nil
}

// Leave ends the session. The graceful path notifies the server (which
// forfeits if the game is live); whether or not it completes, local
// teardown finishes within the exit ceiling.
func (rs *RoomSession) Leave(ctx context.Context) error {
	rs.exit.Arm()

	errc := make(chan error, 1)
	go func() {
		gctx, cancel := context.WithTimeout(ctx, rs.c.cfg.ExitCeiling)
		defer cancel()
		errc <- rs.c.LeaveRoom(gctx, rs.roomID, rs.token)
		rs.exit.Trigger()
	}()

	<-rs.exit.Done()
	select {
	case err := <-errc:
		return err
	default:
		// The ceiling fired first; the server call is abandoned.
		return nil
	}
}

// Close tears the session down immediately without the graceful leave.
func (rs *RoomSession) Close() {
	rs.exit.Trigger()
}

func (rs *RoomSession) teardown() {
	close(rs.quit)
	if rs.eventsSub != nil {
		if err := rs.eventsSub.Unsubscribe(); err != nil {
			rs.log.Debugf("events unsubscribe: %v", err)
		}
	}
	if rs.dispatcher != nil {
		if err := rs.dispatcher.Close(); err != nil {
			rs.log.Debugf("dispatcher close: %v", err)
		}
	}
	rs.log.Infof("left room %s", rs.roomID)
}
