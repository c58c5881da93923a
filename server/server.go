package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/nats-io/nats.go"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/settlement"
	"github.com/vctt94/stakeboard/transport"
	"golang.org/x/sync/errgroup"
)

const (
	name    = "stakeboard"
	version = "v0.1.0"

	defaultFreshness     = 2 * time.Minute
	defaultSessionExpiry = 12 * time.Hour
	defaultSweepInterval = 5 * time.Second
	defaultStrikeCap     = 3
)

// ErrNotParticipant: the calling wallet holds no seat in the room, so it
// may not handshake, move, or settle there.
var ErrNotParticipant = errors.New("wallet not seated in this room")

type Config struct {
	ServerDir string
	HTTPPort  string
	NatsURL   string

	// TokenSecret signs session tokens. Required.
	TokenSecret string

	DebugLevel string
	LogBackend *logging.LogBackend

	// Zero values take the defaults above.
	SignatureFreshness time.Duration
	SessionExpiry      time.Duration
	SweepInterval      time.Duration
	StrikeCap          int
}

// Server is the authoritative core: it owns the durable move log, the
// acceptance handshake, the timeout sweep and the settlement engine, and
// exposes them over HTTP plus NATS push.
type Server struct {
	sync.RWMutex

	log      slog.Logger
	db       serverdb.Store
	rooms    *gameroom.Manager
	sessions *sessionAuthority
	engine   *settlement.Engine
	ledger   *settlement.Ledger // nil when an external backend is wired
	sweeper  *turnSweeper

	nc         *nats.Conn
	httpServer *http.Server

	sweepInterval time.Duration
	appdata       string
}

// NewServer opens the durable store and wires the core together. backend
// nil selects the built-in signing ledger.
func NewServer(cfg Config, backend settlement.Backend) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if cfg.SignatureFreshness == 0 {
		cfg.SignatureFreshness = defaultFreshness
	}
	if cfg.SessionExpiry == 0 {
		cfg.SessionExpiry = defaultSessionExpiry
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StrikeCap == 0 {
		cfg.StrikeCap = defaultStrikeCap
	}

	db, err := serverdb.NewBoltDB(filepath.Join(cfg.ServerDir, "server.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Server{
		log:           cfg.LogBackend.Logger("Server"),
		db:            db,
		rooms:         gameroom.NewManager(cfg.LogBackend.Logger("Rooms")),
		sweepInterval: cfg.SweepInterval,
		appdata:       cfg.ServerDir,
	}

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				s.log.Warnf("nats disconnected: %v", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				s.log.Infof("nats reconnected")
			}),
		)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.nc = nc
	}

	if backend == nil {
		signer, err := newLedgerSigner(cfg.ServerDir)
		if err != nil {
			s.close()
			return nil, err
		}
		ledger := settlement.NewLedger(cfg.LogBackend.Logger("Ledger"), signer, s.requiredStake)
		s.ledger = ledger
		backend = ledger
	}

	s.sessions = newSessionAuthority(db, cfg.LogBackend.Logger("Session"),
		[]byte(cfg.TokenSecret), cfg.SignatureFreshness, cfg.SessionExpiry)
	s.sessions.roomStatus = s.roomLifecycle
	s.engine = settlement.NewEngine(db, backend, cfg.LogBackend.Logger("Settle"))
	s.sweeper = newTurnSweeper(cfg.LogBackend.Logger("Sweep"), db, s.rooms,
		s.engine, cfg.StrikeCap, s.publishEvent)
	if s.ledger != nil {
		s.sweeper.onEliminated = s.ledger.MarkEliminated
	}

	if err := s.restoreRooms(context.Background()); err != nil {
		s.close()
		return nil, err
	}

	if cfg.HTTPPort != "" {
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler: s.router(),
		}
	}

	s.log.Infof("%s %s initialized, data dir %s", name, version, cfg.ServerDir)
	return s, nil
}

// restoreRooms reloads live rooms from the durable store after a restart:
// waiting and active rooms reenter the manager, ledger escrow is rebuilt
// from the recorded stakes, and each active room's turn clock resumes
// from its last committed move rather than from the restart itself.
func (s *Server) restoreRooms(ctx context.Context) error {
	snaps, err := s.db.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, snap := range snaps {
		if snap.Status != gameroom.Waiting && snap.Status != gameroom.Active {
			continue
		}
		room := gameroom.Restore(snap)
		s.rooms.Add(room)
		if s.ledger != nil {
			for _, p := range snap.Participants {
				s.ledger.Deposit(snap.ID, p.Wallet, snap.StakeAtoms)
				if p.Eliminated {
					s.ledger.MarkEliminated(snap.ID, p.Wallet)
				}
			}
		}
		if snap.Status != gameroom.Active {
			continue
		}
		last, err := s.db.LastMove(ctx, snap.ID)
		if err != nil {
			return fmt.Errorf("room %s last move: %w", snap.ID, err)
		}
		// Activation time is not recorded, so a moveless room gets a fresh
		// window. Once moves exist the pre-restart elapsed time counts.
		turn, started := int64(1), s.sweeper.now()
		if last != nil {
			turn, started = last.Turn+1, last.CreatedAt
		}
		s.sweeper.noteTurnAt(snap.ID, turn, started)
		s.log.Infof("room %s restored, turn %d clock resumed", snap.ID, turn)
	}
	return nil
}

// roomLifecycle reports a room's current status for session validation,
// falling back to the durable snapshot for rooms out of memory.
func (s *Server) roomLifecycle(roomID string) (gameroom.Status, bool) {
	if room := s.rooms.Get(roomID); room != nil {
		return room.CurrentStatus(), true
	}
	snap, err := s.db.GetRoom(context.Background(), roomID)
	if err != nil {
		return "", false
	}
	return snap.Status, true
}

// requiredStake tells the ledger backend what each wallet must have
// deposited before a room may pay out.
func (s *Server) requiredStake(roomID string) (uint64, error) {
	if room := s.rooms.Get(roomID); room != nil {
		return room.Marshal().StakeAtoms, nil
	}
	snap, err := s.db.GetRoom(context.Background(), roomID)
	if err != nil {
		return 0, err
	}
	return snap.StakeAtoms, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.sweeper.run(gctx, s.sweepInterval)
		return nil
	})

	if s.httpServer != nil {
		g.Go(func() error {
			s.log.Infof("HTTP API listening on %s", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(shCtx)
		})
	}

	err := g.Wait()
	s.close()
	return err
}

func (s *Server) close() {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("closing database: %v", err)
		}
	}
}

// publishEvent pushes a server-authoritative room event. Best effort:
// subscribers that miss it recover from the durable log.
func (s *Server) publishEvent(ev *transport.Event) {
	if s.nc == nil {
		return
	}
	if err := transport.PublishEvent(s.nc, ev); err != nil {
		s.log.Warnf("publish %s for room %s: %v", ev.Kind, ev.RoomID, err)
	}
}

// CreateRoom opens a waiting room with the creator seated. A wallet camped
// in another live room may not open a second one.
func (s *Server) CreateRoom(ctx context.Context, creator string, kind gameroom.GameKind,
	mode gameroom.Mode, stakeAtoms uint64, turnSeconds int64, feeAtoms uint64) (*gameroom.Room, error) {

	creator = strings.ToLower(creator)
	if existing := s.rooms.RoomForWallet(creator); existing != nil {
		return nil, fmt.Errorf("wallet %s is already in room %s", creator, existing.ID)
	}
	room, err := gameroom.NewRoom(creator, kind, mode, stakeAtoms, turnSeconds, feeAtoms)
	if err != nil {
		return nil, err
	}
	if err := s.db.PutRoom(ctx, room.Marshal()); err != nil {
		return nil, fmt.Errorf("persist room: %w", err)
	}
	s.rooms.Add(room)
	s.depositStake(room, creator)
	s.log.Infof("room %s created by %s (%s, stake %d)", room.ID, creator, kind, stakeAtoms)
	return room, nil
}

// JoinRoom seats a wallet; filling the room starts the game and the first
// turn clock.
func (s *Server) JoinRoom(ctx context.Context, roomID, wallet string) (*gameroom.Room, error) {
	wallet = strings.ToLower(wallet)
	room := s.rooms.Get(roomID)
	if room == nil {
		return nil, serverdb.ErrRoomNotFound
	}
	if existing := s.rooms.RoomForWallet(wallet); existing != nil && existing.ID != roomID {
		return nil, fmt.Errorf("wallet %s is already in room %s", wallet, existing.ID)
	}
	if err := room.AddParticipant(wallet); err != nil {
		return nil, err
	}
	s.depositStake(room, wallet)

	snap := room.Marshal()
	if len(snap.Participants) == snap.Kind.MaxPlayers() {
		if err := room.Advance(gameroom.Active); err != nil {
			return nil, err
		}
		if err := s.db.UpdateRoomStatus(ctx, roomID, gameroom.Active); err != nil {
			s.log.Errorf("persist room %s activation: %v", roomID, err)
		}
		s.sweeper.noteTurn(roomID, 1)
		s.publishEvent(&transport.Event{
			Kind:   transport.EventStatusChanged,
			RoomID: roomID,
			Status: string(gameroom.Active),
			At:     time.Now().UTC(),
		})
		s.log.Infof("room %s full, game on", roomID)
	}
	if err := s.db.PutRoom(ctx, room.Marshal()); err != nil {
		s.log.Errorf("persist room %s after join: %v", roomID, err)
	}
	return room, nil
}

// depositStake funds the built-in ledger on seat. With an external escrow
// backend deposits are confirmed out of band and this is a no-op.
func (s *Server) depositStake(room *gameroom.Room, wallet string) {
	if s.ledger == nil {
		return
	}
	s.ledger.Deposit(room.ID, wallet, room.Marshal().StakeAtoms)
}

// LeaveRoom unseats a wallet. Leaving a waiting room is free; leaving an
// active game is a forfeit and settles for the opponent.
func (s *Server) LeaveRoom(ctx context.Context, roomID, wallet string) error {
	wallet = strings.ToLower(wallet)
	room := s.rooms.Get(roomID)
	if room == nil {
		return serverdb.ErrRoomNotFound
	}
	if !room.HasParticipant(wallet) {
		return fmt.Errorf("wallet %s is not seated in room %s", wallet, roomID)
	}

	switch room.CurrentStatus() {
	case gameroom.Waiting:
		if empty := room.RemoveParticipant(wallet); empty {
			s.rooms.Remove(roomID)
			if err := s.db.DeleteRoom(ctx, roomID); err != nil {
				s.log.Errorf("delete empty room %s: %v", roomID, err)
			}
			return nil
		}
		return s.db.PutRoom(ctx, room.Marshal())
	case gameroom.Active:
		_, err := s.Resign(ctx, roomID, wallet)
		return err
	default:
		return nil // already terminal, nothing to do
	}
}

// Resign concedes an active game. With two live wallets the opponent
// wins the pot and the room settles. In a multiway room the resigner is
// eliminated instead: the stake folds into the pot, play continues for
// the remaining players and the returned result is nil.
func (s *Server) Resign(ctx context.Context, roomID, wallet string) (*settlement.FinalizeResult, error) {
	wallet = strings.ToLower(wallet)
	room := s.rooms.Get(roomID)
	if room == nil {
		return nil, serverdb.ErrRoomNotFound
	}
	if !room.HasParticipant(wallet) {
		return nil, fmt.Errorf("%w: %s in room %s", ErrNotParticipant, wallet, roomID)
	}

	active := room.ActiveWallets()
	live := false
	for _, w := range active {
		if w == wallet {
			live = true
			break
		}
	}
	if !live {
		return nil, fmt.Errorf("wallet %s was already eliminated from room %s", wallet, roomID)
	}
	if len(active) > 2 {
		s.eliminate(ctx, room, wallet)
		return nil, nil
	}

	var winner string
	for _, w := range active {
		if w != wallet {
			winner = w
			break
		}
	}
	if winner == "" {
		return nil, fmt.Errorf("no opponent to concede to in room %s", roomID)
	}
	res, err := s.engine.Finalize(ctx, roomID, settlement.Outcome{
		Kind:   settlement.OutcomeForfeit,
		Winner: winner,
		Loser:  wallet,
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
		Outcome: string(settlement.OutcomeForfeit),
		At:      time.Now().UTC(),
	})
	return res, nil
}

// eliminate removes a live wallet from a multiway game: the stake folds
// into the pot, the turn clock restarts for the recomputed owner, and the
// room stays active for the remaining players.
func (s *Server) eliminate(ctx context.Context, room *gameroom.Room, wallet string) {
	turn, _, _, derr := s.sweeper.deadline(room)
	room.Eliminate(wallet)
	if s.ledger != nil {
		s.ledger.MarkEliminated(room.ID, wallet)
	}
	if err := s.db.PutRoom(ctx, room.Marshal()); err != nil {
		s.log.Errorf("persist room %s after elimination: %v", room.ID, err)
	}
	s.publishEvent(&transport.Event{
		Kind:   transport.EventEliminated,
		RoomID: room.ID,
		Wallet: wallet,
		At:     time.Now().UTC(),
	})
	if derr == nil {
		s.sweeper.noteTurn(room.ID, turn)
	}
	s.log.Infof("room %s: %s resigned out, %d players remain",
		room.ID, wallet, len(room.ActiveWallets()))
}

// FinalizeDraw settles an agreed draw for a participant, refunding the
// live stakes. Callers without a seat in the room are rejected; the draw
// agreement itself travels over the peer channels.
func (s *Server) FinalizeDraw(ctx context.Context, roomID, wallet string) (*settlement.FinalizeResult, error) {
	wallet = strings.ToLower(wallet)
	room := s.rooms.Get(roomID)
	if room == nil {
		return nil, serverdb.ErrRoomNotFound
	}
	if !room.HasParticipant(wallet) {
		return nil, fmt.Errorf("%w: %s in room %s", ErrNotParticipant, wallet, roomID)
	}
	res, err := s.engine.Finalize(ctx, roomID, settlement.Outcome{Kind: settlement.OutcomeDraw})
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
		Outcome: string(settlement.OutcomeDraw),
		At:      time.Now().UTC(),
	})
	return res, nil
}
