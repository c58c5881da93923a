package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/settlement"
	"github.com/vctt94/stakeboard/transport"
	"github.com/vctt94/stakeboard/wire"
)

// testEnv wires a Server around the in-memory store and the signing
// ledger, with the sweeper's clock and event feed under test control.
type testEnv struct {
	s      *Server
	db     serverdb.Store
	ledger *settlement.Ledger

	mu     sync.Mutex
	now    time.Time
	events []*transport.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOver(t, serverdb.NewMemStore())
}

// newTestEnvOver builds the env over an existing store, the way a process
// restart reopens its database: any persisted live rooms are restored.
func newTestEnvOver(t *testing.T, db serverdb.Store) *testEnv {
	t.Helper()
	signer, err := wire.GenerateSigner()
	require.NoError(t, err)

	env := &testEnv{db: db, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := &Server{
		log:           slog.Disabled,
		db:            db,
		rooms:         gameroom.NewManager(slog.Disabled),
		sweepInterval: time.Second,
	}
	env.s = s
	env.ledger = settlement.NewLedger(slog.Disabled, signer, s.requiredStake)
	s.ledger = env.ledger
	s.engine = settlement.NewEngine(db, env.ledger, slog.Disabled)
	s.sessions = newSessionAuthority(db, slog.Disabled, []byte("test-secret"), 2*time.Minute, 12*time.Hour)
	s.sessions.now = env.clock
	s.sessions.roomStatus = s.roomLifecycle
	s.sweeper = newTurnSweeper(slog.Disabled, db, s.rooms, s.engine, defaultStrikeCap, env.capture)
	s.sweeper.now = env.clock
	s.sweeper.onEliminated = env.ledger.MarkEliminated
	require.NoError(t, s.restoreRooms(context.Background()))
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *testEnv) capture(ev *transport.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *testEnv) eventsOf(kind transport.EventKind) []*transport.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*transport.Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// startGame creates a chess room for w1 and fills it with w2, activating
// the game and starting turn 1's clock.
func (e *testEnv) startGame(t *testing.T) *gameroom.Room {
	t.Helper()
	ctx := context.Background()
	room, err := e.s.CreateRoom(ctx, "w1", gameroom.Chess, gameroom.Casual, 100, 60, 0)
	require.NoError(t, err)
	_, err = e.s.JoinRoom(ctx, room.ID, "w2")
	require.NoError(t, err)
	require.Equal(t, gameroom.Active, room.CurrentStatus())
	return room
}
