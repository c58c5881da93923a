package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/wire"
)

func TestRestartRestoresActiveRooms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	room := env.startGame(t)

	mv, err := env.s.SubmitMove(ctx, room.ID, "w1", 1, json.RawMessage(`{"m":"e4"}`), "")
	require.NoError(t, err)

	waiting, err := env.s.CreateRoom(ctx, "w5", gameroom.Ludo, gameroom.Casual, 50, 30, 0)
	require.NoError(t, err)

	// A fresh server over the same store picks up where the old one died.
	env2 := newTestEnvOver(t, env.db)
	restored := env2.s.rooms.Get(room.ID)
	require.NotNil(t, restored, "active room reloads into memory")
	assert.Equal(t, gameroom.Active, restored.CurrentStatus())

	// Play continues against the restored room.
	_, err = env2.s.SubmitMove(ctx, room.ID, "w2", 2, json.RawMessage(`{"m":"e5"}`), mv.MoveHash)
	require.NoError(t, err)

	// Waiting rooms come back too and remain joinable.
	w := env2.s.rooms.Get(waiting.ID)
	require.NotNil(t, w)
	assert.Equal(t, gameroom.Waiting, w.CurrentStatus())
}

func TestRestartResumesTurnClockFromLastMove(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	room := env.startGame(t)

	// Turn 1 committed 30 seconds before the (re)start time the second
	// env will observe.
	mv := &wire.Move{
		RoomID:    room.ID,
		Turn:      1,
		Wallet:    "w1",
		Payload:   json.RawMessage(`{"m":"e4"}`),
		PrevHash:  wire.GenesisHash,
		CreatedAt: env.clock().Add(-30 * time.Second),
	}
	mv.MoveHash = wire.MoveHash(mv.PrevHash, mv.Turn, mv.Wallet, mv.Payload)
	require.NoError(t, env.db.InsertMoveIfNextTurn(ctx, mv))

	env2 := newTestEnvOver(t, env.db)
	room2 := env2.s.rooms.Get(room.ID)
	require.NotNil(t, room2)

	turn, owner, expired, err := env2.s.sweeper.deadline(room2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), turn)
	assert.Equal(t, "w2", owner)
	assert.False(t, expired, "half the 60s window remains")

	// Expiry lands 60s after the recorded move, not 60s after the
	// restart: the pre-restart elapsed time counts.
	env2.advance(31 * time.Second)
	_, _, expired, err = env2.s.sweeper.deadline(room2)
	require.NoError(t, err)
	assert.True(t, expired)

	res, err := env2.s.ClaimTimeout(ctx, room.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", res.Winner)
	assert.Equal(t, uint64(200), env2.ledger.Balance("w1"))
}

func TestRestartIgnoresTerminalRooms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	room := env.startGame(t)

	_, err := env.s.Resign(ctx, room.ID, "w1")
	require.NoError(t, err)

	env2 := newTestEnvOver(t, env.db)
	assert.Nil(t, env2.s.rooms.Get(room.ID), "settled rooms stay out of memory")

	// The receipt remains queryable from the durable store.
	rec, err := env2.db.GetReceipt(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "w2", rec.Winner)
}

func TestRestartRestoresEliminations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	room, err := env.s.CreateRoom(ctx, "w1", gameroom.Ludo, gameroom.Casual, 50, 30, 0)
	require.NoError(t, err)
	for _, w := range []string{"w2", "w3", "w4"} {
		_, err = env.s.JoinRoom(ctx, room.ID, w)
		require.NoError(t, err)
	}
	for i := 0; i < defaultStrikeCap; i++ {
		env.advance(31 * time.Second)
		env.s.sweeper.sweepOnce(ctx)
	}
	require.NotContains(t, room.ActiveWallets(), "w1")

	env2 := newTestEnvOver(t, env.db)
	room2 := env2.s.rooms.Get(room.ID)
	require.NotNil(t, room2)
	assert.Equal(t, []string{"w2", "w3", "w4"}, room2.ActiveWallets())

	// The folded stake survived the restart: when the game settles, the
	// survivor collects all four stakes.
	res, err := env2.s.Resign(ctx, room.ID, "w2")
	require.NoError(t, err)
	assert.Nil(t, res)
	res, err = env2.s.Resign(ctx, room.ID, "w3")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "w4", res.Winner)
	assert.Equal(t, uint64(200), env2.ledger.Balance("w4"))
}
