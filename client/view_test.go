package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/stakeboard/wire"
)

// fakeLoader serves a scripted move log and counts reloads.
type fakeLoader struct {
	mu    sync.Mutex
	moves []wire.Move
	calls int
	err   error
}

func (f *fakeLoader) LoadMoves(_ context.Context, _ string) ([]wire.Move, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]wire.Move(nil), f.moves...), nil
}

// chain builds a valid move log of n turns alternating w1/w2.
func chain(n int) []wire.Move {
	moves := make([]wire.Move, 0, n)
	prev := wire.GenesisHash
	for i := 1; i <= n; i++ {
		wallet := "w1"
		if i%2 == 0 {
			wallet = "w2"
		}
		payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		mv := wire.Move{
			RoomID:   "r1",
			Turn:     int64(i),
			Wallet:   wallet,
			Payload:  payload,
			PrevHash: prev,
			MoveHash: wire.MoveHash(prev, int64(i), wallet, payload),
		}
		moves = append(moves, mv)
		prev = mv.MoveHash
	}
	return moves
}

func TestViewAppliesInOrder(t *testing.T) {
	loader := &fakeLoader{}
	v := NewMoveView(slog.Disabled, loader, "r1")

	for _, mv := range chain(3) {
		applied, err := v.Apply(mv)
		require.NoError(t, err)
		assert.True(t, applied)
	}
	assert.Equal(t, int64(3), v.LastTurn())
	assert.Equal(t, 0, loader.calls, "in-order pushes never hit the network")
}

func TestViewIgnoresDuplicates(t *testing.T) {
	v := NewMoveView(slog.Disabled, &fakeLoader{}, "r1")
	moves := chain(2)
	for _, mv := range moves {
		_, err := v.Apply(mv)
		require.NoError(t, err)
	}

	// Same move arriving again, e.g. via both transport paths.
	applied, err := v.Apply(moves[1])
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(2), v.LastTurn())
}

func TestViewRejectsDivergentEcho(t *testing.T) {
	v := NewMoveView(slog.Disabled, &fakeLoader{}, "r1")
	moves := chain(2)
	for _, mv := range moves {
		_, err := v.Apply(mv)
		require.NoError(t, err)
	}

	forged := moves[1]
	forged.MoveHash = wire.MoveHash(forged.PrevHash, forged.Turn, forged.Wallet, []byte(`{"n":"x"}`))
	_, err := v.Apply(forged)
	assert.Error(t, err)
}

func TestViewGapTriggersResync(t *testing.T) {
	full := chain(5)
	loader := &fakeLoader{moves: full}
	v := NewMoveView(slog.Disabled, loader, "r1")

	// Turn 1 applies, then turn 5 arrives: the view must reload rather
	// than guess at the missing turns.
	require.NoError(t, v.OnPush(context.Background(), full[0]))
	require.NoError(t, v.OnPush(context.Background(), full[4]))

	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, int64(5), v.LastTurn())
	assert.Equal(t, full[4].MoveHash, v.LastHash())
}

func TestViewResyncVerifiesServerLog(t *testing.T) {
	bad := chain(3)
	bad[2].PrevHash = wire.GenesisHash // broken link
	v := NewMoveView(slog.Disabled, &fakeLoader{moves: bad}, "r1")

	err := v.Resync(context.Background())
	require.Error(t, err)
	var ce *wire.ChainError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(0), v.LastTurn(), "corrupt log never replaces the replica")
}

func TestViewEmptyTip(t *testing.T) {
	v := NewMoveView(slog.Disabled, &fakeLoader{}, "r1")
	assert.Equal(t, int64(0), v.LastTurn())
	assert.Equal(t, wire.GenesisHash, v.LastHash())
}
