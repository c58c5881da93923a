package serverdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/wire"
)

// stores runs the same assertions against both implementations so the mem
// store stays a faithful double of the bolt one.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	bdb, err := NewBoltDB(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })
	return map[string]Store{"bolt": bdb, "mem": NewMemStore()}
}

func mkMove(room string, turn int64, wallet, prev string, payload string) *wire.Move {
	mh := wire.MoveHash(prev, turn, wallet, []byte(payload))
	return &wire.Move{
		RoomID:    room,
		Turn:      turn,
		Wallet:    wallet,
		Payload:   json.RawMessage(payload),
		PrevHash:  prev,
		MoveHash:  mh,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMoveAppendChain(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m1 := mkMove("r1", 1, "w1", wire.GenesisHash, `{"m":"e4"}`)
			require.NoError(t, s.InsertMoveIfNextTurn(ctx, m1))

			// Same slot again: already taken.
			dup := mkMove("r1", 1, "w2", wire.GenesisHash, `{"m":"d4"}`)
			assert.ErrorIs(t, s.InsertMoveIfNextTurn(ctx, dup), ErrTurnAlreadyTaken)

			// Wrong prev hash: chain mismatch.
			bad := mkMove("r1", 2, "w2", wire.GenesisHash, `{"m":"e5"}`)
			assert.ErrorIs(t, s.InsertMoveIfNextTurn(ctx, bad), ErrHashMismatch)

			m2 := mkMove("r1", 2, "w2", m1.MoveHash, `{"m":"e5"}`)
			require.NoError(t, s.InsertMoveIfNextTurn(ctx, m2))

			moves, err := s.GetMovesOrdered(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, moves, 2)
			require.NoError(t, wire.VerifyChain(moves))

			last, err := s.LastMove(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), last.Turn)
		})
	}
}

func TestMoveAppendConcurrentRace(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Both wallets race for turn 1 with the same prev hash.
			const racers = 8
			var wg sync.WaitGroup
			errs := make([]error, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					mv := mkMove("race", 1, "w1", wire.GenesisHash, `{"i":1}`)
					errs[i] = s.InsertMoveIfNextTurn(ctx, mv)
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
				} else {
					assert.ErrorIs(t, err, ErrTurnAlreadyTaken)
				}
			}
			assert.Equal(t, 1, wins, "exactly one insert wins the slot")

			moves, err := s.GetMovesOrdered(ctx, "race")
			require.NoError(t, err)
			assert.Len(t, moves, 1)
		})
	}
}

func TestNonceSingleUse(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec := &NonceRecord{RoomID: "r1", Wallet: "w1", RulesHash: "abcd", Nonce: "n1", IssuedAt: time.Now()}
			require.NoError(t, s.PutNonce(ctx, rec))

			// Reissue replaces: only the latest is redeemable.
			rec2 := &NonceRecord{RoomID: "r1", Wallet: "w1", RulesHash: "abcd", Nonce: "n2", IssuedAt: time.Now()}
			require.NoError(t, s.PutNonce(ctx, rec2))
			assert.ErrorIs(t, s.ConsumeNonce(ctx, "r1", "w1", "abcd", "n1"), ErrNonceMismatch)

			require.NoError(t, s.ConsumeNonce(ctx, "r1", "w1", "abcd", "n2"))
			// Replay of a consumed nonce.
			assert.ErrorIs(t, s.ConsumeNonce(ctx, "r1", "w1", "abcd", "n2"), ErrNonceNotFound)
		})
	}
}

func TestReceiptInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetReceipt(ctx, "r1")
			require.NoError(t, err)
			assert.Nil(t, got)

			first := &Receipt{RoomID: "r1", Signature: "sig1", Winner: "w2", Outcome: "timeout", SettledAt: time.Now().UTC()}
			rec, inserted, err := s.InsertReceiptIfAbsent(ctx, first)
			require.NoError(t, err)
			assert.True(t, inserted)
			assert.Equal(t, "sig1", rec.Signature)

			// Second attempt with a different signature must not replace.
			second := &Receipt{RoomID: "r1", Signature: "sig2", Winner: "w1", Outcome: "win"}
			rec, inserted, err = s.InsertReceiptIfAbsent(ctx, second)
			require.NoError(t, err)
			assert.False(t, inserted)
			assert.Equal(t, "sig1", rec.Signature)
			assert.Equal(t, "w2", rec.Winner)
		})
	}
}

func TestRoomStatusMonotonicInStore(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			r, err := gameroom.NewRoom("w1", gameroom.Chess, gameroom.Casual, 100, 60, 0)
			require.NoError(t, err)
			require.NoError(t, s.PutRoom(ctx, r.Marshal()))

			require.NoError(t, s.UpdateRoomStatus(ctx, r.ID, gameroom.Active))
			require.NoError(t, s.UpdateRoomStatus(ctx, r.ID, gameroom.Finished))
			assert.ErrorIs(t, s.UpdateRoomStatus(ctx, r.ID, gameroom.Active), ErrStatusRegression)

			snap, err := s.GetRoom(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, gameroom.Finished, snap.Status)

			_, err = s.GetRoom(ctx, "missing")
			assert.ErrorIs(t, err, ErrRoomNotFound)
		})
	}
}

func TestStrikes(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.BumpStrike(ctx, "r1", "w1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			n, err = s.BumpStrike(ctx, "r1", "w1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			require.NoError(t, s.ResetStrikes(ctx, "r1", "w1"))
			n, err = s.GetStrikes(ctx, "r1", "w1")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}
