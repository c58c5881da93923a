package serverdb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/wire"
)

// MemStore is an in-memory Store with the same atomicity guarantees as the
// bolt implementation (one mutex stands in for bbolt's single writer).
// Used by tests and by clients that want a local mirror of the log.
type MemStore struct {
	mu       sync.Mutex
	rooms    map[string]gameroom.Snapshot
	moves    map[string][]wire.Move
	nonces   map[string]NonceRecord
	receipts map[string]Receipt
	strikes  map[string]int
	results  map[string]MatchResult
}

func NewMemStore() *MemStore {
	return &MemStore{
		rooms:    make(map[string]gameroom.Snapshot),
		moves:    make(map[string][]wire.Move),
		nonces:   make(map[string]NonceRecord),
		receipts: make(map[string]Receipt),
		strikes:  make(map[string]int),
		results:  make(map[string]MatchResult),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) PutRoom(_ context.Context, snap gameroom.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[snap.ID] = snap
	return nil
}

func (s *MemStore) GetRoom(_ context.Context, roomID string) (*gameroom.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	out := snap
	return &out, nil
}

func (s *MemStore) UpdateRoomStatus(_ context.Context, roomID string, status gameroom.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if !gameroom.CanAdvance(snap.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, snap.Status, status)
	}
	snap.Status = status
	s.rooms[roomID] = snap
	return nil
}

func (s *MemStore) ListRooms(_ context.Context) ([]gameroom.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make([]gameroom.Snapshot, 0, len(s.rooms))
	for _, snap := range s.rooms {
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *MemStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.moves, roomID)
	return nil
}

func (s *MemStore) InsertMoveIfNextTurn(_ context.Context, mv *wire.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.moves[mv.RoomID]
	lastTurn := int64(0)
	lastHash := wire.GenesisHash
	if n := len(log); n > 0 {
		lastTurn = log[n-1].Turn
		lastHash = log[n-1].MoveHash
	}
	if mv.Turn <= lastTurn {
		return fmt.Errorf("%w: turn %d, last committed %d", ErrTurnAlreadyTaken, mv.Turn, lastTurn)
	}
	if mv.Turn != lastTurn+1 {
		return fmt.Errorf("turn %d would leave a gap after %d", mv.Turn, lastTurn)
	}
	if !strings.EqualFold(mv.PrevHash, lastHash) {
		return fmt.Errorf("%w: turn %d", ErrHashMismatch, mv.Turn)
	}
	s.moves[mv.RoomID] = append(log, *mv)
	return nil
}

func (s *MemStore) GetMovesOrdered(_ context.Context, roomID string) ([]wire.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Move(nil), s.moves[roomID]...), nil
}

func (s *MemStore) LastMove(_ context.Context, roomID string) (*wire.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.moves[roomID]
	if len(log) == 0 {
		return nil, nil
	}
	mv := log[len(log)-1]
	return &mv, nil
}

func (s *MemStore) PutNonce(_ context.Context, rec *NonceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[string(walletKey(rec.RoomID, rec.Wallet))] = *rec
	return nil
}

func (s *MemStore) ConsumeNonce(_ context.Context, roomID, wallet, rulesHash, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(walletKey(roomID, wallet))
	rec, ok := s.nonces[key]
	if !ok {
		return ErrNonceNotFound
	}
	if rec.Nonce != nonce || !strings.EqualFold(rec.RulesHash, rulesHash) {
		return ErrNonceMismatch
	}
	delete(s.nonces, key)
	return nil
}

func (s *MemStore) InsertReceiptIfAbsent(_ context.Context, rec *Receipt) (*Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.receipts[rec.RoomID]; ok {
		out := prior
		return &out, false, nil
	}
	s.receipts[rec.RoomID] = *rec
	out := *rec
	return &out, true, nil
}

func (s *MemStore) GetReceipt(_ context.Context, roomID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.receipts[roomID]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (s *MemStore) BumpStrike(_ context.Context, roomID, wallet string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(walletKey(roomID, wallet))
	s.strikes[key]++
	return s.strikes[key], nil
}

func (s *MemStore) ResetStrikes(_ context.Context, roomID, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strikes, string(walletKey(roomID, wallet)))
	return nil
}

func (s *MemStore) GetStrikes(_ context.Context, roomID, wallet string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strikes[string(walletKey(roomID, wallet))], nil
}

func (s *MemStore) PutMatchResult(_ context.Context, res *MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.RoomID] = *res
	return nil
}

func (s *MemStore) GetMatchResult(_ context.Context, roomID string) (*MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[roomID]; ok {
		out := res
		return &out, nil
	}
	return nil, nil
}
