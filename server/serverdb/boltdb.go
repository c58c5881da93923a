package serverdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/wire"
	bolt "go.etcd.io/bbolt"
)

var (
	roomsBucket    = []byte("rooms")
	movesBucket    = []byte("moves")
	noncesBucket   = []byte("nonces")
	receiptsBucket = []byte("receipts")
	strikesBucket  = []byte("strikes")
	resultsBucket  = []byte("results")
)

// BoltStore implements Store on a single bbolt file. bbolt serializes
// writers, which is what makes InsertMoveIfNextTurn and
// InsertReceiptIfAbsent deterministic under concurrent submission.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltDB(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{roomsBucket, movesBucket, noncesBucket, receiptsBucket, strikesBucket, resultsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func turnKey(turn int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(turn))
	return k[:]
}

func walletKey(roomID, wallet string) []byte {
	return []byte(strings.ToLower(roomID) + "|" + strings.ToLower(wallet))
}

// --- rooms ---

func (s *BoltStore) PutRoom(_ context.Context, snap gameroom.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		return b.Put([]byte(snap.ID), data)
	})
}

func (s *BoltStore) GetRoom(_ context.Context, roomID string) (*gameroom.Snapshot, error) {
	var snap gameroom.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		data := b.Get([]byte(roomID))
		if data == nil {
			return ErrRoomNotFound
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) UpdateRoomStatus(_ context.Context, roomID string, status gameroom.Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		data := b.Get([]byte(roomID))
		if data == nil {
			return ErrRoomNotFound
		}
		var snap gameroom.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		if !gameroom.CanAdvance(snap.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, snap.Status, status)
		}
		snap.Status = status
		out, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(roomID), out)
	})
}

func (s *BoltStore) ListRooms(_ context.Context) ([]gameroom.Snapshot, error) {
	var snaps []gameroom.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		return b.ForEach(func(_, v []byte) error {
			var snap gameroom.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *BoltStore) DeleteRoom(_ context.Context, roomID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(roomsBucket); b != nil {
			if err := b.Delete([]byte(roomID)); err != nil {
				return err
			}
		}
		// Moves are deleted only with the room.
		if b := tx.Bucket(movesBucket); b != nil {
			if b.Bucket([]byte(roomID)) != nil {
				if err := b.DeleteBucket([]byte(roomID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- move log ---

func (s *BoltStore) InsertMoveIfNextTurn(_ context.Context, mv *wire.Move) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(movesBucket)
		if root == nil {
			return ErrBucketNotFound
		}
		b, err := root.CreateBucketIfNotExists([]byte(mv.RoomID))
		if err != nil {
			return err
		}

		lastTurn := int64(0)
		lastHash := wire.GenesisHash
		if k, v := b.Cursor().Last(); k != nil {
			var last wire.Move
			if err := json.Unmarshal(v, &last); err != nil {
				return err
			}
			lastTurn = last.Turn
			lastHash = last.MoveHash
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
		data, err := json.Marshal(mv)
		if err != nil {
			return err
		}
		return b.Put(turnKey(mv.Turn), data)
	})
}

func (s *BoltStore) GetMovesOrdered(_ context.Context, roomID string) ([]wire.Move, error) {
	var moves []wire.Move
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(movesBucket)
		if root == nil {
			return ErrBucketNotFound
		}
		b := root.Bucket([]byte(roomID))
		if b == nil {
			return nil // no moves yet
		}
		return b.ForEach(func(_, v []byte) error {
			var mv wire.Move
			if err := json.Unmarshal(v, &mv); err != nil {
				return err
			}
			moves = append(moves, mv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return moves, nil
}

func (s *BoltStore) LastMove(_ context.Context, roomID string) (*wire.Move, error) {
	var mv *wire.Move
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(movesBucket)
		if root == nil {
			return ErrBucketNotFound
		}
		b := root.Bucket([]byte(roomID))
		if b == nil {
			return nil
		}
		if k, v := b.Cursor().Last(); k != nil {
			var last wire.Move
			if err := json.Unmarshal(v, &last); err != nil {
				return err
			}
			mv = &last
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

// --- nonces ---

func (s *BoltStore) PutNonce(_ context.Context, rec *NonceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(noncesBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		// Overwrites any outstanding nonce: one redeemable at a time.
		return b.Put(walletKey(rec.RoomID, rec.Wallet), data)
	})
}

func (s *BoltStore) ConsumeNonce(_ context.Context, roomID, wallet, rulesHash, nonce string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(noncesBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		key := walletKey(roomID, wallet)
		data := b.Get(key)
		if data == nil {
			return ErrNonceNotFound
		}
		var rec NonceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Nonce != nonce || !strings.EqualFold(rec.RulesHash, rulesHash) {
			return ErrNonceMismatch
		}
		return b.Delete(key)
	})
}

// --- receipts ---

func (s *BoltStore) InsertReceiptIfAbsent(_ context.Context, rec *Receipt) (*Receipt, bool, error) {
	var existing *Receipt
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(receiptsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		if data := b.Get([]byte(rec.RoomID)); data != nil {
			var prior Receipt
			if err := json.Unmarshal(data, &prior); err != nil {
				return err
			}
			existing = &prior
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(rec.RoomID), data); err != nil {
			return err
		}
		existing = rec
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, inserted, nil
}

func (s *BoltStore) GetReceipt(_ context.Context, roomID string) (*Receipt, error) {
	var rec *Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(receiptsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		if data := b.Get([]byte(roomID)); data != nil {
			var r Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			rec = &r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// --- strikes ---

func (s *BoltStore) BumpStrike(_ context.Context, roomID, wallet string) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(strikesBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		key := walletKey(roomID, wallet)
		if data := b.Get(key); len(data) == 4 {
			n = int(binary.BigEndian.Uint32(data))
		}
		n++
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], uint32(n))
		return b.Put(key, out[:])
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BoltStore) ResetStrikes(_ context.Context, roomID, wallet string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(strikesBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		return b.Delete(walletKey(roomID, wallet))
	})
}

func (s *BoltStore) GetStrikes(_ context.Context, roomID, wallet string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(strikesBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		if data := b.Get(walletKey(roomID, wallet)); len(data) == 4 {
			n = int(binary.BigEndian.Uint32(data))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// --- stats ---

func (s *BoltStore) PutMatchResult(_ context.Context, res *MatchResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		return b.Put([]byte(res.RoomID), data)
	})
}

func (s *BoltStore) GetMatchResult(_ context.Context, roomID string) (*MatchResult, error) {
	var res *MatchResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		if b == nil {
			return ErrBucketNotFound
		}
		if data := b.Get([]byte(roomID)); data != nil {
			var r MatchResult
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			res = &r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
