package gameroom

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vctt94/stakeboard/wire"
)

// GameKind selects the board game played in a room. Move legality is the
// concern of game engines outside this module; the kind only bounds the
// participant count here.
type GameKind string

const (
	Chess      GameKind = "chess"
	Dominoes   GameKind = "dominoes"
	Backgammon GameKind = "backgammon"
	Checkers   GameKind = "checkers"
	Ludo       GameKind = "ludo"
)

// MaxPlayers returns the participant cap for a game kind.
func (k GameKind) MaxPlayers() int {
	switch k {
	case Ludo:
		return 4
	case Dominoes:
		return 4
	default:
		return 2
	}
}

func (k GameKind) Valid() bool {
	switch k {
	case Chess, Dominoes, Backgammon, Checkers, Ludo:
		return true
	}
	return false
}

type Mode string

const (
	Casual  Mode = "casual"
	Ranked  Mode = "ranked"
	Private Mode = "private"
)

// Status is the room lifecycle. Transitions are monotonic: a room never
// regresses to an earlier status.
type Status string

const (
	Waiting   Status = "waiting"
	Active    Status = "active"
	Finished  Status = "finished"
	Cancelled Status = "cancelled"
)

func statusRank(s Status) int {
	switch s {
	case Waiting:
		return 0
	case Active:
		return 1
	case Finished, Cancelled:
		return 2
	}
	return -1
}

// CanAdvance reports whether from -> to is a legal lifecycle transition.
func CanAdvance(from, to Status) bool {
	fr, tr := statusRank(from), statusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	if fr == tr {
		return from == to
	}
	return tr > fr
}

// Participant is one wallet seated in a room. Eliminated participants stay
// in the ordered list (their join order anchors turn alternation history)
// but no longer own turns.
type Participant struct {
	Wallet     string `json:"wallet"`
	Eliminated bool   `json:"eliminated"`
}

// Room is a matched game instance with a stake.
type Room struct {
	sync.RWMutex

	ID           string
	Creator      string
	Kind         GameKind
	Mode         Mode
	StakeAtoms   uint64
	TurnSeconds  int64
	FeeAtoms     uint64
	Status       Status
	Participants []Participant
	CreatedAt    time.Time
}

// NewRoom creates a room in waiting status with the creator seated.
func NewRoom(creator string, kind GameKind, mode Mode, stakeAtoms uint64, turnSeconds int64, feeAtoms uint64) (*Room, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown game kind %q", kind)
	}
	if creator == "" {
		return nil, fmt.Errorf("room needs a creator")
	}
	if turnSeconds <= 0 {
		return nil, fmt.Errorf("turn timer must be positive")
	}
	return &Room{
		ID:           uuid.NewString(),
		Creator:      strings.ToLower(creator),
		Kind:         kind,
		Mode:         mode,
		StakeAtoms:   stakeAtoms,
		TurnSeconds:  turnSeconds,
		FeeAtoms:     feeAtoms,
		Status:       Waiting,
		Participants: []Participant{{Wallet: strings.ToLower(creator)}},
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Restore rebuilds a live room from its durable snapshot, used when the
// server reloads state after a restart.
func Restore(snap Snapshot) *Room {
	return &Room{
		ID:           snap.ID,
		Creator:      snap.Creator,
		Kind:         snap.Kind,
		Mode:         snap.Mode,
		StakeAtoms:   snap.StakeAtoms,
		TurnSeconds:  snap.TurnSeconds,
		FeeAtoms:     snap.FeeAtoms,
		Status:       snap.Status,
		Participants: append([]Participant(nil), snap.Participants...),
		CreatedAt:    snap.CreatedAt,
	}
}

// Rules returns the canonical rules both wallets attest to for this room.
func (r *Room) Rules() wire.Rules {
	r.RLock()
	defer r.RUnlock()
	return wire.Rules{
		RoomID:      r.ID,
		GameKind:    string(r.Kind),
		Mode:        string(r.Mode),
		StakeAtoms:  r.StakeAtoms,
		TurnSeconds: r.TurnSeconds,
		FeeAtoms:    r.FeeAtoms,
	}
}

// AddParticipant seats a wallet. Joining twice is a no-op, matching the
// teacher-style idempotent add.
func (r *Room) AddParticipant(wallet string) error {
	wallet = strings.ToLower(wallet)
	r.Lock()
	defer r.Unlock()
	if r.Status != Waiting {
		return fmt.Errorf("room %s not joinable in status %s", r.ID, r.Status)
	}
	for _, p := range r.Participants {
		if p.Wallet == wallet {
			return nil
		}
	}
	if len(r.Participants) >= r.Kind.MaxPlayers() {
		return fmt.Errorf("room %s full (%d/%d)", r.ID, len(r.Participants), r.Kind.MaxPlayers())
	}
	r.Participants = append(r.Participants, Participant{Wallet: wallet})
	return nil
}

// RemoveParticipant unseats a wallet from a waiting room. If the creator
// leaves and others remain, the oldest remaining participant becomes
// creator. Returns true when the room is now empty.
func (r *Room) RemoveParticipant(wallet string) (empty bool) {
	wallet = strings.ToLower(wallet)
	r.Lock()
	defer r.Unlock()
	for i, p := range r.Participants {
		if p.Wallet == wallet {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			break
		}
	}
	if r.Creator == wallet && len(r.Participants) > 0 {
		r.Creator = r.Participants[0].Wallet
	}
	return len(r.Participants) == 0
}

// Eliminate marks a wallet as out of the game (strike cap reached).
func (r *Room) Eliminate(wallet string) {
	wallet = strings.ToLower(wallet)
	r.Lock()
	defer r.Unlock()
	for i := range r.Participants {
		if r.Participants[i].Wallet == wallet {
			r.Participants[i].Eliminated = true
			return
		}
	}
}

// Advance moves the lifecycle status forward. Regressions are rejected so
// a finished room can never become active again.
func (r *Room) Advance(to Status) error {
	r.Lock()
	defer r.Unlock()
	if !CanAdvance(r.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// CurrentStatus returns the lifecycle status under the read lock.
func (r *Room) CurrentStatus() Status {
	r.RLock()
	defer r.RUnlock()
	return r.Status
}

// HasParticipant reports whether the wallet is seated (eliminated or not).
func (r *Room) HasParticipant(wallet string) bool {
	wallet = strings.ToLower(wallet)
	r.RLock()
	defer r.RUnlock()
	for _, p := range r.Participants {
		if p.Wallet == wallet {
			return true
		}
	}
	return false
}

// ActiveWallets returns the non-eliminated wallets in join order.
func (r *Room) ActiveWallets() []string {
	r.RLock()
	defer r.RUnlock()
	out := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if !p.Eliminated {
			out = append(out, p.Wallet)
		}
	}
	return out
}

// TurnOwner returns the wallet expected to act for the given 1-based turn
// number: round-robin over the active participants in join order. This is
// the ordered alternation function for every game kind, including
// four-player ludo and dominoes.
func (r *Room) TurnOwner(turn int64) (string, error) {
	if turn < 1 {
		return "", fmt.Errorf("turn numbers are 1-based, got %d", turn)
	}
	active := r.ActiveWallets()
	if len(active) == 0 {
		return "", fmt.Errorf("room %s has no active participants", r.ID)
	}
	return active[(turn-1)%int64(len(active))], nil
}

// Snapshot is a lock-free copy for marshaling to clients.
type Snapshot struct {
	ID           string        `json:"id"`
	Creator      string        `json:"creator"`
	Kind         GameKind      `json:"game_kind"`
	Mode         Mode          `json:"mode"`
	StakeAtoms   uint64        `json:"stake_atoms"`
	TurnSeconds  int64         `json:"turn_seconds"`
	FeeAtoms     uint64        `json:"fee_atoms"`
	Status       Status        `json:"status"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (r *Room) Marshal() Snapshot {
	r.RLock()
	defer r.RUnlock()
	return Snapshot{
		ID:           r.ID,
		Creator:      r.Creator,
		Kind:         r.Kind,
		Mode:         r.Mode,
		StakeAtoms:   r.StakeAtoms,
		TurnSeconds:  r.TurnSeconds,
		FeeAtoms:     r.FeeAtoms,
		Status:       r.Status,
		Participants: append([]Participant(nil), r.Participants...),
		CreatedAt:    r.CreatedAt,
	}
}
