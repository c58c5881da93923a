package client

import (
	"sync"
	"time"
)

// TurnState is the client's local read of the turn clock. It is derived,
// never stored: State recomputes from the turn-start timestamp on every
// call, so a laptop waking from sleep lands in the right state
// immediately.
type TurnState string

const (
	StateWaiting   TurnState = "not_my_turn_waiting"
	StateMyTurn    TurnState = "my_turn_running"
	StateClaimable TurnState = "opponent_timed_out_claimable"
	StateForfeited TurnState = "my_turn_expired"
	StateTerminal  TurnState = "terminal"
)

// Monitor tracks whose turn it is and when it expires. NoteTurn feeds it
// from pushed events or poll responses; State answers the UI.
type Monitor struct {
	mu          sync.RWMutex
	self        string
	turnSeconds time.Duration
	now         func() time.Time

	turn      int64
	owner     string
	startedAt time.Time
	terminal  bool
}

func NewMonitor(self string, turnSeconds time.Duration) *Monitor {
	return &Monitor{self: self, turnSeconds: turnSeconds, now: time.Now}
}

// NoteTurn records that turn is now live for owner, started at startedAt
// server time. Stale notes (earlier turns) are ignored.
func (m *Monitor) NoteTurn(turn int64, owner string, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal || turn < m.turn {
		return
	}
	m.turn = turn
	m.owner = owner
	m.startedAt = startedAt
}

// NoteTerminal latches the terminal state; later notes are no-ops.
func (m *Monitor) NoteTerminal() {
	m.mu.Lock()
	m.terminal = true
	m.mu.Unlock()
}

// Turn returns the current turn number and owner.
func (m *Monitor) Turn() (int64, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turn, m.owner
}

// Deadline returns when the current turn expires.
func (m *Monitor) Deadline() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startedAt.Add(m.turnSeconds)
}

// Remaining returns the time left on the current turn, floored at zero.
func (m *Monitor) Remaining() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	left := m.startedAt.Add(m.turnSeconds).Sub(m.now())
	if left < 0 {
		return 0
	}
	return left
}

// State recomputes the turn state from wall clock and ownership.
func (m *Monitor) State() TurnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.terminal {
		return StateTerminal
	}
	if m.turn == 0 {
		return StateWaiting
	}
	expired := m.now().After(m.startedAt.Add(m.turnSeconds))
	if m.owner == m.self {
		if expired {
			return StateForfeited
		}
		return StateMyTurn
	}
	if expired {
		return StateClaimable
	}
	return StateWaiting
}
