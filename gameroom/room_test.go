package gameroom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleMonotonic(t *testing.T) {
	r, err := NewRoom("w1", Chess, Casual, 100, 60, 0)
	require.NoError(t, err)
	require.Equal(t, Waiting, r.CurrentStatus())

	require.NoError(t, r.Advance(Active))
	require.NoError(t, r.Advance(Finished))

	assert.Error(t, r.Advance(Active), "finished room must not reactivate")
	assert.Error(t, r.Advance(Waiting))
	// Re-asserting the terminal status is allowed (idempotent finish).
	assert.NoError(t, r.Advance(Finished))
}

func TestParticipantCap(t *testing.T) {
	r, err := NewRoom("w1", Chess, Casual, 100, 60, 0)
	require.NoError(t, err)
	require.NoError(t, r.AddParticipant("w2"))
	assert.Error(t, r.AddParticipant("w3"), "chess rooms cap at 2")

	// Joining again is a no-op, not an error.
	require.NoError(t, r.AddParticipant("w2"))
	assert.Len(t, r.Marshal().Participants, 2)

	ludo, err := NewRoom("w1", Ludo, Casual, 100, 60, 0)
	require.NoError(t, err)
	for _, w := range []string{"w2", "w3", "w4"} {
		require.NoError(t, ludo.AddParticipant(w))
	}
	assert.Error(t, ludo.AddParticipant("w5"))
}

func TestCreatorHandOffOnLeave(t *testing.T) {
	r, err := NewRoom("w1", Checkers, Private, 100, 30, 0)
	require.NoError(t, err)
	require.NoError(t, r.AddParticipant("w2"))

	empty := r.RemoveParticipant("w1")
	assert.False(t, empty)
	assert.Equal(t, "w2", r.Marshal().Creator)

	empty = r.RemoveParticipant("w2")
	assert.True(t, empty)
}

func TestTurnOwnerAlternation(t *testing.T) {
	r, err := NewRoom("w1", Chess, Ranked, 100, 60, 0)
	require.NoError(t, err)
	require.NoError(t, r.AddParticipant("w2"))

	for turn, want := range map[int64]string{1: "w1", 2: "w2", 3: "w1", 4: "w2"} {
		got, err := r.TurnOwner(turn)
		require.NoError(t, err)
		assert.Equal(t, want, got, "turn %d", turn)
	}

	_, err = r.TurnOwner(0)
	assert.Error(t, err)
}

func TestTurnOwnerSkipsEliminated(t *testing.T) {
	r, err := NewRoom("w1", Ludo, Casual, 100, 45, 0)
	require.NoError(t, err)
	for _, w := range []string{"w2", "w3", "w4"} {
		require.NoError(t, r.AddParticipant(w))
	}

	owner, err := r.TurnOwner(3)
	require.NoError(t, err)
	assert.Equal(t, "w3", owner)

	r.Eliminate("w2")
	// Rotation now runs over w1,w3,w4.
	owner, err = r.TurnOwner(2)
	require.NoError(t, err)
	assert.Equal(t, "w3", owner)
	owner, err = r.TurnOwner(4)
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)
}

func TestManagerRoomForWallet(t *testing.T) {
	m := NewManager(testLogger())
	r, err := NewRoom("w1", Backgammon, Casual, 100, 60, 0)
	require.NoError(t, err)
	m.Add(r)

	assert.Equal(t, r, m.RoomForWallet("w1"))
	assert.Nil(t, m.RoomForWallet("w9"))

	require.NoError(t, r.Advance(Active))
	require.NoError(t, r.Advance(Finished))
	assert.Nil(t, m.RoomForWallet("w1"), "finished rooms do not pin wallets")

	var removed []string
	m.OnRoomRemoved = func(s Snapshot) { removed = append(removed, s.ID) }
	m.Remove(r.ID)
	assert.Equal(t, []string{r.ID}, removed)
	assert.Nil(t, m.Get(r.ID))
}
