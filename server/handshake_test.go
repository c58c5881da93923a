package server

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/wire"
)

const testRulesHash = "6c7e2f9a000000000000000000000000000000000000000000000000000000aa"

type handshakeFixture struct {
	auth   *sessionAuthority
	signer *wire.KeySigner
	wallet string
	now    time.Time
}

func newHandshakeFixture(t *testing.T) *handshakeFixture {
	t.Helper()
	signer, err := wire.GenerateSigner()
	require.NoError(t, err)
	f := &handshakeFixture{
		auth:   newSessionAuthority(serverdb.NewMemStore(), slog.Disabled, []byte("secret"), 2*time.Minute, time.Hour),
		signer: signer,
		wallet: signer.PubKeyHex(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.auth.now = func() time.Time { return f.now }
	return f
}

// accept runs the full handshake for a room at the fixture's current time.
func (f *handshakeFixture) accept(t *testing.T, roomID string) (token string, err error) {
	t.Helper()
	ctx := context.Background()
	nonce, err := f.auth.IssueNonce(ctx, roomID, f.wallet, testRulesHash)
	require.NoError(t, err)
	return f.startWithNonce(t, roomID, nonce, f.now.Unix())
}

func (f *handshakeFixture) startWithNonce(t *testing.T, roomID, nonce string, ts int64) (string, error) {
	t.Helper()
	digest := wire.AcceptanceDigest(roomID, f.wallet, testRulesHash, nonce, ts)
	sig, err := f.signer.SignDigest(digest)
	require.NoError(t, err)
	return f.auth.StartSession(context.Background(), roomID, f.wallet, testRulesHash,
		nonce, hex.EncodeToString(sig), ts)
}

func TestHandshakeHappyPath(t *testing.T) {
	f := newHandshakeFixture(t)
	token, err := f.accept(t, "roomA")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	wallet, err := f.auth.Validate(token, "roomA")
	require.NoError(t, err)
	assert.Equal(t, f.wallet, wallet)
}

func TestNonceReplayRejected(t *testing.T) {
	f := newHandshakeFixture(t)
	ctx := context.Background()
	nonce, err := f.auth.IssueNonce(ctx, "roomA", f.wallet, testRulesHash)
	require.NoError(t, err)

	_, err = f.startWithNonce(t, "roomA", nonce, f.now.Unix())
	require.NoError(t, err)

	// Reusing the consumed nonce for a second session.
	_, err = f.startWithNonce(t, "roomA", nonce, f.now.Unix())
	assert.ErrorIs(t, err, ErrNonceConsumed)
}

func TestNonceReissueInvalidatesPrior(t *testing.T) {
	f := newHandshakeFixture(t)
	ctx := context.Background()
	n1, err := f.auth.IssueNonce(ctx, "roomA", f.wallet, testRulesHash)
	require.NoError(t, err)
	n2, err := f.auth.IssueNonce(ctx, "roomA", f.wallet, testRulesHash)
	require.NoError(t, err)

	_, err = f.startWithNonce(t, "roomA", n1, f.now.Unix())
	assert.ErrorIs(t, err, ErrNonceConsumed)
	_, err = f.startWithNonce(t, "roomA", n2, f.now.Unix())
	assert.NoError(t, err)
}

func TestSessionTokenIsRoomScoped(t *testing.T) {
	f := newHandshakeFixture(t)
	token, err := f.accept(t, "roomA")
	require.NoError(t, err)

	// Same wallet, different room: treated as absent.
	_, err = f.auth.Validate(token, "roomB")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// And still fine for its own room.
	_, err = f.auth.Validate(token, "roomA")
	assert.NoError(t, err)
}

func TestStaleSignatureRejected(t *testing.T) {
	f := newHandshakeFixture(t)
	ctx := context.Background()
	nonce, err := f.auth.IssueNonce(ctx, "roomA", f.wallet, testRulesHash)
	require.NoError(t, err)

	_, err = f.startWithNonce(t, "roomA", nonce, f.now.Add(-3*time.Minute).Unix())
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	// A rejected-for-staleness attempt must not have burned the nonce.
	_, err = f.startWithNonce(t, "roomA", nonce, f.now.Unix())
	assert.NoError(t, err)
}

func TestBadSignatureRejected(t *testing.T) {
	f := newHandshakeFixture(t)
	ctx := context.Background()
	nonce, err := f.auth.IssueNonce(ctx, "roomA", f.wallet, testRulesHash)
	require.NoError(t, err)
	ts := f.now.Unix()

	// Signature from a different key over the right message.
	other, err := wire.GenerateSigner()
	require.NoError(t, err)
	digest := wire.AcceptanceDigest("roomA", f.wallet, testRulesHash, nonce, ts)
	sig, err := other.SignDigest(digest)
	require.NoError(t, err)
	_, err = f.auth.StartSession(ctx, "roomA", f.wallet, testRulesHash, nonce, hex.EncodeToString(sig), ts)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Signature over a different message (wrong room).
	digest = wire.AcceptanceDigest("roomB", f.wallet, testRulesHash, nonce, ts)
	sig, err = f.signer.SignDigest(digest)
	require.NoError(t, err)
	_, err = f.auth.StartSession(ctx, "roomA", f.wallet, testRulesHash, nonce, hex.EncodeToString(sig), ts)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Bad signature attempts must not burn the nonce either.
	_, err = f.startWithNonce(t, "roomA", nonce, ts)
	assert.NoError(t, err)
}

func TestSessionExpiry(t *testing.T) {
	f := newHandshakeFixture(t)
	token, err := f.accept(t, "roomA")
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.auth.Validate(token, "roomA")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionDiesWithRoom(t *testing.T) {
	f := newHandshakeFixture(t)
	status := gameroom.Active
	f.auth.roomStatus = func(string) (gameroom.Status, bool) { return status, true }

	token, err := f.accept(t, "roomA")
	require.NoError(t, err)
	_, err = f.auth.Validate(token, "roomA")
	require.NoError(t, err)

	// Once the room is terminal the token dies with it, long before its
	// own expiry.
	status = gameroom.Finished
	_, err = f.auth.Validate(token, "roomA")
	assert.ErrorIs(t, err, ErrSessionExpired)

	status = gameroom.Cancelled
	_, err = f.auth.Validate(token, "roomA")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestValidateGarbageToken(t *testing.T) {
	f := newHandshakeFixture(t)
	_, err := f.auth.Validate("not-a-token", "roomA")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.auth.Validate("", "roomA")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
