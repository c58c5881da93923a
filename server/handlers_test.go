package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/stakeboard/wire"
)

type apiFixture struct {
	env    *testEnv
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	env := newTestEnv(t)
	return &apiFixture{env: env, router: env.s.router()}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	out := map[string]json.RawMessage{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

// handshake runs the full nonce + signature + session flow over HTTP.
func (f *apiFixture) handshake(t *testing.T, roomID, rulesHash string, signer *wire.KeySigner) string {
	t.Helper()
	wallet := signer.PubKeyHex()
	w, out := f.do(t, http.MethodPost, "/rooms/"+roomID+"/nonce", "",
		gin.H{"wallet": wallet, "rules_hash": rulesHash})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	nonce := str(t, out["nonce"])

	ts := f.env.clock().Unix()
	digest := wire.AcceptanceDigest(roomID, wallet, rulesHash, nonce, ts)
	sig, err := signer.SignDigest(digest)
	require.NoError(t, err)

	w, out = f.do(t, http.MethodPost, "/rooms/"+roomID+"/session", "", gin.H{
		"wallet":     wallet,
		"rules_hash": rulesHash,
		"nonce":      nonce,
		"signature":  hex.EncodeToString(sig),
		"timestamp":  ts,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return str(t, out["session_token"])
}

func TestAPIFullGameFlow(t *testing.T) {
	f := newAPIFixture(t)
	s1, err := wire.GenerateSigner()
	require.NoError(t, err)
	s2, err := wire.GenerateSigner()
	require.NoError(t, err)

	// w1 opens the room.
	w, out := f.do(t, http.MethodPost, "/rooms", "", gin.H{
		"wallet": s1.PubKeyHex(), "game_kind": "chess", "turn_seconds": 60, "stake_atoms": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(out["room"], &snap))
	rulesHash := str(t, out["rules_hash"])

	// w2 joins, activating the game.
	w, _ = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/join", "", gin.H{"wallet": s2.PubKeyHex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tok1 := f.handshake(t, snap.ID, rulesHash, s1)
	tok2 := f.handshake(t, snap.ID, rulesHash, s2)

	// No token: rejected outright.
	w, _ = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/moves", "",
		gin.H{"turn": 1, "payload": `{"m":"e4"}`})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Turn 1 by the creator.
	w, out = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/moves", tok1,
		gin.H{"turn": 1, "payload": `{"m":"e4"}`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	h1 := str(t, out["move_hash"])

	// Stale hint from w2: told the expected turn.
	w, out = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/moves", tok2,
		gin.H{"turn": 1, "payload": `{"m":"e5"}`})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, `"turn_mismatch"`, string(out["error"]))
	assert.Equal(t, "2", string(out["expected"]))

	// Retry with the right turn and chain tip.
	w, _ = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/moves", tok2,
		gin.H{"turn": 2, "payload": `{"m":"e5"}`, "prev_hash": h1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The durable log is served back in order.
	w, out = f.do(t, http.MethodGet, "/rooms/"+snap.ID+"/moves", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var moves []wire.Move
	require.NoError(t, json.Unmarshal(out["moves"], &moves))
	require.Len(t, moves, 2)
	require.NoError(t, wire.VerifyChain(moves))

	// Resignation settles and yields a receipt.
	w, out = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/resign", tok1, gin.H{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "false", string(out["already_settled"]))

	w, _ = f.do(t, http.MethodGet, "/rooms/"+snap.ID+"/receipt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPISessionScopedPerRoom(t *testing.T) {
	f := newAPIFixture(t)
	s1, err := wire.GenerateSigner()
	require.NoError(t, err)
	s2, err := wire.GenerateSigner()
	require.NoError(t, err)
	s3, err := wire.GenerateSigner()
	require.NoError(t, err)
	s4, err := wire.GenerateSigner()
	require.NoError(t, err)

	mkRoom := func(a, b *wire.KeySigner) (string, string) {
		w, out := f.do(t, http.MethodPost, "/rooms", "", gin.H{
			"wallet": a.PubKeyHex(), "game_kind": "chess", "turn_seconds": 60,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var snap struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(out["room"], &snap))
		rules := str(t, out["rules_hash"])
		w, _ = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/join", "", gin.H{"wallet": b.PubKeyHex()})
		require.Equal(t, http.StatusOK, w.Code)
		return snap.ID, rules
	}

	roomA, rulesA := mkRoom(s1, s2)
	roomB, _ := mkRoom(s3, s4)

	tokA := f.handshake(t, roomA, rulesA, s1)

	// A session for room A is absent in room B, even for a real wallet.
	w, out := f.do(t, http.MethodPost, "/rooms/"+roomB+"/moves", tokA,
		gin.H{"turn": 1, "payload": `{"m":"e4"}`})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `"session_not_found"`, string(out["error"]))

	// And works where it was minted.
	w, _ = f.do(t, http.MethodPost, "/rooms/"+roomA+"/moves", tokA,
		gin.H{"turn": 1, "payload": `{"m":"e4"}`})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAPIStrangerCannotHandshakeOrDraw(t *testing.T) {
	f := newAPIFixture(t)
	s1, err := wire.GenerateSigner()
	require.NoError(t, err)
	s2, err := wire.GenerateSigner()
	require.NoError(t, err)
	stranger, err := wire.GenerateSigner()
	require.NoError(t, err)

	w, out := f.do(t, http.MethodPost, "/rooms", "", gin.H{
		"wallet": s1.PubKeyHex(), "game_kind": "chess", "turn_seconds": 60, "stake_atoms": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(out["room"], &snap))
	rulesHash := str(t, out["rules_hash"])
	w, _ = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/join", "", gin.H{"wallet": s2.PubKeyHex()})
	require.Equal(t, http.StatusOK, w.Code)

	// A wallet with no seat is refused a nonce outright.
	w, out = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/nonce", "",
		gin.H{"wallet": stranger.PubKeyHex(), "rules_hash": rulesHash})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, `"not_a_participant"`, string(out["error"]))

	// Even a well-formed signed acceptance is rejected before any nonce
	// or signature verification runs.
	ts := f.env.clock().Unix()
	digest := wire.AcceptanceDigest(snap.ID, stranger.PubKeyHex(), rulesHash, "guessed", ts)
	sig, err := stranger.SignDigest(digest)
	require.NoError(t, err)
	w, out = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/session", "", gin.H{
		"wallet":     stranger.PubKeyHex(),
		"rules_hash": rulesHash,
		"nonce":      "guessed",
		"signature":  hex.EncodeToString(sig),
		"timestamp":  ts,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, `"not_a_participant"`, string(out["error"]))

	// With no session there is no draw: the stakes stay in escrow and
	// the seated wallets still handshake normally.
	w, _ = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/draw", "", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	rec, err := f.env.db.GetReceipt(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	f.handshake(t, snap.ID, rulesHash, s1)
}

func TestAPIRulesHashMustMatchRoom(t *testing.T) {
	f := newAPIFixture(t)
	s1, err := wire.GenerateSigner()
	require.NoError(t, err)

	w, out := f.do(t, http.MethodPost, "/rooms", "", gin.H{
		"wallet": s1.PubKeyHex(), "game_kind": "checkers", "turn_seconds": 30,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var snap struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(out["room"], &snap))

	w, out = f.do(t, http.MethodPost, "/rooms/"+snap.ID+"/nonce", "",
		gin.H{"wallet": s1.PubKeyHex(), "rules_hash": fmt.Sprintf("%064d", 0)})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, `"rules_changed"`, string(out["error"]))
}
