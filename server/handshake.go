package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/wire"
)

var (
	ErrBadSignature   = errors.New("signature invalid")
	ErrStaleTimestamp = errors.New("signature timestamp outside freshness window")
	// ErrNonceConsumed covers replayed, superseded and never-issued
	// nonces alike; the remediation is the same: request a fresh one.
	ErrNonceConsumed = errors.New("nonce not redeemable")

	// ErrSessionNotFound means no acceptance ever happened for this room:
	// the wallet must run the handshake. Distinct from ErrSessionExpired,
	// where re-running the handshake refreshes an earlier acceptance.
	ErrSessionNotFound = errors.New("no session for this room")
	ErrSessionExpired  = errors.New("session expired")
)

// sessionAuthority issues acceptance nonces and mints room-scoped session
// tokens once a wallet has proven, by signature, that it accepted the
// room's exact rules.
type sessionAuthority struct {
	db        serverdb.Store
	log       slog.Logger
	secret    []byte
	freshness time.Duration
	expiry    time.Duration

	now func() time.Time // test hook

	// roomStatus, when set, reports a room's lifecycle status. Tokens die
	// with the room they were minted for: once the room leaves waiting or
	// active, validation fails with ErrSessionExpired.
	roomStatus func(roomID string) (gameroom.Status, bool)
}

func newSessionAuthority(db serverdb.Store, log slog.Logger, secret []byte, freshness, expiry time.Duration) *sessionAuthority {
	return &sessionAuthority{
		db:        db,
		log:       log,
		secret:    secret,
		freshness: freshness,
		expiry:    expiry,
		now:       time.Now,
	}
}

// IssueNonce stores a fresh single-use nonce bound to (room, wallet,
// rulesHash). Issuing again before consumption invalidates the prior
// nonce, so exactly one is redeemable at any time.
func (a *sessionAuthority) IssueNonce(ctx context.Context, roomID, wallet, rulesHash string) (string, error) {
	nonce := uuid.NewString()
	rec := &serverdb.NonceRecord{
		RoomID:    roomID,
		Wallet:    strings.ToLower(wallet),
		RulesHash: strings.ToLower(rulesHash),
		Nonce:     nonce,
		IssuedAt:  a.now().UTC(),
	}
	if err := a.db.PutNonce(ctx, rec); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}
	a.log.Debugf("nonce issued for %s in room %s", rec.Wallet, roomID)
	return nonce, nil
}

// sessionClaims binds a token to one room and one rules hash. Audience
// carries the room so lookups are room-scoped by construction.
type sessionClaims struct {
	RulesHash string `json:"rules_hash"`
	jwt.RegisteredClaims
}

// StartSession verifies the acceptance signature, consumes the nonce and
// mints a session token. The wallet identifier doubles as the compressed
// public key the signature is checked against, so nobody can accept on
// another wallet's behalf.
func (a *sessionAuthority) StartSession(ctx context.Context, roomID, wallet, rulesHash, nonce, sigHex string, ts int64) (string, error) {
	wallet = strings.ToLower(wallet)
	rulesHash = strings.ToLower(rulesHash)

	now := a.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-a.freshness)) || signedAt.After(now.Add(a.freshness)) {
		return "", fmt.Errorf("%w: signed %s", ErrStaleTimestamp, signedAt.UTC().Format(time.RFC3339))
	}

	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return "", fmt.Errorf("%w: signature not hex", ErrBadSignature)
	}
	digest := wire.AcceptanceDigest(roomID, wallet, rulesHash, nonce, ts)
	if err := wire.VerifyDigest(wallet, digest, sig); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	// Consume after the signature check so a forged request cannot burn a
	// legitimate wallet's outstanding nonce.
	if err := a.db.ConsumeNonce(ctx, roomID, wallet, rulesHash, nonce); err != nil {
		if errors.Is(err, serverdb.ErrNonceNotFound) || errors.Is(err, serverdb.ErrNonceMismatch) {
			return "", fmt.Errorf("%w: %v", ErrNonceConsumed, err)
		}
		return "", fmt.Errorf("consume nonce: %w", err)
	}

	claims := &sessionClaims{
		RulesHash: rulesHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			Audience:  jwt.ClaimStrings{roomID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("mint session token: %w", err)
	}
	a.log.Infof("session started for %s in room %s", wallet, roomID)
	return token, nil
}

// Validate checks a session token against a specific room and returns the
// wallet it authorizes. Tokens for any other room are treated as absent,
// never as a fallback.
func (a *sessionAuthority) Validate(tokenString, roomID string) (string, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrSessionExpired
		}
		return "", fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if !token.Valid {
		return "", ErrSessionNotFound
	}
	scoped := false
	for _, aud := range claims.Audience {
		if aud == roomID {
			scoped = true
			break
		}
	}
	if !scoped {
		return "", fmt.Errorf("%w: token scoped elsewhere", ErrSessionNotFound)
	}
	if a.roomStatus != nil {
		if st, ok := a.roomStatus(roomID); ok && st != gameroom.Waiting && st != gameroom.Active {
			return "", fmt.Errorf("%w: room is %s", ErrSessionExpired, st)
		}
	}
	return claims.Subject, nil
}
