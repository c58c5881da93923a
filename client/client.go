package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/retry"
	"github.com/vctt94/stakeboard/wire"
)

// Config wires a client to one server and one wallet.
type Config struct {
	// ServerAddr is the base URL of the HTTP API, e.g. http://host:8080.
	ServerAddr string
	// NatsURL for the push plane and relayed peer channel.
	NatsURL string
	// Signer is the wallet signing interface. Its pubkey is the client's
	// identity everywhere.
	Signer wire.Signer
	Log    slog.Logger

	// HTTPTimeout bounds every API call. Default 10s.
	HTTPTimeout time.Duration
	// SubmitRetry is applied to transient submit failures. Ordering
	// conflicts are not transient and are handled by resync instead.
	SubmitRetry retry.Policy
	// ExitCeiling bounds forced exit. Default 15.5s.
	ExitCeiling time.Duration
}

// Client talks to the stakeboard server. One Client serves any number of
// room sessions for the same wallet.
type Client struct {
	cfg    Config
	hc     *http.Client
	log    slog.Logger
	signer wire.Signer
	wallet string
}

func New(cfg Config) (*Client, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("client needs a wallet signer")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("client needs a logger")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.ExitCeiling == 0 {
		cfg.ExitCeiling = 15500 * time.Millisecond
	}
	if cfg.SubmitRetry.MaxAttempts == 0 {
		cfg.SubmitRetry = retry.Default()
	}
	return &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.HTTPTimeout},
		log:    cfg.Log,
		signer: cfg.Signer,
		wallet: strings.ToLower(cfg.Signer.PubKeyHex()),
	}, nil
}

// Wallet returns the client's identity, the lowercase hex compressed
// pubkey.
func (c *Client) Wallet() string { return c.wallet }

// APIError is a structured server rejection. Code carries the taxonomy
// value ("turn_mismatch", "session_expired", ...).
type APIError struct {
	Status   int
	Code     string
	Expected int64 // set for turn_mismatch
	Detail   string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server: %s (%s)", e.Code, e.Detail)
	}
	return "server: " + e.Code
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return asAPIError(err, &ae) && ae.Code == code
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Client) call(ctx context.Context, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerAddr+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var fail struct {
			Error    string `json:"error"`
			Expected int64  `json:"expected"`
			Detail   string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fail)
		if fail.Error == "" {
			fail.Error = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: fail.Error, Expected: fail.Expected, Detail: fail.Detail}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// RoomInfo is the server's view of a room plus its rules hash.
type RoomInfo struct {
	Room      gameroom.Snapshot `json:"room"`
	RulesHash string            `json:"rules_hash"`
}

func (c *Client) CreateRoom(ctx context.Context, kind gameroom.GameKind, mode gameroom.Mode,
	stakeAtoms uint64, turnSeconds int64, feeAtoms uint64) (*RoomInfo, error) {
	var out RoomInfo
	err := c.call(ctx, http.MethodPost, "/rooms", "", map[string]any{
		"wallet":       c.wallet,
		"game_kind":    string(kind),
		"mode":         string(mode),
		"stake_atoms":  stakeAtoms,
		"turn_seconds": turnSeconds,
		"fee_atoms":    feeAtoms,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	var out RoomInfo
	err := c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/join", "",
		map[string]string{"wallet": c.wallet}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Room(ctx context.Context, roomID string) (*RoomInfo, error) {
	var out RoomInfo
	if err := c.call(ctx, http.MethodGet, "/rooms/"+roomID, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID, token string) error {
	return c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/leave", token,
		map[string]string{"wallet": c.wallet}, nil)
}

// LoadMoves fetches the full durable move history.
func (c *Client) LoadMoves(ctx context.Context, roomID string) ([]wire.Move, error) {
	var out struct {
		Moves []wire.Move `json:"moves"`
	}
	if err := c.call(ctx, http.MethodGet, "/rooms/"+roomID+"/moves", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Moves, nil
}

// Accept runs the full acceptance handshake: fetch a nonce, sign the
// canonical acceptance message with the wallet, start the session. A
// signer refusal (user declined) comes back as a plain error the caller
// can retry.
func (c *Client) Accept(ctx context.Context, roomID, rulesHash string) (string, error) {
	var nres struct {
		Nonce string `json:"nonce"`
	}
	err := c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/nonce", "",
		map[string]string{"wallet": c.wallet, "rules_hash": rulesHash}, &nres)
	if err != nil {
		return "", err
	}

	ts := time.Now().Unix()
	digest := wire.AcceptanceDigest(roomID, c.wallet, rulesHash, nres.Nonce, ts)
	sig, err := c.signer.SignDigest(digest)
	if err != nil {
		return "", fmt.Errorf("wallet declined to sign: %w", err)
	}

	var sres struct {
		SessionToken string `json:"session_token"`
	}
	err = c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/session", "", map[string]any{
		"wallet":     c.wallet,
		"rules_hash": rulesHash,
		"nonce":      nres.Nonce,
		"signature":  hex.EncodeToString(sig),
		"timestamp":  ts,
	}, &sres)
	if err != nil {
		return "", err
	}
	c.log.Infof("session started for room %s", roomID)
	return sres.SessionToken, nil
}

// MoveReceipt is the server's canonical answer for a committed move.
type MoveReceipt struct {
	Turn     int64  `json:"turn"`
	MoveHash string `json:"move_hash"`
}

func (c *Client) SubmitMove(ctx context.Context, roomID, token string, turn int64, payload json.RawMessage, prevHash string) (*MoveReceipt, error) {
	var out MoveReceipt
	err := c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/moves", token, map[string]any{
		"turn":      turn,
		"payload":   string(payload),
		"prev_hash": prevHash,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FinalizeResult mirrors the server's settlement response.
type FinalizeResult struct {
	Signature      string `json:"signature"`
	Winner         string `json:"winner"`
	AlreadySettled bool   `json:"already_settled"`
}

func (c *Client) ClaimTimeout(ctx context.Context, roomID, token string) (*FinalizeResult, error) {
	var out FinalizeResult
	if err := c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/claim-timeout", token, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Resign(ctx context.Context, roomID, token string) (*FinalizeResult, error) {
	var out FinalizeResult
	if err := c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/resign", token, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FinalizeDraw(ctx context.Context, roomID, token string) (*FinalizeResult, error) {
	var out FinalizeResult
	if err := c.call(ctx, http.MethodPost, "/rooms/"+roomID+"/draw", token, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
