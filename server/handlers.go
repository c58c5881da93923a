package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vctt94/stakeboard/gameroom"
	"github.com/vctt94/stakeboard/server/serverdb"
	"github.com/vctt94/stakeboard/settlement"
)

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})

	rooms := r.Group("/rooms")
	rooms.POST("", s.handleCreateRoom)
	rooms.GET("/:id", s.handleGetRoom)
	rooms.POST("/:id/join", s.handleJoinRoom)
	rooms.POST("/:id/leave", s.handleLeaveRoom)
	rooms.POST("/:id/nonce", s.handleIssueNonce)
	rooms.POST("/:id/session", s.handleStartSession)
	rooms.GET("/:id/moves", s.handleLoadMoves)
	rooms.GET("/:id/receipt", s.handleGetReceipt)

	authed := rooms.Group("", s.sessionRequired())
	authed.POST("/:id/moves", s.handleSubmitMove)
	authed.POST("/:id/claim-timeout", s.handleClaimTimeout)
	authed.POST("/:id/resign", s.handleResign)
	authed.POST("/:id/draw", s.handleDraw)

	return r
}

// sessionRequired validates the bearer token against the room in the URL.
// Tokens for other rooms are absent by definition, never a fallback.
func (s *Server) sessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_not_found"})
			return
		}
		wallet, err := s.sessions.Validate(token, c.Param("id"))
		if err != nil {
			code := "session_not_found"
			if errors.Is(err, ErrSessionExpired) {
				code = "session_expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
			return
		}
		c.Set("wallet", wallet)
		c.Next()
	}
}

func sessionWallet(c *gin.Context) string {
	return c.GetString("wallet")
}

type createRoomRequest struct {
	Wallet      string `json:"wallet" binding:"required"`
	GameKind    string `json:"game_kind" binding:"required"`
	Mode        string `json:"mode"`
	StakeAtoms  uint64 `json:"stake_atoms"`
	TurnSeconds int64  `json:"turn_seconds" binding:"required"`
	FeeAtoms    uint64 `json:"fee_atoms"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	mode := gameroom.Mode(req.Mode)
	if mode == "" {
		mode = gameroom.Casual
	}
	room, err := s.CreateRoom(c.Request.Context(), req.Wallet, gameroom.GameKind(req.GameKind),
		mode, req.StakeAtoms, req.TurnSeconds, req.FeeAtoms)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room.Marshal(), "rules_hash": room.Rules().Hash()})
}

func (s *Server) handleGetRoom(c *gin.Context) {
	room := s.rooms.Get(c.Param("id"))
	if room == nil {
		// Finished rooms are evicted from memory but stay queryable.
		snap, err := s.db.GetRoom(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": snap})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room.Marshal(), "rules_hash": room.Rules().Hash()})
}

type walletRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	room, err := s.JoinRoom(c.Request.Context(), c.Param("id"), req.Wallet)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room.Marshal(), "rules_hash": room.Rules().Hash()})
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	roomID := c.Param("id")
	// Leaving an active game forfeits money, so it demands a session.
	if room := s.rooms.Get(roomID); room != nil && room.CurrentStatus() == gameroom.Active {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		wallet, err := s.sessions.Validate(token, roomID)
		if err != nil || wallet != strings.ToLower(req.Wallet) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session_not_found"})
			return
		}
	}
	if err := s.LeaveRoom(c.Request.Context(), roomID, req.Wallet); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

type nonceRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	RulesHash string `json:"rules_hash" binding:"required"`
}

func (s *Server) handleIssueNonce(c *gin.Context) {
	var req nonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	roomID := c.Param("id")
	room := s.rooms.Get(roomID)
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	// Only seated wallets may start the acceptance handshake.
	if !room.HasParticipant(req.Wallet) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}
	if !strings.EqualFold(req.RulesHash, room.Rules().Hash()) {
		c.JSON(http.StatusConflict, gin.H{"error": "rules_changed", "rules_hash": room.Rules().Hash()})
		return
	}
	nonce, err := s.sessions.IssueNonce(c.Request.Context(), roomID, req.Wallet, req.RulesHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

type sessionRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	RulesHash string `json:"rules_hash" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	roomID := c.Param("id")
	room := s.rooms.Get(roomID)
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	if !room.HasParticipant(req.Wallet) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}
	if !strings.EqualFold(req.RulesHash, room.Rules().Hash()) {
		c.JSON(http.StatusConflict, gin.H{"error": "rules_changed", "rules_hash": room.Rules().Hash()})
		return
	}
	token, err := s.sessions.StartSession(c.Request.Context(), roomID,
		req.Wallet, req.RulesHash, req.Nonce, req.Signature, req.Timestamp)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_token": token})
}

func (s *Server) handleLoadMoves(c *gin.Context) {
	moves, err := s.LoadMoves(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moves": moves})
}

type submitMoveRequest struct {
	Turn     int64  `json:"turn" binding:"required"`
	Payload  string `json:"payload" binding:"required"`
	PrevHash string `json:"prev_hash"`
}

func (s *Server) handleSubmitMove(c *gin.Context) {
	var req submitMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	mv, err := s.SubmitMove(c.Request.Context(), c.Param("id"), sessionWallet(c),
		req.Turn, []byte(req.Payload), req.PrevHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turn": mv.Turn, "move_hash": mv.MoveHash})
}

func (s *Server) handleClaimTimeout(c *gin.Context) {
	res, err := s.ClaimTimeout(c.Request.Context(), c.Param("id"), sessionWallet(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, finalizeResponse(res))
}

func (s *Server) handleResign(c *gin.Context) {
	res, err := s.Resign(c.Request.Context(), c.Param("id"), sessionWallet(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	// Multiway rooms eliminate the resigner and play on; no settlement
	// happens yet.
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"eliminated": true})
		return
	}
	c.JSON(http.StatusOK, finalizeResponse(res))
}

// handleDraw settles an agreed draw on behalf of the session's wallet.
// The draw agreement itself travels over the peer channels; the server
// only requires that the caller holds a seat in the room.
func (s *Server) handleDraw(c *gin.Context) {
	res, err := s.FinalizeDraw(c.Request.Context(), c.Param("id"), sessionWallet(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, finalizeResponse(res))
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	rec, err := s.db.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_receipt"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": rec})
}

func finalizeResponse(res *settlement.FinalizeResult) gin.H {
	return gin.H{
		"signature":       res.Signature,
		"winner":          res.Winner,
		"already_settled": res.AlreadySettled,
	}
}

// writeError maps the error taxonomy onto HTTP. Ordering conflicts are
// 409s the client resolves by reloading the log; handshake failures are
// 401s resolved by re-running the handshake.
func (s *Server) writeError(c *gin.Context, err error) {
	var tm *TurnMismatchError
	switch {
	case errors.As(err, &tm):
		c.JSON(http.StatusConflict, gin.H{"error": "turn_mismatch", "expected": tm.Expected})
	case errors.Is(err, ErrNotYourTurn):
		c.JSON(http.StatusConflict, gin.H{"error": "not_your_turn"})
	case errors.Is(err, serverdb.ErrTurnAlreadyTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "turn_already_taken"})
	case errors.Is(err, serverdb.ErrHashMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "hash_mismatch"})
	case errors.Is(err, ErrRoomNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "room_not_active"})
	case errors.Is(err, ErrNotClaimable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_claimable"})
	case errors.Is(err, serverdb.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature"})
	case errors.Is(err, ErrStaleTimestamp):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "stale_timestamp"})
	case errors.Is(err, ErrNonceConsumed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "nonce_consumed"})
	case settlement.Structural(err):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_escrow", "detail": err.Error()})
	case errors.Is(err, settlement.ErrAlreadySettling):
		c.JSON(http.StatusConflict, gin.H{"error": "settlement_in_progress"})
	default:
		s.log.Errorf("unhandled API error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
