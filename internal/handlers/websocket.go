package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/models"
	"crash-mines-backend/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RateLimiter caps privileged actions per owner.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, ownerID int64, action string, limit int, window time.Duration) (bool, error)
}

var actionLimits = map[string]int{
	models.MsgPlaceBet:       services.DefaultRateLimitBets,
	models.MsgCashout:        services.DefaultRateLimitCashout,
	models.MsgSessionCashout: services.DefaultRateLimitCashout,
	models.MsgStartSession:   services.DefaultRateLimitBets,
	models.MsgRevealCell:     services.DefaultRateLimitReveal,
}

var errRateLimited = &services.GameError{Kind: services.KindValidation, Reason: "too many requests, slow down"}

type WebSocketHandler struct {
	hub      *Hub
	crash    *services.CrashGame
	mines    *services.MinesEngine
	ledger   services.Ledger
	identity services.IdentityVerifier
	limiter  RateLimiter
	log      logrus.FieldLogger
}

func NewWebSocketHandler(hub *Hub, crash *services.CrashGame, mines *services.MinesEngine, ledger services.Ledger, identity services.IdentityVerifier, limiter RateLimiter, log logrus.FieldLogger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		crash:    crash,
		mines:    mines,
		ledger:   ledger,
		identity: identity,
		limiter:  limiter,
		log:      log.WithField("component", "websocket"),
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade to websocket")
		return
	}

	client := newClient(h.hub, conn)
	if !h.hub.add(client) {
		conn.Close()
		return
	}
	go client.writePump()

	defer h.hub.remove(client)

	client.reply(&models.OutboundMessage{Type: models.MsgCrashState, Data: h.crash.State()})
	if token := c.Query("token"); token != "" {
		h.authenticate(c.Request.Context(), client, token)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Debug("websocket closed")
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.reply(failure(models.MsgError, &services.GameError{Kind: services.KindValidation, Reason: "malformed message"}))
			continue
		}
		h.handleMessage(c.Request.Context(), client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, msg *models.Message) {
	switch msg.Type {
	case models.MsgPing:
		client.reply(&models.OutboundMessage{Type: models.MsgPong, Data: gin.H{"timestamp": time.Now().Unix()}})
		return
	case models.MsgGetState:
		client.reply(&models.OutboundMessage{Type: models.MsgCrashState, Data: h.crash.State()})
		return
	case models.MsgAuth:
		token := msg.Token
		if token == "" && len(msg.Data) > 0 {
			var p models.AuthPayload
			if err := json.Unmarshal(msg.Data, &p); err == nil {
				token = p.Token
			}
		}
		h.authenticate(ctx, client, token)
		return
	}

	resultType, ok := resultTypes[msg.Type]
	if !ok {
		client.reply(failure(models.MsgError, &services.GameError{Kind: services.KindValidation, Reason: "unknown message type"}))
		return
	}

	id := client.session.Identity()
	if id == nil {
		client.reply(failure(resultType, services.ErrNotAuthenticated))
		return
	}
	if err := h.checkRate(ctx, id.OwnerID, msg.Type); err != nil {
		client.reply(failure(resultType, err))
		return
	}

	data, err := h.dispatch(ctx, *id, msg)
	if err != nil {
		h.logFailure(id.OwnerID, msg.Type, err)
		client.reply(failure(resultType, err))
		return
	}
	client.reply(success(resultType, data))
}

var resultTypes = map[string]string{
	models.MsgPlaceBet:       models.MsgBetResult,
	models.MsgCashout:        models.MsgCashoutResult,
	models.MsgCancelBet:      models.MsgCancelResult,
	models.MsgStartSession:   models.MsgSessionStarted,
	models.MsgRevealCell:     models.MsgRevealResult,
	models.MsgSessionCashout: models.MsgSessionCashoutResult,
}

func (h *WebSocketHandler) dispatch(ctx context.Context, id models.Identity, msg *models.Message) (interface{}, error) {
	switch msg.Type {
	case models.MsgPlaceBet:
		var p models.PlaceBetPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		return h.crash.PlaceWager(ctx, id, p.Amount, p.Currency, p.AutoCashout)

	case models.MsgCashout:
		return h.crash.Cashout(ctx, id.OwnerID)

	case models.MsgCancelBet:
		return h.crash.CancelWager(ctx, id.OwnerID)

	case models.MsgStartSession:
		var p models.StartSessionPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		return h.mines.StartSession(ctx, id, p.Stake, p.Currency, p.MinesCount, p.PublicSeed)

	case models.MsgRevealCell:
		var p models.RevealCellPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		if p.Index == nil {
			return nil, &services.GameError{Kind: services.KindValidation, Reason: "cell index is required"}
		}
		return h.mines.RevealCell(ctx, id.OwnerID, *p.Index)

	case models.MsgSessionCashout:
		return h.mines.Cashout(ctx, id.OwnerID)
	}
	return nil, &services.GameError{Kind: services.KindValidation, Reason: "unknown message type"}
}

func (h *WebSocketHandler) authenticate(ctx context.Context, client *Client, token string) {
	id, err := h.identity.VerifyIdentity(ctx, token)
	if err != nil {
		client.reply(failure(models.MsgAuthResult, err))
		return
	}

	exists, err := h.ledger.UserExists(ctx, id.OwnerID)
	if err == nil && !exists {
		err = h.ledger.CreateUser(ctx, id.OwnerID, id.DisplayName)
	}
	if err != nil {
		h.log.WithError(err).WithField("owner_id", id.OwnerID).Error("failed to load account")
		client.reply(failure(models.MsgAuthResult, &services.GameError{Kind: services.KindInternalLedger, Reason: "account unavailable, try again", Err: err}))
		return
	}

	balances, err := services.GetBalances(ctx, h.ledger, id.OwnerID)
	if err != nil {
		h.log.WithError(err).WithField("owner_id", id.OwnerID).Error("failed to load balances")
		client.reply(failure(models.MsgAuthResult, &services.GameError{Kind: services.KindInternalLedger, Reason: "account unavailable, try again", Err: err}))
		return
	}

	client.session.bind(id)
	h.hub.attach(client, id.OwnerID)

	h.log.WithFields(logrus.Fields{
		"owner_id":   id.OwnerID,
		"dev_bypass": id.DevBypass,
	}).Info("websocket authenticated")

	client.reply(success(models.MsgAuthResult, &models.AuthResult{
		OwnerID:     id.OwnerID,
		DisplayName: id.DisplayName,
		Balances:    balances,
		Crash:       h.crash.ActiveWager(id.OwnerID),
		Mines:       h.mines.GetActiveSession(id.OwnerID),
	}))
}

func (h *WebSocketHandler) checkRate(ctx context.Context, ownerID int64, action string) error {
	limit, ok := actionLimits[action]
	if !ok || h.limiter == nil {
		return nil
	}
	allowed, err := h.limiter.CheckRateLimit(ctx, ownerID, action, limit, time.Minute)
	if err != nil {
		// Limiter outages do not block play.
		h.log.WithError(err).Warn("rate limit check failed")
		return nil
	}
	if !allowed {
		return errRateLimited
	}
	return nil
}

func (h *WebSocketHandler) logFailure(ownerID int64, action string, err error) {
	entry := h.log.WithFields(logrus.Fields{"owner_id": ownerID, "action": action})
	var ge *services.GameError
	if errors.As(err, &ge) && ge.Kind != services.KindInternalLedger {
		entry.WithField("reason", ge.Reason).Debug("action rejected")
		return
	}
	entry.WithError(err).Error("action failed")
}

func decodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &services.GameError{Kind: services.KindValidation, Reason: "invalid payload", Err: err}
	}
	return nil
}

func success(msgType string, data interface{}) *models.OutboundMessage {
	ok := true
	return &models.OutboundMessage{Type: msgType, Success: &ok, Data: data}
}

func failure(msgType string, err error) *models.OutboundMessage {
	ok := false
	return &models.OutboundMessage{
		Type:    msgType,
		Success: &ok,
		Error:   services.ReasonOf(err),
		Code:    string(services.KindOf(err)),
	}
}
