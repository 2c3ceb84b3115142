package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/middleware"
	"crash-mines-backend/internal/models"
	"crash-mines-backend/internal/services"
)

const (
	testBotToken = "123456:test-bot-token"
	testOpsToken = "ops-secret"
)

type testEnv struct {
	cfg      *config.Config
	redis    *services.RedisService
	hub      *Hub
	crash    *services.CrashGame
	mines    *services.MinesEngine
	settle   *services.Settlement
	jwt      *services.JWTService
	telegram *services.TelegramVerifier
	router   *gin.Engine
}

func newTestEnv(t *testing.T, allowDev bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rs := services.NewRedisServiceFromClient(client)

	log, _ := logtest.NewNullLogger()
	cfg := &config.Config{
		Env:              config.EnvDevelopment,
		JWTSecret:        "handler-test-secret",
		JWTExpiry:        time.Hour,
		BotToken:         testBotToken,
		AllowDevIdentity: allowDev,
		SignupBonusStars: decimal.NewFromInt(100),
		Crash:            config.DefaultCrashConfig(),
		Mines:            config.DefaultMinesConfig(),
		MinBet:           config.DefaultMinBets(),
		MaxBet:           config.DefaultMaxBets(),
		OpsToken:         testOpsToken,
	}

	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	fairness := services.NewFairness()
	settle := services.NewSettlement(rs, rs, log)
	crash := services.NewCrashGame(cfg, fairness, settle, hub, rs, rs, log)
	require.NoError(t, crash.Init(ctx))
	mines := services.NewMinesEngine(cfg, fairness, settle, hub, rs, rs, log)
	jwtService := services.NewJWTService(cfg)
	telegram := services.NewTelegramVerifier(cfg.BotToken)

	env := &testEnv{
		cfg:      cfg,
		redis:    rs,
		hub:      hub,
		crash:    crash,
		mines:    mines,
		settle:   settle,
		jwt:      jwtService,
		telegram: telegram,
	}

	ws := NewWebSocketHandler(hub, crash, mines, rs, services.NewTokenVerifier(jwtService, allowDev, log), rs, log)
	auth := NewAuthHandler(rs, telegram, jwtService, cfg.SignupBonusStars, allowDev, log)
	game := NewGameHandler(cfg, crash, mines, settle, rs)
	user := NewUserHandler(rs, crash, mines)

	r := gin.New()
	r.GET("/ws", ws.HandleWebSocket)
	r.GET("/auth/telegram", auth.Authenticate)
	r.GET("/api/crash/state", game.GetCrashState)
	r.GET("/api/crash/history", game.GetCrashHistory)
	r.GET("/api/mines/multipliers", game.GetMinesMultipliers)
	r.GET("/api/fairness/rounds/:id", game.GetRoundRecord)
	r.GET("/api/fairness/mines/:id", game.GetMinesRecord)
	r.POST("/api/fairness/verify", game.VerifyGame)

	asUser := func(c *gin.Context) {
		c.Set("user_id", int64(42))
		c.Set("nickname", "ada")
		c.Next()
	}
	r.GET("/api/me", asUser, user.GetCurrentUser)
	r.GET("/api/transactions", asUser, user.GetTransactions)
	r.GET("/api/mines/active", asUser, game.GetActiveMines)
	ops := middleware.OpsMiddleware(cfg.OpsToken, log)
	r.GET("/api/ops/reconcile", ops, game.GetReconcileStatus)
	r.POST("/api/ops/reconcile", ops, game.RunReconcile)
	env.router = r
	return env
}

func (env *testEnv) fund(t *testing.T, ownerID int64, amount string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.redis.CreateUser(ctx, ownerID, "player"))
	_, err := env.redis.AdjustBalance(ctx, ownerID, models.CurrencyStars, decimal.RequireFromString(amount), models.LedgerRef{
		ID:   "fund:" + decimal.NewFromInt(ownerID).String(),
		Type: models.TransactionTypeBonus,
	})
	require.NoError(t, err)
}

func stars(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (env *testEnv) token(t *testing.T, ownerID int64, name string) string {
	t.Helper()
	token, _, err := env.jwt.GenerateToken(ownerID, name)
	require.NoError(t, err)
	return token
}

type wsReply struct {
	Type    string          `json:"type"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (env *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	msg := map[string]interface{}{"type": msgType}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// readType skips broadcasts until a message of msgType arrives.
func readType(t *testing.T, conn *websocket.Conn, msgType string) *wsReply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var reply wsReply
		require.NoError(t, conn.ReadJSON(&reply))
		if reply.Type == msgType {
			return &reply
		}
	}
}
