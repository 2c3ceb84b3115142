package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/models"
	"crash-mines-backend/internal/services"
)

type UserHandler struct {
	ledger services.Ledger
	crash  *services.CrashGame
	mines  *services.MinesEngine
}

func NewUserHandler(ledger services.Ledger, crash *services.CrashGame, mines *services.MinesEngine) *UserHandler {
	return &UserHandler{
		ledger: ledger,
		crash:  crash,
		mines:  mines,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID := c.GetInt64("user_id")

	balances, err := services.GetBalances(c.Request.Context(), h.ledger, userID)
	if err != nil {
		if errors.Is(err, services.ErrUnknownOwner) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balances"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":       userID,
			"nickname": c.GetString("nickname"),
		},
		"session_id":    c.GetString("session_id"),
		"balances":      balances,
		"crash_wager":   h.crash.ActiveWager(userID),
		"mines_session": h.mines.GetActiveSession(userID),
	})
}

func (h *UserHandler) GetTransactions(c *gin.Context) {
	userID := c.GetInt64("user_id")

	journal, ok := h.ledger.(services.Journal)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Transaction history unavailable"})
		return
	}

	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}

	txs, err := journal.GetUserTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type AuthHandler struct {
	ledger   services.Ledger
	telegram *services.TelegramVerifier
	jwt      *services.JWTService
	bonus    decimal.Decimal
	allowDev bool
	log      logrus.FieldLogger
}

func NewAuthHandler(ledger services.Ledger, telegram *services.TelegramVerifier, jwtService *services.JWTService, bonus decimal.Decimal, allowDev bool, log logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{
		ledger:   ledger,
		telegram: telegram,
		jwt:      jwtService,
		bonus:    bonus,
		allowDev: allowDev,
		log:      log.WithField("component", "auth"),
	}
}

// Authenticate exchanges Telegram initData for a session token. The first
// login opens the ledger account.
func (h *AuthHandler) Authenticate(c *gin.Context) {
	initData := c.GetHeader("X-Telegram-Init-Data")
	if initData == "" {
		initData = c.Query("initData")
	}

	var user *models.TelegramUser
	devBypass := false
	switch {
	case initData == "" && h.allowDev:
		user = &models.TelegramUser{ID: services.DevOwnerID, FirstName: "Dev", LastName: "User", Username: "devuser", AuthDate: time.Now().Unix()}
		devBypass = true
	default:
		var err error
		user, err = h.telegram.Verify(initData)
		if err != nil {
			h.log.WithError(err).Debug("telegram auth rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization"})
			return
		}
	}

	ctx := c.Request.Context()
	exists, err := h.ledger.UserExists(ctx, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	if err := h.ledger.CreateUser(ctx, user.ID, user.DisplayName()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}
	if !exists && h.bonus.IsPositive() {
		h.grantSignupBonus(c, user.ID)
	}

	token, claims, err := h.jwt.GenerateToken(user.ID, user.DisplayName())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	balances, err := services.GetBalances(ctx, h.ledger, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balances"})
		return
	}

	h.log.WithFields(logrus.Fields{
		"owner_id":   user.ID,
		"new_user":   !exists,
		"dev_bypass": devBypass,
	}).Info("user authenticated")

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": claims.ExpiresAt.Time,
		"user":       user,
		"balances":   balances,
	})
}

func (h *AuthHandler) grantSignupBonus(c *gin.Context, ownerID int64) {
	ref := models.LedgerRef{
		ID:          fmt.Sprintf("bonus:signup:%d", ownerID),
		Type:        models.TransactionTypeBonus,
		Description: "signup bonus",
	}
	_, err := h.ledger.AdjustBalance(c.Request.Context(), ownerID, models.CurrencyStars, h.bonus, ref)
	if err != nil && !errors.Is(err, services.ErrDuplicateReference) {
		h.log.WithError(err).WithField("owner_id", ownerID).Error("failed to grant signup bonus")
	}
}
