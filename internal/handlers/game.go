package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
	"crash-mines-backend/internal/services"
)

// RecordStore reads the fairness audit trail.
type RecordStore interface {
	GetRoundRecord(ctx context.Context, roundID string) (*models.RoundRecord, error)
	GetMinesRecord(ctx context.Context, sessionID string) (*models.MinesRecord, error)
}

type GameHandler struct {
	cfg     *config.Config
	crash   *services.CrashGame
	mines   *services.MinesEngine
	settle  *services.Settlement
	records RecordStore
}

func NewGameHandler(cfg *config.Config, crash *services.CrashGame, mines *services.MinesEngine, settle *services.Settlement, records RecordStore) *GameHandler {
	return &GameHandler{
		cfg:     cfg,
		crash:   crash,
		mines:   mines,
		settle:  settle,
		records: records,
	}
}

func (h *GameHandler) GetCrashState(c *gin.Context) {
	c.JSON(http.StatusOK, h.crash.State())
}

func (h *GameHandler) GetCrashHistory(c *gin.Context) {
	st := h.crash.State()
	c.JSON(http.StatusOK, gin.H{"history": st.History})
}

func (h *GameHandler) GetRoundRecord(c *gin.Context) {
	rec, err := h.records.GetRoundRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"round":    rec,
		"resolved": rec.Resolved(),
	})
}

func (h *GameHandler) GetMinesRecord(c *gin.Context) {
	rec, err := h.records.GetMinesRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"game":     rec,
		"resolved": rec.Status != models.MinesActive,
	})
}

func (h *GameHandler) recordError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load record"})
}

func (h *GameHandler) VerifyGame(c *gin.Context) {
	var req services.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	res, err := services.VerifyOutcome(h.cfg.Crash, h.cfg.Mines, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ReasonOf(err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *GameHandler) GetMinesMultipliers(c *gin.Context) {
	mines, err := strconv.Atoi(c.DefaultQuery("mines", "3"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mines must be a number"})
		return
	}

	table, err := h.mines.MultiplierTable(mines)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ReasonOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mines":       mines,
		"multipliers": table,
	})
}

func (h *GameHandler) GetActiveMines(c *gin.Context) {
	userID := c.GetInt64("user_id")

	snap := h.mines.GetActiveSession(userID)
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":  true,
		"session": snap,
	})
}

// GetReconcileStatus reports owed credits next to stake and payout totals
// and the stakes still in play.
func (h *GameHandler) GetReconcileStatus(c *gin.Context) {
	debits, credits := h.settle.Totals()
	atRisk := h.crash.ActiveStakes()
	for cur, v := range h.mines.ActiveStakes() {
		atRisk[cur] = atRisk[cur].Add(v)
	}

	net := make(map[models.Currency]decimal.Decimal)
	for _, cur := range models.Currencies {
		net[cur] = debits[cur].Sub(credits[cur])
	}

	c.JSON(http.StatusOK, gin.H{
		"pending":          h.settle.Pending(),
		"debits":           debits,
		"credits":          credits,
		"net":              net,
		"at_risk":          atRisk,
		"active_mines":     h.mines.ActiveCount(),
		"crash_bets_count": h.crash.State().BetsCount,
	})
}

func (h *GameHandler) RunReconcile(c *gin.Context) {
	remaining := h.settle.Reconcile(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"remaining": remaining})
}
