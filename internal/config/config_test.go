package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-mines-backend/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("LEDGER_BACKEND", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.LedgerRedis, cfg.LedgerBackend)
	assert.Equal(t, 0.05, cfg.Crash.HouseEdge)
	assert.Equal(t, 0.1, cfg.Crash.GrowthRate)
	assert.Equal(t, 25, cfg.Mines.GridSize)
	assert.True(t, cfg.MinBet["stars"].Equal(decimal.NewFromInt(20)))
	assert.True(t, cfg.MinBet["ton"].Equal(decimal.RequireFromString("0.1")))
	assert.True(t, cfg.MaxBet["stars"].Equal(decimal.NewFromInt(100000)))
	assert.True(t, cfg.MaxBet["ton"].Equal(decimal.NewFromInt(1000)))
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CRASH_TICK_INTERVAL", "50ms")
	t.Setenv("CRASH_HOUSE_EDGE", "0.01")
	t.Setenv("MINES_MAX", "20")
	t.Setenv("MIN_BET_STARS", "5")
	t.Setenv("OPS_TOKEN", "ops")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Crash.TickInterval)
	assert.Equal(t, 0.01, cfg.Crash.HouseEdge)
	assert.Equal(t, 20, cfg.Mines.MaxMines)
	assert.True(t, cfg.MinBet["stars"].Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "ops", cfg.OpsToken)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"bad edge":        {"CRASH_HOUSE_EDGE", "1.5"},
		"bad rtp":         {"MINES_RTP", "0"},
		"too many mines":  {"MINES_MAX", "25"},
		"unknown ledger":  {"LEDGER_BACKEND", "sqlite"},
		"unparsable int":  {"REDIS_DB", "zero"},
		"unparsable time": {"JWT_EXPIRY", "tomorrow"},
		"max below min":   {"MAX_BET_STARS", "10"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestDevIdentityRefusedInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ALLOW_DEV_IDENTITY", "true")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ALLOW_DEV_IDENTITY")
}

func TestPostgresRequiresURL(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := config.Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}
