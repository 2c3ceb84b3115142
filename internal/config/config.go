package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

type Config struct {
	Env       string
	Port      string
	BotToken  string
	JWTSecret string
	JWTExpiry time.Duration
	// OpsToken guards the operator routes. Empty disables them.
	OpsToken string

	RedisURL  string
	RedisPass string
	RedisDB   int

	LedgerBackend string
	DatabaseURL   string
	DBAutoMigrate bool

	// AllowDevIdentity lets unauthenticated sockets act as a fixed dev user.
	// Refused in production by Validate.
	AllowDevIdentity bool

	LogLevel  string
	LogFormat string

	SignupBonusStars  decimal.Decimal
	ReconcileInterval time.Duration

	Crash CrashConfig
	Mines MinesConfig
	// MinBet and MaxBet are keyed by lower-case currency code.
	MinBet map[string]decimal.Decimal
	MaxBet map[string]decimal.Decimal
}

// CrashConfig holds the tunables of the continuous round. GrowthRate and
// HouseEdge never leave the server.
type CrashConfig struct {
	BettingWindow    time.Duration
	CountdownSeconds int
	TickInterval     time.Duration
	ResolvedPause    time.Duration
	GrowthRate       float64
	HouseEdge        float64
	HistorySize      int
	HistoryView      int
}

type MinesConfig struct {
	GridSize      int
	MinMines      int
	MaxMines      int
	RTP           float64
	MaxMultiplier float64
}

func DefaultCrashConfig() CrashConfig {
	return CrashConfig{
		BettingWindow:    5 * time.Second,
		CountdownSeconds: 3,
		TickInterval:     100 * time.Millisecond,
		ResolvedPause:    3 * time.Second,
		GrowthRate:       0.1,
		HouseEdge:        0.05,
		HistorySize:      50,
		HistoryView:      15,
	}
}

func DefaultMinesConfig() MinesConfig {
	return MinesConfig{
		GridSize:      25,
		MinMines:      1,
		MaxMines:      24,
		RTP:           0.97,
		MaxMultiplier: 1000,
	}
}

func DefaultMinBets() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"stars": decimal.NewFromInt(20),
		"ton":   decimal.RequireFromString("0.10"),
	}
}

func DefaultMaxBets() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"stars": decimal.NewFromInt(100000),
		"ton":   decimal.NewFromInt(1000),
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:              getEnv("ENV", EnvDevelopment),
		Port:             getEnv("PORT", "8080"),
		BotToken:         os.Getenv("BOT_TOKEN"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-me"),
		OpsToken:         os.Getenv("OPS_TOKEN"),
		RedisURL:         getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:        os.Getenv("REDIS_PASSWORD"),
		LedgerBackend:    strings.ToLower(getEnv("LEDGER_BACKEND", LedgerRedis)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", ""),
		Crash:            DefaultCrashConfig(),
		Mines:            DefaultMinesConfig(),
		MinBet:           DefaultMinBets(),
		MaxBet:           DefaultMaxBets(),
		SignupBonusStars: decimal.Zero,
	}

	var err error
	if cfg.JWTExpiry, err = getEnvDuration("JWT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.DBAutoMigrate, err = getEnvBool("DB_AUTO_MIGRATE", true); err != nil {
		return nil, err
	}
	if cfg.AllowDevIdentity, err = getEnvBool("ALLOW_DEV_IDENTITY", false); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.SignupBonusStars, err = getEnvDecimal("SIGNUP_BONUS_STARS", decimal.Zero); err != nil {
		return nil, err
	}

	c := &cfg.Crash
	if c.BettingWindow, err = getEnvDuration("CRASH_BETTING_WINDOW", c.BettingWindow); err != nil {
		return nil, err
	}
	if c.CountdownSeconds, err = getEnvInt("CRASH_COUNTDOWN_SECONDS", c.CountdownSeconds); err != nil {
		return nil, err
	}
	if c.TickInterval, err = getEnvDuration("CRASH_TICK_INTERVAL", c.TickInterval); err != nil {
		return nil, err
	}
	if c.ResolvedPause, err = getEnvDuration("CRASH_RESOLVED_PAUSE", c.ResolvedPause); err != nil {
		return nil, err
	}
	if c.GrowthRate, err = getEnvFloat("CRASH_GROWTH_RATE", c.GrowthRate); err != nil {
		return nil, err
	}
	if c.HouseEdge, err = getEnvFloat("CRASH_HOUSE_EDGE", c.HouseEdge); err != nil {
		return nil, err
	}
	if c.HistorySize, err = getEnvInt("CRASH_HISTORY_SIZE", c.HistorySize); err != nil {
		return nil, err
	}
	if c.HistoryView, err = getEnvInt("CRASH_HISTORY_VIEW", c.HistoryView); err != nil {
		return nil, err
	}

	m := &cfg.Mines
	if m.MinMines, err = getEnvInt("MINES_MIN", m.MinMines); err != nil {
		return nil, err
	}
	if m.MaxMines, err = getEnvInt("MINES_MAX", m.MaxMines); err != nil {
		return nil, err
	}
	if m.RTP, err = getEnvFloat("MINES_RTP", m.RTP); err != nil {
		return nil, err
	}
	if m.MaxMultiplier, err = getEnvFloat("MINES_MAX_MULTIPLIER", m.MaxMultiplier); err != nil {
		return nil, err
	}

	if cfg.MinBet["stars"], err = getEnvDecimal("MIN_BET_STARS", cfg.MinBet["stars"]); err != nil {
		return nil, err
	}
	if cfg.MinBet["ton"], err = getEnvDecimal("MIN_BET_TON", cfg.MinBet["ton"]); err != nil {
		return nil, err
	}
	if cfg.MaxBet["stars"], err = getEnvDecimal("MAX_BET_STARS", cfg.MaxBet["stars"]); err != nil {
		return nil, err
	}
	if cfg.MaxBet["ton"], err = getEnvDecimal("MAX_BET_TON", cfg.MaxBet["ton"]); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c *Config) Validate() error {
	if c.Crash.HouseEdge < 0 || c.Crash.HouseEdge >= 1 {
		return fmt.Errorf("crash house edge must be in [0,1), got %v", c.Crash.HouseEdge)
	}
	if c.Crash.GrowthRate <= 0 {
		return fmt.Errorf("crash growth rate must be positive, got %v", c.Crash.GrowthRate)
	}
	if c.Crash.TickInterval <= 0 {
		return fmt.Errorf("crash tick interval must be positive")
	}
	if c.Crash.HistorySize <= 0 || c.Crash.HistoryView <= 0 {
		return fmt.Errorf("crash history sizes must be positive")
	}
	if c.Mines.RTP <= 0 || c.Mines.RTP > 1 {
		return fmt.Errorf("mines rtp must be in (0,1], got %v", c.Mines.RTP)
	}
	if c.Mines.MinMines < 1 || c.Mines.MaxMines > c.Mines.GridSize-1 || c.Mines.MinMines > c.Mines.MaxMines {
		return fmt.Errorf("mines range %d..%d is invalid for a %d cell grid",
			c.Mines.MinMines, c.Mines.MaxMines, c.Mines.GridSize)
	}
	if c.Mines.MaxMultiplier < 1 {
		return fmt.Errorf("mines max multiplier must be at least 1")
	}
	for cur, limit := range c.MaxBet {
		if !limit.IsPositive() || limit.LessThan(c.MinBet[cur]) {
			return fmt.Errorf("max bet for %s must be positive and not below the minimum", cur)
		}
	}
	if c.IsProduction() && c.AllowDevIdentity {
		return fmt.Errorf("ALLOW_DEV_IDENTITY cannot be enabled in production")
	}
	if c.IsProduction() && os.Getenv("JWT_SECRET") == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	switch c.LedgerBackend {
	case LedgerRedis:
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %v", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}

func getEnvDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}
