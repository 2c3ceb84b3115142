package models

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxPublicSeedLen = 64

func GenerateRoundID() string {
	return fmt.Sprintf("crash_%s_%s", time.Now().Format("20060102"), uuid.NewString()[:8])
}

func GenerateSessionID() string {
	return fmt.Sprintf("mines_%s_%s", time.Now().Format("20060102"), uuid.NewString()[:8])
}

func GenerateTransactionID() string {
	return "tx_" + uuid.NewString()
}

// FloorMultiplier truncates to two decimals.
func FloorMultiplier(m float64) float64 {
	return math.Floor(m*100+1e-9) / 100
}

// CalculatePayout is stake * multiplier floored to cents.
func CalculatePayout(amount decimal.Decimal, multiplier float64) decimal.Decimal {
	return amount.Mul(decimal.NewFromFloat(multiplier)).Truncate(2)
}

// SanitizePublicSeed never rejects: anything malformed becomes "".
func SanitizePublicSeed(seed string) string {
	seed = strings.TrimSpace(seed)
	if len(seed) > maxPublicSeedLen {
		return ""
	}
	for _, r := range seed {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return ""
		}
	}
	return seed
}
