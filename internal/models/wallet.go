package models

import "github.com/shopspring/decimal"

// Balances is a per-request view of an owner's balances; it is never cached.
type Balances map[Currency]decimal.Decimal

func (b Balances) Get(c Currency) decimal.Decimal {
	if v, ok := b[c]; ok {
		return v
	}
	return decimal.Zero
}
