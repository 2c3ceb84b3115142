package models

import (
	"fmt"
	"strings"
)

type GameType string

const (
	GameTypeCrash GameType = "crash"
	GameTypeMines GameType = "mines"
)

type Currency string

const (
	CurrencyStars Currency = "stars"
	CurrencyTON   Currency = "ton"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyStars, CurrencyTON:
		return true
	}
	return false
}

// ParseCurrency accepts any casing and defaults an empty value to stars.
func ParseCurrency(s string) (Currency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CurrencyStars, nil
	}
	c := Currency(s)
	if !c.Valid() {
		return "", fmt.Errorf("unsupported currency: %s", s)
	}
	return c, nil
}

var Currencies = []Currency{CurrencyStars, CurrencyTON}
