// Package core holds the domain model shared by the ledger, budget registry
// and aggregation layers.
package core

import (
	"strconv"
	"strings"
	"unicode"
)

// Money is an amount in integer minor currency units (whole yen). Negative
// values never appear on transactions; sign is carried by the transaction
// type.
type Money struct {
	Amount int64
}

func (m Money) Validate() error {
	if m.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(m.Amount, 10)), nil
}

// UnmarshalJSON accepts a bare integer or a quoted display-formatted amount
// ("¥1,500"); the string form goes through ParseAmount and so must be a
// positive value.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if strings.HasPrefix(s, `"`) {
		parsed, err := ParseAmount(strings.Trim(s, `"`))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return ErrInvalidAmount
	}
	m.Amount = v
	return nil
}

// ParseAmount converts a user-supplied amount string to minor units.
//
// Grouping separators (comma and space) are tolerated; the value must be a
// positive integer. Yen has no fractional unit, so decimals are rejected.
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "¥")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return Money{}, ErrInvalidAmount
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return Money{}, ErrInvalidAmount
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return Money{}, ErrInvalidAmount
	}
	return Money{Amount: v}, nil
}
