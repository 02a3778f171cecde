package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Money is an amount of US dollars held as integer cents so that line
// arithmetic stays exact (3 x 8.99 is 26.97, not a float approximation).
// On the wire it is a plain JSON number with two decimal places.
type Money int64

var ErrInvalidMoney = errors.New("invalid money amount")

// Cents builds a Money from an integer number of cents.
func Cents(n int64) Money { return Money(n) }

// Mul scales the amount by a line quantity.
func (m Money) Mul(qty int) Money { return m * Money(qty) }

func (m Money) String() string {
	neg := m < 0
	c := int64(m)
	if neg {
		c = -c
	}
	s := fmt.Sprintf("%d.%02d", c/100, c%100)
	if neg {
		return "-" + s
	}
	return s
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMoney reads a decimal dollar amount with at most two fractional
// digits. Anything finer than a cent is rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg || strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidMoney)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: %q has sub-cent precision", ErrInvalidMoney, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var cents int64
	for _, digits := range []string{whole, frac} {
		for _, r := range digits {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("%w: %q", ErrInvalidMoney, s)
			}
			cents = cents*10 + int64(r-'0')
		}
	}
	if neg {
		cents = -cents
	}
	return Money(cents), nil
}
