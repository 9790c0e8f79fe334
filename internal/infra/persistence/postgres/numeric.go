package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// decimalFromText parses a numeric column rendered as text. An empty string
// maps to zero so COALESCE-free selects stay simple.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}
