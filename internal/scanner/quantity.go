package scanner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xelth-com/eckstocktake/internal/models"
)

// ErrInvalidQuantity is returned for quantities that are not positive numbers
// of the right precision for their unit
var ErrInvalidQuantity = errors.New("invalid quantity")

// ParseQuantity parses a counted quantity. Cases and units are whole numbers;
// kg accepts decimals and is rounded half-up to 2 places.
func ParseQuantity(text string, unit models.UnitType) (decimal.Decimal, error) {
	text = strings.TrimSpace(text)
	if unit == models.UnitKg {
		d, err := decimal.NewFromString(text)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidQuantity, text)
		}
		d = d.Round(2)
		if !d.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
		}
		return d, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a whole number", ErrInvalidQuantity, text)
	}
	if n <= 0 {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
	}
	return decimal.NewFromInt(int64(n)), nil
}

var dateLayouts = []string{"02/01/06", "02/01/2006", "2006-01-02"}

// NormalizeDate accepts DD/MM/YY, DD/MM/YYYY or YYYY-MM-DD and returns YYYY-MM-DD
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
