package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// ParseAmount converts a raw JSON amount, either a number or a numeric
// string, into minor units. The value must be a whole number greater than
// zero that fits in an int64.
func ParseAmount(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidInput)
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return 0, fmt.Errorf("%w: invalid amount", ErrInvalidInput)
		}
		s = strings.TrimSpace(str)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidInput, s)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: amount must be a whole number of minor units", ErrInvalidInput)
	}
	if d.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: amount is too large", ErrInvalidInput)
	}
	return d.IntPart(), nil
}
