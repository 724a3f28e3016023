package ledger

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxAccountIDLength matches the widest account id column of the SQL schema.
const MaxAccountIDLength = 128

// ValidateAccountID rejects ids that are empty, too long, not UTF-8 or
// contain control characters.
func ValidateAccountID(accountID string) error {
	switch {
	case strings.TrimSpace(accountID) == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	case len(accountID) > MaxAccountIDLength:
		return fmt.Errorf("%w: account id is longer than %d bytes", ErrInvalidInput, MaxAccountIDLength)
	case !utf8.ValidString(accountID):
		return fmt.Errorf("%w: account id is not valid UTF-8", ErrInvalidInput)
	case strings.IndexFunc(accountID, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: account id contains control characters", ErrInvalidInput)
	}
	return nil
}
