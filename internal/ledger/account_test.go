package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAccountID(t *testing.T) {
	valid := []string{"demoUser", "load-1a2b-7", "user@example", "Ünïcode"}
	for _, id := range valid {
		if err := ValidateAccountID(id); err != nil {
			t.Errorf("ValidateAccountID(%q) = %v", id, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		"a\x00b",
		"a\nb",
		"tab\tid",
		"del\x7f",
		"\xff\xfe",
		strings.Repeat("x", MaxAccountIDLength+1),
	}
	for _, id := range invalid {
		if err := ValidateAccountID(id); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ValidateAccountID(%q) = %v, want ErrInvalidInput", id, err)
		}
	}
}
