package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Validation errors
var (
	ErrAmountTooLarge   = fmt.Errorf("%w: amount exceeds maximum allowed", ErrInvalidRequest)
	ErrAmountPrecision  = fmt.Errorf("%w: amount has too many decimal places", ErrInvalidRequest)
	ErrInvalidAmountStr = fmt.Errorf("%w: amount is not a number", ErrInvalidRequest)
)

// Validation constants
const (
	MaxAccountIDLength = 64
	MaxTransferAmount  = int64(100_000_000_000_000) // one trillion major units at scale 2
	DefaultAmountScale = 2
)

var accountIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ValidateAccountID validates account identifier
func ValidateAccountID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidAccountID)
	}

	if len(id) > MaxAccountIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidAccountID, MaxAccountIDLength)
	}

	if !accountIDRegex.MatchString(id) {
		return fmt.Errorf("%w: id contains forbidden characters", ErrInvalidAccountID)
	}

	return nil
}

// ValidateAmount validates transfer amount in minor units
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	if amount > MaxTransferAmount {
		return fmt.Errorf("%w: maximum amount is %d", ErrAmountTooLarge, MaxTransferAmount)
	}

	return nil
}

// ValidateOpeningBalance validates the balance an account is created with
func ValidateOpeningBalance(balance int64) error {
	if balance < 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, ErrNegativeBalance)
	}

	return nil
}

// ParseAmount converts a decimal string in major units ("12.34") into minor
// units at the given scale. Values with more fractional digits than scale
// are rejected rather than rounded.
func ParseAmount(s string, scale int32) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmountStr, s)
	}

	minor := d.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: at most %d allowed", ErrAmountPrecision, scale)
	}

	if !minor.IsPositive() {
		return 0, ErrInvalidAmount
	}

	if minor.GreaterThan(decimal.NewFromInt(MaxTransferAmount)) {
		return 0, fmt.Errorf("%w: maximum amount is %d", ErrAmountTooLarge, MaxTransferAmount)
	}

	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a major-unit decimal string.
func FormatAmount(minor int64, scale int32) string {
	return decimal.New(minor, -scale).StringFixed(scale)
}

// ValidatePagination validates and limits pagination parameters
func ValidatePagination(limit, offset int) (int, int) {
	const MaxPageSize = 100
	const DefaultPageSize = 20

	if limit <= 0 {
		limit = DefaultPageSize
	}

	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	if offset < 0 {
		offset = 0
	}

	return limit, offset
}
