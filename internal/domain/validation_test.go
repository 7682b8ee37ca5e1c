package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAccountID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"ulid", "01HZY3Q4K5N6P7R8S9T0V1W2X3", false},
		{"with separators", "user:alice.main-1_x", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxAccountIDLength+1), true},
		{"space", "alice bob", true},
		{"sql injection attempt", "a'; DROP TABLE accounts;--", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAccountID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAccountID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}

			if err != nil && !errors.Is(err, ErrInvalidAccountID) {
				t.Fatalf("expected ErrInvalidAccountID, got %v", err)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		scale   int32
		want    int64
		wantErr error
	}{
		{input: "12.34", scale: 2, want: 1234},
		{input: "40", scale: 2, want: 4000},
		{input: " 0.01 ", scale: 2, want: 1},
		{input: "7", scale: 0, want: 7},
		{input: "1.005", scale: 2, wantErr: ErrAmountPrecision},
		{input: "0", scale: 2, wantErr: ErrInvalidAmount},
		{input: "-5", scale: 2, wantErr: ErrInvalidAmount},
		{input: "abc", scale: 2, wantErr: ErrInvalidAmountStr},
		{input: "1000000000000.01", scale: 2, wantErr: ErrAmountTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.scale)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tt.want {
				t.Fatalf("ParseAmount(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(1234, 2); got != "12.34" {
		t.Fatalf("expected 12.34, got %s", got)
	}

	if got := FormatAmount(5, 2); got != "0.05" {
		t.Fatalf("expected 0.05, got %s", got)
	}
}

func TestValidatePagination(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 20, 0},
		{500, -3, 100, 0},
		{10, 40, 10, 40},
	}

	for _, tt := range tests {
		limit, offset := ValidatePagination(tt.limit, tt.offset)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("ValidatePagination(%d, %d) = (%d, %d), want (%d, %d)",
				tt.limit, tt.offset, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}
