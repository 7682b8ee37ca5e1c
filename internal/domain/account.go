package domain

import (
	"math"
	"time"
)

// Account represents a ledger account holding a balance in minor currency units.
type Account struct {
	ID             string
	Balance        int64
	OpeningBalance int64
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanDebit reports whether the balance covers amount.
func (a *Account) CanDebit(amount int64) bool {
	return a.Balance >= amount
}

// ApplyDebit returns new balance after debit.
func (a *Account) ApplyDebit(amount int64) int64 {
	return a.Balance - amount
}

// CanCredit reports whether amount can be added without overflowing.
func (a *Account) CanCredit(amount int64) bool {
	return a.Balance <= math.MaxInt64-amount
}

// ApplyCredit returns new balance after credit.
func (a *Account) ApplyCredit(amount int64) int64 {
	return a.Balance + amount
}
