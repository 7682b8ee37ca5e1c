package dto

import (
	"time"

	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

// AccountResponse represents an account in API responses.
type AccountResponse struct {
	ID             string    `json:"id"`
	Balance        int64     `json:"balance"`
	OpeningBalance int64     `json:"opening_balance"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AccountFromDomain converts domain account to response.
func AccountFromDomain(a *domain.Account) *AccountResponse {
	return &AccountResponse{
		ID:             a.ID,
		Balance:        a.Balance,
		OpeningBalance: a.OpeningBalance,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

// AccountsFromDomain converts domain accounts to responses.
func AccountsFromDomain(accounts []*domain.Account) []*AccountResponse {
	result := make([]*AccountResponse, len(accounts))
	for i, a := range accounts {
		result[i] = AccountFromDomain(a)
	}
	return result
}

// ListAccountsResponse is a page of accounts.
type ListAccountsResponse struct {
	Accounts []*AccountResponse `json:"accounts"`
	Total    int64              `json:"total"`
}

// TransferResponse represents a transfer record in API responses.
type TransferResponse struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	ReceiverID  string    `json:"receiver_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Attempts    int       `json:"attempts"`
	Compensated bool      `json:"compensated,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TransferFromDomain converts domain transfer to response.
// The stage is only reported while the transfer is pending.
func TransferFromDomain(t *domain.Transfer) *TransferResponse {
	resp := &TransferResponse{
		ID:          t.ID,
		SenderID:    t.SenderID,
		ReceiverID:  t.ReceiverID,
		Amount:      t.Amount,
		Status:      string(t.Status),
		Reason:      string(t.Reason),
		Attempts:    t.Attempts,
		Compensated: t.Compensated,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}

	if !t.IsFinal() {
		resp.Stage = string(t.Stage)
	}

	return resp
}

// TransfersFromDomain converts domain transfers to responses.
func TransfersFromDomain(transfers []*domain.Transfer) []*TransferResponse {
	result := make([]*TransferResponse, len(transfers))
	for i, t := range transfers {
		result[i] = TransferFromDomain(t)
	}
	return result
}

// ListTransfersResponse is a page of transfers touching one account.
type ListTransfersResponse struct {
	Transfers []*TransferResponse `json:"transfers"`
	Total     int64               `json:"total"`
}

// ConsistencyResponse reports the result of a conservation check.
type ConsistencyResponse struct {
	Status       string `json:"status"`
	Consistent   bool   `json:"consistent"`
	TotalBalance int64  `json:"total_balance"`
	TotalOpening int64  `json:"total_opening"`
	Accounts     int64  `json:"accounts"`
	Message      string `json:"message,omitempty"`
}

// ConsistencyFromReport converts a ledger report to response.
func ConsistencyFromReport(r *usecase.ConsistencyReport) *ConsistencyResponse {
	status := "consistent"
	if !r.Consistent {
		status = "inconsistent"
	}

	return &ConsistencyResponse{
		Status:       status,
		Consistent:   r.Consistent,
		TotalBalance: r.TotalBalance,
		TotalOpening: r.TotalOpening,
		Accounts:     r.Accounts,
	}
}

// ReconcileResultResponse describes one settled or skipped pending transfer.
type ReconcileResultResponse struct {
	TransferID string `json:"transfer_id"`
	Stage      string `json:"stage"`
	Resolution string `json:"resolution"`
	Reason     string `json:"reason,omitempty"`
}

// ReconcileResponse reports a reconciliation pass.
type ReconcileResponse struct {
	Scanned     int                        `json:"scanned"`
	Rejected    int                        `json:"rejected"`
	Compensated int                        `json:"compensated"`
	Unresolved  int                        `json:"unresolved"`
	Skipped     int                        `json:"skipped"`
	Results     []*ReconcileResultResponse `json:"results"`
	CheckedAt   time.Time                  `json:"checked_at"`
	Message     string                     `json:"message,omitempty"`
}

// ReconcileFromReport converts a reconciliation report to response.
func ReconcileFromReport(r *usecase.ReconcileReport) *ReconcileResponse {
	results := make([]*ReconcileResultResponse, len(r.Results))
	for i, res := range r.Results {
		results[i] = &ReconcileResultResponse{
			TransferID: res.TransferID,
			Stage:      string(res.Stage),
			Resolution: string(res.Resolution),
			Reason:     string(res.Reason),
		}
	}

	return &ReconcileResponse{
		Scanned:     r.Scanned,
		Rejected:    r.Rejected,
		Compensated: r.Compensated,
		Unresolved:  r.Unresolved,
		Skipped:     r.Skipped,
		Results:     results,
		CheckedAt:   r.CheckedAt,
	}
}

// ErrorResponse represents an error in API responses.
// TransferID is set when a transfer record exists but its outcome is unknown.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}
