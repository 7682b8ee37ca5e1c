package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/casledger/internal/adapter/http/dto"
	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

// TransferService defines the behavior needed by TransferHandler.
type TransferService interface {
	Transfer(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	ListTransfersByAccount(ctx context.Context, input usecase.ListTransfersByAccountInput) ([]*domain.Transfer, error)
}

// TransferHandler handles transfer-related HTTP requests.
type TransferHandler struct {
	transferUC TransferService
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transferUC TransferService) *TransferHandler {
	return &TransferHandler{transferUC: transferUC}
}

// Create runs a transfer to completion.
//
// A committed transfer answers 201. A rejected transfer is still returned in
// the body, with a status code derived from its reason. When the outcome is
// unknown the response is 503 and carries the transfer ID so that the caller
// can look the record up later.
func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	transfer, err := h.transferUC.Transfer(r.Context(), req.ToUseCaseInput())
	switch {
	case errors.Is(err, domain.ErrStorageUnavailable):
		resp := dto.ErrorResponse{Error: "transfer outcome unknown", Message: err.Error()}
		if transfer != nil {
			resp.TransferID = transfer.ID
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case transfer == nil:
		writeError(w, mapDomainError(err), "failed to create transfer", errString(err))
	case transfer.Status == domain.TransferStatusCommitted:
		writeJSON(w, http.StatusCreated, dto.TransferFromDomain(transfer))
	case transfer.Status == domain.TransferStatusRejected:
		writeJSON(w, mapDomainError(transfer.Err()), dto.TransferFromDomain(transfer))
	default:
		writeJSON(w, mapDomainError(err), dto.ErrorResponse{
			Error:      "transfer not settled",
			Message:    errString(err),
			TransferID: transfer.ID,
		})
	}
}

// Get retrieves a transfer by ID.
func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing transfer ID", "")
		return
	}

	transfer, err := h.transferUC.GetTransfer(r.Context(), id)
	if err != nil {
		writeError(w, mapDomainError(err), "failed to get transfer", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, dto.TransferFromDomain(transfer))
}

// ListByAccount lists transfers sent or received by an account, newest first.
func (h *TransferHandler) ListByAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "missing account ID", "")
		return
	}

	limit := parseIntQuery(r, "limit", 20)
	offset := parseIntQuery(r, "offset", 0)

	transfers, err := h.transferUC.ListTransfersByAccount(r.Context(), usecase.ListTransfersByAccountInput{
		AccountID: accountID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, mapDomainError(err), "failed to list transfers", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, dto.ListTransfersResponse{
		Transfers: dto.TransfersFromDomain(transfers),
		Total:     int64(len(transfers)),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
