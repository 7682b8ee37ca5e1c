package handler

import (
	"context"
	"net/http"

	"github.com/iho/casledger/internal/adapter/http/dto"
	"github.com/iho/casledger/internal/usecase"
)

// ReconcileService defines the behavior needed by ReconcileHandler.
type ReconcileService interface {
	ReconcilePending(ctx context.Context) (*usecase.ReconcileReport, error)
}

// ReconcileHandler settles transfers left pending by storage failures.
type ReconcileHandler struct {
	reconcileUC ReconcileService
}

// NewReconcileHandler creates a new ReconcileHandler.
func NewReconcileHandler(reconcileUC ReconcileService) *ReconcileHandler {
	return &ReconcileHandler{reconcileUC: reconcileUC}
}

// Reconcile runs one reconciliation pass. A pass cut short by a storage
// failure still reports the transfers it settled.
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcileUC.ReconcilePending(r.Context())
	if err != nil && report != nil && report.Scanned > 0 {
		resp := dto.ReconcileFromReport(report)
		resp.Message = err.Error()
		writeJSON(w, mapDomainError(err), resp)
		return
	}

	if err != nil {
		writeError(w, mapDomainError(err), "failed to reconcile transfers", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, dto.ReconcileFromReport(report))
}
