package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iho/casledger/internal/adapter/http/dto"
	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

type reconcileServiceStub struct {
	report *usecase.ReconcileReport
	err    error
}

func (s reconcileServiceStub) ReconcilePending(ctx context.Context) (*usecase.ReconcileReport, error) {
	return s.report, s.err
}

func TestReconcileHandler_Reconcile(t *testing.T) {
	settled := &usecase.ReconcileReport{
		Scanned:     1,
		Compensated: 1,
		Results: []usecase.ReconcileResult{
			{TransferID: "tx-1", Stage: domain.StageCrediting, Resolution: usecase.ResolutionCompensated, Reason: domain.ReasonStorageUnavailable},
		},
	}

	tests := []struct {
		name    string
		stub    reconcileServiceStub
		status  int
		scanned int
		message bool
	}{
		{
			name:    "pass completed",
			stub:    reconcileServiceStub{report: settled},
			status:  http.StatusOK,
			scanned: 1,
		},
		{
			name:   "nothing pending",
			stub:   reconcileServiceStub{report: &usecase.ReconcileReport{}},
			status: http.StatusOK,
		},
		{
			name: "pass cut short",
			stub: reconcileServiceStub{
				report: settled,
				err:    fmt.Errorf("reconcile transfer tx-2: %w", domain.ErrStorageUnavailable),
			},
			status:  http.StatusServiceUnavailable,
			scanned: 1,
			message: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewReconcileHandler(tt.stub).Reconcile(rec, httptest.NewRequest(http.MethodPost, "/ledger/reconcile", nil))

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}

			var resp dto.ReconcileResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}

			if resp.Scanned != tt.scanned || (resp.Message != "") != tt.message {
				t.Fatalf("unexpected response: %+v", resp)
			}
		})
	}
}

func TestReconcileHandler_ListFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	NewReconcileHandler(reconcileServiceStub{report: &usecase.ReconcileReport{}, err: domain.ErrStorageUnavailable}).
		Reconcile(rec, httptest.NewRequest(http.MethodPost, "/ledger/reconcile", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp dto.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Error != "failed to reconcile transfers" {
		t.Fatalf("unexpected error body: %+v", resp)
	}
}
