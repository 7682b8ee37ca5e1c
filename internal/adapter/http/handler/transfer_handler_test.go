package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iho/casledger/internal/adapter/http/dto"
	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

type transferServiceStub struct {
	transferFn func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error)
	getFn      func(ctx context.Context, id string) (*domain.Transfer, error)
	listFn     func(ctx context.Context, input usecase.ListTransfersByAccountInput) ([]*domain.Transfer, error)
}

func (s *transferServiceStub) Transfer(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
	return s.transferFn(ctx, input)
}

func (s *transferServiceStub) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return s.getFn(ctx, id)
}

func (s *transferServiceStub) ListTransfersByAccount(ctx context.Context, input usecase.ListTransfersByAccountInput) ([]*domain.Transfer, error) {
	return s.listFn(ctx, input)
}

func transferBody(t *testing.T, sender, receiver string, amount int64) *bytes.Reader {
	t.Helper()

	body, err := json.Marshal(dto.CreateTransferRequest{SenderID: sender, ReceiverID: receiver, Amount: amount})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return bytes.NewReader(body)
}

func settled(input usecase.TransferInput, reason domain.RejectReason) *domain.Transfer {
	now := time.Now()
	tr := domain.NewTransfer("tx-1", input.SenderID, input.ReceiverID, input.Amount, now)
	tr.Attempts = 1
	if reason == domain.ReasonNone {
		_ = tr.Commit(now)
	} else {
		_ = tr.Reject(reason, now)
	}
	return tr
}

func TestTransferHandler_Create_Committed(t *testing.T) {
	var captured usecase.TransferInput
	handler := NewTransferHandler(&transferServiceStub{
		transferFn: func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
			captured = input
			return settled(input, domain.ReasonNone), nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/transfers", transferBody(t, "A", "B", 100))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	if captured.SenderID != "A" || captured.ReceiverID != "B" || captured.Amount != 100 {
		t.Fatalf("unexpected input: %+v", captured)
	}

	var resp dto.TransferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.ID != "tx-1" || resp.Status != "committed" || resp.Amount != 100 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTransferHandler_Create_RejectedRecords(t *testing.T) {
	tests := []struct {
		reason domain.RejectReason
		status int
	}{
		{domain.ReasonInvalidRequest, http.StatusBadRequest},
		{domain.ReasonAccountNotFound, http.StatusNotFound},
		{domain.ReasonInsufficientFunds, http.StatusUnprocessableEntity},
		{domain.ReasonContention, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			handler := NewTransferHandler(&transferServiceStub{
				transferFn: func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
					return settled(input, tt.reason), nil
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/transfers", transferBody(t, "A", "B", 100))
			rec := httptest.NewRecorder()

			handler.Create(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}

			var resp dto.TransferResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}

			if resp.Status != "rejected" || resp.Reason != string(tt.reason) {
				t.Fatalf("expected rejected record in body, got %+v", resp)
			}
		})
	}
}

func TestTransferHandler_Create_Canceled(t *testing.T) {
	handler := NewTransferHandler(&transferServiceStub{
		transferFn: func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
			return settled(input, domain.ReasonCanceled), fmt.Errorf("%w: %w", domain.ErrTransferCanceled, context.Canceled)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/transfers", transferBody(t, "A", "B", 100))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rec.Code)
	}
}

func TestTransferHandler_Create_CanceledBeforeRecord(t *testing.T) {
	handler := NewTransferHandler(&transferServiceStub{
		transferFn: func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransferCanceled, context.Canceled)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/transfers", transferBody(t, "A", "B", 100))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rec.Code)
	}
}

func TestTransferHandler_Create_StorageUnavailableCarriesID(t *testing.T) {
	handler := NewTransferHandler(&transferServiceStub{
		transferFn: func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
			tr := domain.NewTransfer("tx-pending", input.SenderID, input.ReceiverID, input.Amount, time.Now())
			return tr, fmt.Errorf("%w: connection reset", domain.ErrStorageUnavailable)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/transfers", transferBody(t, "A", "B", 100))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp dto.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.TransferID != "tx-pending" {
		t.Fatalf("expected transfer id in body, got %+v", resp)
	}
}

func TestTransferHandler_Create_StorageUnavailableWithoutRecord(t *testing.T) {
	handler := NewTransferHandler(&transferServiceStub{
		transferFn: func(ctx context.Context, input usecase.TransferInput) (*domain.Transfer, error) {
			return nil, fmt.Errorf("%w: create transfer record", domain.ErrStorageUnavailable)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/transfers", transferBody(t, "A", "B", 100))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestTransferHandler_Create_InvalidBody(t *testing.T) {
	handler := NewTransferHandler(&transferServiceStub{})

	req := httptest.NewRequest(http.MethodPost, "/transfers", bytes.NewBufferString(`{"amount":"ten"}`))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTransferHandler_Get(t *testing.T) {
	handler := NewTransferHandler(&transferServiceStub{
		getFn: func(ctx context.Context, id string) (*domain.Transfer, error) {
			if id != "tx-1" {
				return nil, domain.ErrTransferNotFound
			}
			return settled(usecase.TransferInput{SenderID: "A", ReceiverID: "B", Amount: 5}, domain.ReasonNone), nil
		},
	})

	req := setChiURLParam(httptest.NewRequest(http.MethodGet, "/transfers/tx-1", nil), "id", "tx-1")
	rec := httptest.NewRecorder()
	handler.Get(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = setChiURLParam(httptest.NewRequest(http.MethodGet, "/transfers/nope", nil), "id", "nope")
	rec = httptest.NewRecorder()
	handler.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTransferHandler_ListByAccount(t *testing.T) {
	var captured usecase.ListTransfersByAccountInput
	handler := NewTransferHandler(&transferServiceStub{
		listFn: func(ctx context.Context, input usecase.ListTransfersByAccountInput) ([]*domain.Transfer, error) {
			captured = input
			return []*domain.Transfer{
				settled(usecase.TransferInput{SenderID: "A", ReceiverID: "B", Amount: 5}, domain.ReasonNone),
			}, nil
		},
	})

	req := setChiURLParam(httptest.NewRequest(http.MethodGet, "/accounts/A/transfers?limit=3", nil), "id", "A")
	rec := httptest.NewRecorder()

	handler.ListByAccount(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if captured.AccountID != "A" || captured.Limit != 3 || captured.Offset != 0 {
		t.Fatalf("unexpected input: %+v", captured)
	}

	var resp dto.ListTransfersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Total != 1 || resp.Transfers[0].SenderID != "A" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
