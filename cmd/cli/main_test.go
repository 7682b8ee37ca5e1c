package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/casledger/internal/adapter/http/dto"
)

func execute(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--url", serverURL}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestTransferCreate_SendsMinorUnits(t *testing.T) {
	var got dto.CreateTransferRequest
	var key string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		key = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"tx-1","status":"committed"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "transfer", "create", "A", "B", "12.34", "--idempotency-key", "k-1")
	require.NoError(t, err)

	assert.Equal(t, dto.CreateTransferRequest{SenderID: "A", ReceiverID: "B", Amount: 1234}, got)
	assert.Equal(t, "k-1", key)
	assert.Contains(t, out, `"status": "committed"`)
}

func TestTransferCreate_RejectsBadAmount(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:0", "transfer", "create", "A", "B", "1.234")
	require.Error(t, err)
}

func TestTransferCreate_RejectedIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"id":"tx-2","status":"rejected","reason":"insufficient_funds"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "transfer", "create", "A", "B", "5")
	require.Error(t, err)
	assert.Contains(t, out, "insufficient_funds")
}

func TestAccountCommands(t *testing.T) {
	var paths []string
	var created dto.CreateAccountRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.RequestURI())
		if r.Method == http.MethodPost {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "account", "create", "0", "--id", "alice")
	require.NoError(t, err)
	_, err = execute(t, srv.URL, "account", "get", "alice")
	require.NoError(t, err)
	_, err = execute(t, srv.URL, "account", "transfers", "alice", "--limit", "5")
	require.NoError(t, err)
	_, err = execute(t, srv.URL, "ledger", "consistency")
	require.NoError(t, err)

	assert.Equal(t, dto.CreateAccountRequest{ID: "alice", Balance: 0}, created)
	assert.Equal(t, []string{
		"POST /api/v1/accounts",
		"GET /api/v1/accounts/alice",
		"GET /api/v1/accounts/alice/transfers?limit=5&offset=0",
		"GET /api/v1/ledger/consistency",
	}, paths)
}

func TestLedgerReconcile(t *testing.T) {
	var method, path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.Write([]byte(`{"scanned":1,"compensated":1,"results":[{"transfer_id":"tx-9","stage":"crediting","resolution":"compensated"}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "ledger", "reconcile")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/v1/ledger/reconcile", path)
	assert.Contains(t, out, `"resolution": "compensated"`)
}

func TestLedgerReconcile_PartialPassIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"scanned":1,"message":"reconcile transfer tx-2: storage unavailable"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "ledger", "reconcile")
	require.Error(t, err)
	assert.Contains(t, out, "tx-2")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	printJSON(&buf, []byte(`{"a":1}`))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	printJSON(&buf, []byte("not json"))
	assert.Equal(t, "not json", strings.TrimSpace(buf.String()))
}
