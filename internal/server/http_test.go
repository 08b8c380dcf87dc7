package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ToteLedger/internal/asset"
	"ToteLedger/internal/auth"
	"ToteLedger/internal/engine"
	"ToteLedger/internal/query"
	"ToteLedger/internal/server"
)

const (
	operator  = "operator"
	eventCode = "derby-42"
)

// testAPI runs a real engine behind the HTTP surface. Read routes need
// Postgres and are covered by the query integration tests; these tests
// exercise the write path and the error-to-status mapping.
type testAPI struct {
	handler http.Handler
	bank    *asset.MemoryBank
	cancel  context.CancelFunc
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	persistCh := make(chan engine.Output, 1024)
	projectionCh := make(chan engine.Output, 1024)
	publishCh := make(chan engine.Notice, 1024)
	submissions := make(chan engine.Submission, 16)

	bank := asset.NewMemoryBank("custody")
	eng := engine.NewEngine(
		engine.Config{StartSequence: 1, DedupLRUCapacity: 1024, PayoutAccount: "operator_treasury"},
		auth.NewAuthority([]string{operator}),
		bank,
		nil,
		persistCh, projectionCh,
		publishCh,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx, submissions)

	srv := server.NewHTTPServer(":0", submissions, query.NewService(nil), nil)
	api := &testAPI{handler: srv.Handler(), bank: bank, cancel: cancel}
	t.Cleanup(cancel)
	return api
}

func (a *testAPI) post(t *testing.T, path string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) initEvent(t *testing.T) {
	t.Helper()
	rec := a.post(t, "/v1/events", map[string]interface{}{
		"caller":            operator,
		"code":              eventCode,
		"side_a":            "red",
		"side_b":            "blue",
		"owner_cut_percent": 10,
		"deposit_start_us":  time.Now().Add(-time.Hour).UnixMicro(),
		"deposit_end_us":    time.Now().Add(time.Hour).UnixMicro(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAPI_FullLifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.bank.Mint("alice", 5_000)
	api.initEvent(t)

	rec := api.post(t, "/v1/events/"+eventCode+"/deposits", map[string]interface{}{
		"caller": "alice", "side": 0, "amount": 1_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decodeBody(t, rec)["accepted"])

	rec = api.post(t, "/v1/events/"+eventCode+"/end", map[string]interface{}{"caller": operator})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.post(t, "/v1/events/"+eventCode+"/winner", map[string]interface{}{
		"caller": operator, "side": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.post(t, "/v1/events/"+eventCode+"/distributions", map[string]interface{}{
		"caller": "anyone", "offset": 0, "limit": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt, ok := decodeBody(t, rec)["receipt"].(map[string]interface{})
	require.True(t, ok, "distribution response carries a receipt")
	require.EqualValues(t, 1, receipt["paid"])
	require.EqualValues(t, 900, receipt["paid_amount"]) // 1000 minus the 10% cut
	require.EqualValues(t, 0, receipt["remaining"])

	rec = api.post(t, "/v1/events/"+eventCode+"/owner-cut", map[string]interface{}{"caller": operator})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Second withdrawal is a conflict, not a double payment.
	rec = api.post(t, "/v1/events/"+eventCode+"/owner-cut", map[string]interface{}{"caller": operator})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestAPI_StatusMapping(t *testing.T) {
	api := newTestAPI(t)
	api.bank.Mint("alice", 100)
	api.initEvent(t)

	// Unknown event -> 404.
	rec := api.post(t, "/v1/events/no-such-event/deposits", map[string]interface{}{
		"caller": "alice", "side": 0, "amount": 50,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Invalid side -> 400.
	rec = api.post(t, "/v1/events/"+eventCode+"/deposits", map[string]interface{}{
		"caller": "alice", "side": 2, "amount": 50,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Insufficient funds at the asset ledger -> 502.
	rec = api.post(t, "/v1/events/"+eventCode+"/deposits", map[string]interface{}{
		"caller": "alice", "side": 0, "amount": 10_000,
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	// Operator-gated command from a non-operator -> 403.
	rec = api.post(t, "/v1/events/"+eventCode+"/end", map[string]interface{}{"caller": "mallory"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Distribution before a winner -> 409.
	rec = api.post(t, "/v1/events/"+eventCode+"/distributions", map[string]interface{}{
		"caller": "anyone", "offset": 0, "limit": 10,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_MalformedRequests(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.post(t, "/v1/events/"+eventCode+"/end", map[string]interface{}{
		"caller": operator, "command_id": "not-a-uuid",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DuplicateCommandID(t *testing.T) {
	api := newTestAPI(t)
	api.bank.Mint("alice", 1_000)
	api.initEvent(t)

	cmdID := uuid.New().String()
	body := map[string]interface{}{
		"caller": "alice", "side": 0, "amount": 400, "command_id": cmdID,
	}

	rec := api.post(t, "/v1/events/"+eventCode+"/deposits", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Retry with the same command_id: accepted, but nothing moved again.
	rec = api.post(t, "/v1/events/"+eventCode+"/deposits", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal, err := api.bank.BalanceOf(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 600, bal)
}
