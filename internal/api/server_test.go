package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protocol-bank/payroll/internal/batch"
	"github.com/protocol-bank/payroll/internal/logging"
	"github.com/protocol-bank/payroll/internal/paylink"
	"github.com/protocol-bank/payroll/internal/payroll"
	"github.com/protocol-bank/payroll/internal/recurrence"
	"github.com/protocol-bank/payroll/internal/storage/memory"
	"github.com/protocol-bank/payroll/types"
)

const (
	ownerAddr    = "0x1111111111111111111111111111111111111111"
	strangerAddr = "0x9999999999999999999999999999999999999999"
	payeeA       = "0x2222222222222222222222222222222222222222"
	payeeB       = "0x3333333333333333333333333333333333333333"
	approverA    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *stubExecutor) Execute(_ context.Context, req types.TransferRequest) (types.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return types.TransferResult{}, f.err
	}
	res := types.TransferResult{Success: true}
	for _, r := range req.Recipients {
		res.Results = append(res.Results, types.RecipientResult{Address: r.Address, Amount: r.Amount, Success: true, TxHash: "0xtx"})
	}
	return res, nil
}

type apiEnv struct {
	handler  http.Handler
	store    *memory.Store
	svc      *payroll.Service
	batches  *batch.Submitter
	executor *stubExecutor
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.NewStore()
	executor := &stubExecutor{}
	svc := payroll.NewService(logger, store, recurrence.NewDefaultInterval(), nil, nil, executor, nil, nil, nil, payroll.Config{})
	links, err := paylink.NewSigner(paylink.Config{Secret: "api-secret", BaseURL: "https://app.protocolbanks.com/pay"}, nil, logger)
	require.NoError(t, err)
	batches := batch.NewSubmitter(batch.NewValidator(nil, 0), executor, nil, store, nil, nil, nil, logger)
	t.Cleanup(batches.Wait)

	srv := NewServer(Config{RateLimit: 1000, RateBurst: 1000}, svc, links, batches, nil, logger)
	return &apiEnv{handler: srv.Handler(), store: store, svc: svc, batches: batches, executor: executor}
}

func (env *apiEnv) do(t *testing.T, method, path, actor string, body any) (int, APIResponse[json.RawMessage]) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(logging.OwnerHeader, actor)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var resp APIResponse[json.RawMessage]
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func decode[T any](t *testing.T, resp APIResponse[json.RawMessage]) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func scheduleBody(mode map[string]any) map[string]any {
	return map[string]any{
		"name": "Engineering payroll",
		"split_rule": map[string]any{
			"total_amount": "1000",
			"token":        "USDC",
			"chain_id":     "1",
			"method":       "percentage",
			"recipients": []map[string]any{
				{"address": payeeA, "allocation": "60"},
				{"address": payeeB, "allocation": "40"},
			},
		},
		"frequency":      map[string]any{"type": "daily", "time": "09:00"},
		"execution_mode": mode,
	}
}

// seedDue stores a schedule whose run is already due and opens it.
func (env *apiEnv) seedDue(t *testing.T, mode types.ExecutionMode) (types.Schedule, *types.Execution) {
	t.Helper()
	now := time.Now().UTC()
	sch := types.Schedule{
		ID:    uuid.New(),
		Owner: ownerAddr,
		Name:  "seeded",
		SplitRule: types.SplitRule{
			TotalAmount: decimal.NewFromInt(500),
			Token:       types.TokenUSDC,
			ChainID:     types.ChainEthereum,
			Method:      types.AllocationPercentage,
			Recipients: []types.Recipient{
				{Address: payeeA, Allocation: decimal.NewFromInt(100)},
			},
		},
		Frequency:     types.FrequencyConfig{Type: types.FrequencyDaily, Time: "09:00"},
		Mode:          mode,
		Status:        types.ScheduleActive,
		NextExecution: now.Add(-time.Minute),
		StartDate:     now.Add(-48 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, env.store.CreateSchedule(context.Background(), sch))
	exec, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
	require.NoError(t, err)
	return sch, exec
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerHeaderRequired(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name  string
		actor string
		msg   string
	}{
		{name: "missing", actor: "", msg: MsgMissingOwner},
		{name: "malformed", actor: "not-an-address", msg: MsgInvalidOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := env.do(t, http.MethodGet, "/schedules", tt.actor, nil)
			assert.Equal(t, http.StatusUnauthorized, code)
			assert.Equal(t, tt.msg, resp.Error.Message)
		})
	}
}

func TestScheduleLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(t, http.MethodPost, "/schedules", ownerAddr, scheduleBody(map[string]any{"kind": "confirm"}))
	require.Equal(t, http.StatusCreated, code, resp.Error.DetailedResponse)
	created := decode[types.Schedule](t, resp)
	assert.Equal(t, types.ScheduleActive, created.Status)
	assert.Equal(t, types.ModeConfirm, created.ModeKind())
	assert.True(t, created.NextExecution.After(time.Now().Add(-time.Second)))

	code, resp = env.do(t, http.MethodGet, "/schedules", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]types.Schedule](t, resp), 1)

	path := "/schedules/" + created.ID.String()

	code, _ = env.do(t, http.MethodGet, path, strangerAddr, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, http.MethodPost, path+"/pause", strangerAddr, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = env.do(t, http.MethodPost, path+"/pause", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.SchedulePaused, decode[types.Schedule](t, resp).Status)

	code, resp = env.do(t, http.MethodPost, path+"/pause", ownerAddr, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, MsgConflict, resp.Error.Message)

	code, _ = env.do(t, http.MethodPost, path+"/resume", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, http.MethodPost, path+"/cancel", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.ScheduleCancelled, decode[types.Schedule](t, resp).Status)

	code, _ = env.do(t, http.MethodPost, path+"/resume", ownerAddr, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, resp = env.do(t, http.MethodGet, path+"/executions", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]types.Execution](t, resp))
}

func TestCreateSchedule_Validation(t *testing.T) {
	env := newAPIEnv(t)

	body := scheduleBody(map[string]any{"kind": "approval"})
	body["split_rule"].(map[string]any)["total_amount"] = "-5"

	code, resp := env.do(t, http.MethodPost, "/schedules", ownerAddr, body)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, MsgValidationFailed, resp.Error.Message)
	require.NotEmpty(t, resp.Error.Fields)
	assert.Equal(t, "execution_mode", resp.Error.Fields[0].Field)

	body = scheduleBody(map[string]any{"kind": "auto"})
	delete(body, "name")
	code, resp = env.do(t, http.MethodPost, "/schedules", ownerAddr, body)
	require.Equal(t, http.StatusBadRequest, code)
	require.NotEmpty(t, resp.Error.Fields)

	body = scheduleBody(map[string]any{"kind": "auto"})
	body["split_rule"].(map[string]any)["total_amount"] = "-5"
	code, resp = env.do(t, http.MethodPost, "/schedules", ownerAddr, body)
	require.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, resp.Error.Fields)

	code, resp = env.do(t, http.MethodPost, "/schedules", ownerAddr, "{")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, MsgRequestParseFailed, resp.Error.Message)
}

func TestScheduleLookups(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "malformed id", path: "/schedules/abc", code: http.StatusBadRequest},
		{name: "unknown schedule", path: "/schedules/" + uuid.NewString(), code: http.StatusNotFound},
		{name: "unknown execution", path: "/executions/" + uuid.NewString(), code: http.StatusNotFound},
		{name: "bad limit", path: "/schedules/" + uuid.NewString() + "/executions?limit=0", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := env.do(t, http.MethodGet, tt.path, ownerAddr, nil)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestConfirmExecution(t *testing.T) {
	env := newAPIEnv(t)
	_, exec := env.seedDue(t, types.ConfirmMode{})

	code, resp := env.do(t, http.MethodGet, "/actions", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)
	actions := decode[[]types.PendingAction](t, resp)
	require.Len(t, actions, 1)
	assert.Equal(t, exec.ID, actions[0].ExecutionID)

	path := "/executions/" + exec.ID.String()

	code, _ = env.do(t, http.MethodPost, path+"/confirm", strangerAddr, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = env.do(t, http.MethodPost, path+"/confirm", ownerAddr, nil)
	require.Equal(t, http.StatusOK, code, resp.Error.DetailedResponse)
	assert.Equal(t, types.ExecutionCompleted, decode[types.Execution](t, resp).Status)
	assert.Equal(t, 1, env.executor.calls)

	code, _ = env.do(t, http.MethodPost, path+"/confirm", ownerAddr, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 1, env.executor.calls, "a settled execution never pays twice")
}

func TestConfirmExecution_SettlementFailure(t *testing.T) {
	env := newAPIEnv(t)
	env.executor.err = errors.New("rpc unavailable")
	_, exec := env.seedDue(t, types.ConfirmMode{})

	code, resp := env.do(t, http.MethodPost, "/executions/"+exec.ID.String()+"/confirm", ownerAddr, nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, MsgExecutionFailed, resp.Error.Message)
}

func TestApproveAndReject(t *testing.T) {
	env := newAPIEnv(t)
	_, exec := env.seedDue(t, types.ApprovalMode{Approvers: []string{approverA}})
	path := "/executions/" + exec.ID.String()

	code, resp := env.do(t, http.MethodGet, path, approverA, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.ExecutionApproving, decode[types.Execution](t, resp).Status)

	code, _ = env.do(t, http.MethodPost, path+"/reject", approverA, map[string]any{"reason": "wrong amounts"})
	require.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, http.MethodPost, path+"/approve", approverA, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Zero(t, env.executor.calls)
}

func TestPaymentLinks(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(t, http.MethodPost, "/links", "", map[string]any{
		"to":     payeeA,
		"amount": "42.50",
		"token":  "usdc",
		"memo":   "invoice 12",
	})
	require.Equal(t, http.StatusCreated, code, resp.Error.DetailedResponse)
	link := decode[types.PaymentLink](t, resp)

	code, resp = env.do(t, http.MethodPost, "/links/verify", "", map[string]any{"url": link.URL})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[types.LinkVerificationResult](t, resp).Valid)

	tampered := strings.Replace(link.URL, "amount=42.50", "amount=99.00", 1)
	require.NotEqual(t, link.URL, tampered)
	code, resp = env.do(t, http.MethodPost, "/links/verify", "", map[string]any{"url": tampered})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[types.LinkVerificationResult](t, resp).Valid)

	code, resp = env.do(t, http.MethodPost, "/links", "", map[string]any{"to": payeeA, "amount": "0"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, resp.Error.Fields)
}

func TestBatches(t *testing.T) {
	env := newAPIEnv(t)

	code, resp := env.do(t, http.MethodPost, "/batches/validate", ownerAddr, map[string]any{"recipients": []any{}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error.DetailedResponse, types.ErrBatchEmpty.Error())

	recipients := []map[string]any{
		{"address": payeeA, "amount": "10", "token": "USDC"},
		{"address": payeeB, "amount": "15", "token": "USDC"},
	}
	code, resp = env.do(t, http.MethodPost, "/batches/validate", ownerAddr, map[string]any{"recipients": recipients})
	require.Equal(t, http.StatusOK, code)
	validated := decode[batchValidationResponse](t, resp)
	assert.True(t, validated.Valid)
	assert.True(t, decimal.NewFromInt(25).Equal(validated.Totals.ByToken[types.TokenUSDC]))

	code, resp = env.do(t, http.MethodPost, "/batches", ownerAddr, map[string]any{"recipients": recipients})
	require.Equal(t, http.StatusAccepted, code)
	result := decode[types.BatchSubmitResult](t, resp)
	require.NotEmpty(t, result.BatchID)
	env.batches.Wait()

	code, resp = env.do(t, http.MethodGet, "/batches/"+result.BatchID, ownerAddr, nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[batchStatusResponse](t, resp)
	assert.Equal(t, types.BatchCompleted, status.Status)
	assert.Equal(t, float64(100), status.Progress)

	code, _ = env.do(t, http.MethodGet, "/batches/batch_missing", ownerAddr, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
