package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"societybilling/config"
	"societybilling/middleware"
	"societybilling/models"
	"societybilling/services"
)

var testJWTKey = []byte("test-secret")

type apiFixture struct {
	store   *stubStore
	handler http.Handler
	token   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := newStubStore()
	rules := services.NewRuleStore(store)
	exceptions := services.NewBillingExceptions(store)
	generator := services.NewInvoiceGenerator(store, rules, exceptions)
	evaluator := services.NewArrearsEvaluator(store, rules, exceptions)
	ledger := services.NewEscalationLedger(store, evaluator, services.NewEmailService(&config.Config{}), time.UTC)
	runner := services.NewBatchRunner(store, generator, evaluator, exceptions, services.NewLocalJobLock(), services.BatchOptions{})

	handler := NewAPIRouter(testJWTKey,
		NewBillingConfigController(rules, runner, exceptions, services.NewTallyExporter(store), time.UTC),
		NewInvoiceController(generator, evaluator, ledger, time.UTC),
		NewDefaulterController(services.NewDefaulterClassifier(store), ledger, time.UTC),
	)

	token, err := middleware.IssueToken(testJWTKey, middleware.Operator{
		UserID: 7, Email: "admin@greenvalley.in", Role: middleware.RoleSocietyAdmin, SocietyID: 1,
	}, time.Hour)
	require.NoError(t, err)

	return &apiFixture{store: store, handler: handler, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestAPI_Authorization(t *testing.T) {
	f := newAPIFixture(t)

	valid := f.token
	f.token = ""
	rr := f.do(t, http.MethodGet, "/api/societies/1/billing-config", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	f.token = "not-a-token"
	rr = f.do(t, http.MethodGet, "/api/societies/1/billing-config", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	other, err := middleware.IssueToken([]byte("other-secret"), middleware.Operator{UserID: 7, Role: middleware.RoleSocietyAdmin, SocietyID: 1}, time.Hour)
	require.NoError(t, err)
	f.token = other
	rr = f.do(t, http.MethodGet, "/api/societies/1/billing-config", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "чужая подпись")

	// Администратор комплекса 1 не видит комплекс 2
	f.token = valid
	rr = f.do(t, http.MethodGet, "/api/societies/2/billing-config", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	super, err := middleware.IssueToken(testJWTKey, middleware.Operator{UserID: 1, Role: middleware.RoleSuperAdmin}, time.Hour)
	require.NoError(t, err)
	f.token = super
	rr = f.do(t, http.MethodGet, "/api/societies/2/billing-config", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""

	rr := f.do(t, http.MethodOptions, "/api/societies/1/defaulters", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_GetBillingConfig(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/societies/1/billing-config", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var cfg services.BillingConfig
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
	assert.Equal(t, "Green Valley", cfg.Society.Name)
	require.Len(t, cfg.MaintenanceRules, 1)
	assert.Equal(t, "2000", cfg.MaintenanceRules[0].Amount.String())
	assert.Nil(t, cfg.LateFeeConfig)
}

func TestAPI_CreateMaintenanceRule(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/societies/1/maintenance-rules", map[string]interface{}{
		"unitType": "3BHK", "mode": "FLAT", "amount": -100,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotEmpty(t, decodeError(t, rr).Details)

	rr = f.do(t, http.MethodPost, "/api/societies/1/maintenance-rules", map[string]interface{}{
		"unitType": "3BHK", "mode": "SLAB", "amount": 100,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Второе активное правило для ALL
	rr = f.do(t, http.MethodPost, "/api/societies/1/maintenance-rules", map[string]interface{}{
		"unitType": "all", "mode": "FLAT", "amount": 100,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Сбой хранилища не раскрывается клиенту
	rr = f.do(t, http.MethodPost, "/api/societies/1/maintenance-rules", map[string]interface{}{
		"unitType": "3BHK", "mode": "FLAT", "amount": 100,
	})
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection refused")

	req := httptest.NewRequest(http.MethodPost, "/api/societies/1/maintenance-rules", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+f.token)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_ListDefaulters(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/societies/1/defaulters?asOf=2026-10-15&search=sharma", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var list services.DefaulterList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Records, 1)
	assert.Equal(t, uint(11), list.Records[0].UnitID)
	assert.Equal(t, 35, list.Records[0].DueDays)
	assert.Equal(t, services.Bucket31To60, list.Records[0].Bucket)
	assert.Equal(t, "2000", list.Stats.TotalOutstanding.String())

	rr = f.do(t, http.MethodGet, "/api/societies/1/defaulters?asOf=2026-10-15&minAmount=5000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Empty(t, list.Records)

	for _, query := range []string{"dueDaysBucket=120", "minAmount=abc", "asOf=15.10.2026", "minAmount=10&maxAmount=5"} {
		rr = f.do(t, http.MethodGet, "/api/societies/1/defaulters?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, query)
	}
}

func TestAPI_GetDefaulter(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/societies/1/defaulters/11?asOf=2026-10-15", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/societies/1/defaulters/11?asOf=2026-09-10", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "в срок оплаты помещение не должник")

	rr = f.do(t, http.MethodGet, "/api/societies/1/defaulters/999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_RecordPaymentErrors(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/societies/1/invoices/21/payment", map[string]interface{}{
		"amount": 2500, "method": "UPI",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/societies/1/invoices/22/payment", map[string]interface{}{
		"amount": 100, "method": "UPI",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "аннулированный счет")

	rr = f.do(t, http.MethodPost, "/api/societies/1/invoices/404/payment", map[string]interface{}{
		"amount": 100, "method": "UPI",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/societies/1/invoices/abc/payment", map[string]interface{}{
		"amount": 100, "method": "UPI",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_ApplyLateFeeWithoutConfig(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/societies/1/defaulters/11/late-fee?asOf=2026-10-15", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, string(models.ExceptionMissingLateFeeConfig), decodeError(t, rr).Kind)
}

func TestAPI_ExportRequiresPeriod(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/societies/1/invoices/export?year=2026", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/societies/1/invoices/export?year=2026&month=13", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&services.ValidationError{Messages: []string{"x"}}, http.StatusBadRequest},
		{services.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", services.ErrNotFound), http.StatusNotFound},
		{&services.DuplicateInvoiceError{UnitID: 1}, http.StatusConflict},
		{services.ErrDuplicateReminder, http.StatusConflict},
		{services.ErrAlreadyFinalized, http.StatusConflict},
		{services.ErrJobRunning, http.StatusConflict},
		{&services.ConfigurationError{Kind: models.ExceptionMissingRule}, http.StatusUnprocessableEntity},
		{&services.OverpaymentError{InvoiceID: 1}, http.StatusUnprocessableEntity},
		{services.ErrInvoiceNotOpen, http.StatusUnprocessableEntity},
		{services.ErrInvoiceLocked, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
