package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/ledger"
	"github.com/autoscope/expertise/internal/report"
	"github.com/autoscope/expertise/internal/service"
)

type stubAPI struct {
	startErr error
	reports  map[string]report.Report
	balance  ledger.BalanceSnapshot
	history  []ledger.Transaction
}

func (a *stubAPI) StartAnalysis(ctx context.Context, req service.StartRequest) (report.Report, error) {
	if a.startErr != nil {
		return report.Report{}, a.startErr
	}
	return report.Report{
		ID:         "rpt-1",
		UserID:     req.UserID,
		ReportType: analyzer.ReportTypeDamage,
		Status:     report.StatusPending,
		Cost:       req.Cost,
		InputRefs:  req.InputRefs,
	}, nil
}

func (a *stubAPI) GetReport(ctx context.Context, reportID, userID string) (report.Report, error) {
	rpt, ok := a.reports[reportID]
	if !ok || rpt.UserID != userID {
		return report.Report{}, fmt.Errorf("%w: %s", report.ErrNotFound, reportID)
	}
	return rpt, nil
}

func (a *stubAPI) GetBalance(ctx context.Context, userID string) (ledger.BalanceSnapshot, error) {
	return a.balance, nil
}

func (a *stubAPI) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if limit < len(a.history) {
		return a.history[:limit], nil
	}
	return a.history, nil
}

func newTestServer(api *stubAPI) *Server {
	return New(Config{ListenAddr: ":0"}, api, nil, nil)
}

func doRequest(server *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestStartAnalysisAccepted(t *testing.T) {
	t.Parallel()
	server := newTestServer(&stubAPI{})
	body := `{"report_type":"DAMAGE","cost":"30","input_refs":["uploads/front.jpg"]}`

	recorder := doRequest(server, http.MethodPost, "/api/v1/reports", "user-1", body)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body)
	}
	var response struct {
		ReportID string `json:"report_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.ReportID != "rpt-1" || response.Status != "PENDING" {
		t.Fatalf("unexpected response: %+v", response)
	}
}

func TestStartAnalysisRequiresUserHeader(t *testing.T) {
	t.Parallel()
	server := newTestServer(&stubAPI{})
	body := `{"report_type":"DAMAGE","cost":"30","input_refs":["uploads/front.jpg"]}`

	recorder := doRequest(server, http.MethodPost, "/api/v1/reports", "", body)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestStartAnalysisInsufficientBalance(t *testing.T) {
	t.Parallel()
	server := newTestServer(&stubAPI{startErr: fmt.Errorf("debit: %w", ledger.ErrInsufficientBalance)})
	body := `{"report_type":"DAMAGE","cost":"30","input_refs":["uploads/front.jpg"]}`

	recorder := doRequest(server, http.MethodPost, "/api/v1/reports", "user-1", body)

	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", recorder.Code, recorder.Body)
	}
}

func TestStartAnalysisInvalidRequest(t *testing.T) {
	t.Parallel()
	server := newTestServer(&stubAPI{startErr: fmt.Errorf("%w: unknown report type", service.ErrInvalidRequest)})
	body := `{"report_type":"ASTROLOGY","cost":"30","input_refs":["uploads/front.jpg"]}`

	recorder := doRequest(server, http.MethodPost, "/api/v1/reports", "user-1", body)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body)
	}
}

func TestStartAnalysisRejectsBadCost(t *testing.T) {
	t.Parallel()
	server := newTestServer(&stubAPI{})
	body := `{"report_type":"DAMAGE","cost":"thirty","input_refs":["uploads/front.jpg"]}`

	recorder := doRequest(server, http.MethodPost, "/api/v1/reports", "user-1", body)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestGetReport(t *testing.T) {
	t.Parallel()
	api := &stubAPI{reports: map[string]report.Report{
		"rpt-9": {
			ID:         "rpt-9",
			UserID:     "user-1",
			ReportType: analyzer.ReportTypeDamage,
			Status:     report.StatusCompleted,
			Cost:       decimal.NewFromInt(30),
			Result:     json.RawMessage(`{"report_type":"DAMAGE"}`),
		},
	}}
	server := newTestServer(api)

	recorder := doRequest(server, http.MethodGet, "/api/v1/reports/rpt-9", "user-1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body)
	}
	var response reportResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Status != "COMPLETED" || len(response.Result) == 0 {
		t.Fatalf("unexpected response: %+v", response)
	}

	// Someone else's report reads as missing.
	recorder = doRequest(server, http.MethodGet, "/api/v1/reports/rpt-9", "user-2", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign report, got %d", recorder.Code)
	}
}

func TestGetBalance(t *testing.T) {
	t.Parallel()
	api := &stubAPI{balance: ledger.BalanceSnapshot{
		UserID:         "user-1",
		Balance:        decimal.NewFromInt(70),
		TotalPurchased: decimal.NewFromInt(100),
		TotalUsed:      decimal.NewFromInt(30),
	}}
	server := newTestServer(api)

	recorder := doRequest(server, http.MethodGet, "/api/v1/balance", "user-1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response balanceResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Balance != "70" || response.TotalPurchased != "100" || response.TotalUsed != "30" {
		t.Fatalf("unexpected balance payload: %+v", response)
	}
}

func TestListTransactionsLimit(t *testing.T) {
	t.Parallel()
	api := &stubAPI{history: []ledger.Transaction{
		{ID: "t1", Type: ledger.TransactionUsage, Amount: decimal.NewFromInt(30), Status: ledger.TransactionStatusCompleted, ReferenceID: "rpt-1"},
		{ID: "t2", Type: ledger.TransactionPurchase, Amount: decimal.NewFromInt(100), Status: ledger.TransactionStatusCompleted, ReferenceID: "order-1"},
	}}
	server := newTestServer(api)

	recorder := doRequest(server, http.MethodGet, "/api/v1/transactions?limit=1", "user-1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response struct {
		Transactions []transactionResponse `json:"transactions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.Transactions) != 1 || response.Transactions[0].ID != "t1" {
		t.Fatalf("unexpected transactions: %+v", response.Transactions)
	}

	recorder = doRequest(server, http.MethodGet, "/api/v1/transactions?limit=junk", "user-1", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", recorder.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	server := newTestServer(&stubAPI{})
	recorder := doRequest(server, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}
