package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/ledger"
	"github.com/autoscope/expertise/internal/report"
	"github.com/autoscope/expertise/internal/service"
)

const defaultTransactionLimit = 50

type startAnalysisRequest struct {
	ReportType string   `json:"report_type"`
	Cost       string   `json:"cost"`
	InputRefs  []string `json:"input_refs"`
}

type reportResponse struct {
	ReportID      string          `json:"report_id"`
	ReportType    string          `json:"report_type"`
	Status        string          `json:"status"`
	Cost          string          `json:"cost"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type balanceResponse struct {
	Balance        string `json:"balance"`
	TotalPurchased string `json:"total_purchased"`
	TotalUsed      string `json:"total_used"`
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Status      string    `json:"status"`
	ReferenceID string    `json:"reference_id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleStartAnalysis(ctx *gin.Context) {
	var body startAnalysisRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cost, err := decimal.NewFromString(body.Cost)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid cost"})
		return
	}

	rpt, err := s.api.StartAnalysis(ctx.Request.Context(), service.StartRequest{
		UserID:     currentUserID(ctx),
		ReportType: body.ReportType,
		Cost:       cost,
		InputRefs:  body.InputRefs,
	})
	if err != nil {
		s.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, mapReportResponse(rpt))
}

func (s *Server) handleGetReport(ctx *gin.Context) {
	rpt, err := s.api.GetReport(ctx.Request.Context(), ctx.Param("id"), currentUserID(ctx))
	if err != nil {
		s.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapReportResponse(rpt))
}

func (s *Server) handleGetBalance(ctx *gin.Context) {
	snapshot, err := s.api.GetBalance(ctx.Request.Context(), currentUserID(ctx))
	if err != nil {
		s.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		Balance:        snapshot.Balance.String(),
		TotalPurchased: snapshot.TotalPurchased.String(),
		TotalUsed:      snapshot.TotalUsed.String(),
	})
}

func (s *Server) handleListTransactions(ctx *gin.Context) {
	limit := defaultTransactionLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	transactions, err := s.api.ListTransactions(ctx.Request.Context(), currentUserID(ctx), limit)
	if err != nil {
		s.renderError(ctx, err)
		return
	}
	response := make([]transactionResponse, 0, len(transactions))
	for _, transaction := range transactions {
		response = append(response, transactionResponse{
			ID:          transaction.ID,
			Type:        string(transaction.Type),
			Amount:      transaction.Amount.String(),
			Status:      string(transaction.Status),
			ReferenceID: transaction.ReferenceID,
			Description: transaction.Description,
			CreatedAt:   transaction.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": response})
}

func (s *Server) renderError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
	case errors.Is(err, report.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, analyzer.ErrUnknownReportType),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func mapReportResponse(rpt report.Report) reportResponse {
	return reportResponse{
		ReportID:      rpt.ID,
		ReportType:    rpt.ReportType.String(),
		Status:        rpt.Status.String(),
		Cost:          rpt.Cost.String(),
		Result:        rpt.Result,
		FailureReason: rpt.FailureReason,
		CreatedAt:     rpt.CreatedAt,
		UpdatedAt:     rpt.UpdatedAt,
	}
}
