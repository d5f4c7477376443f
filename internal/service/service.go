// Package service implements the submission flow: charge the user, create
// the report, and hand it to the queue (or finish it straight from the
// result cache).
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/ledger"
	"github.com/autoscope/expertise/internal/metrics"
	"github.com/autoscope/expertise/internal/queue"
	"github.com/autoscope/expertise/internal/report"
)

// ErrInvalidRequest marks submissions rejected before any money moves.
var ErrInvalidRequest = errors.New("invalid analysis request")

// Ledger is the slice of the credit ledger the submission flow needs.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (ledger.Transaction, error)
	Refund(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (ledger.Transaction, error)
	Balance(ctx context.Context, userID string) (ledger.BalanceSnapshot, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
}

// Reports is the slice of the report service the submission flow needs.
type Reports interface {
	Create(ctx context.Context, rpt report.Report) (report.Report, error)
	Get(ctx context.Context, id, requesterUserID string) (report.Report, error)
	Load(ctx context.Context, id string) (report.Report, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	CompleteFromCache(ctx context.Context, id string, result json.RawMessage) error
}

// StartRequest is one analysis submission.
type StartRequest struct {
	UserID     string
	ReportType string
	Cost       decimal.Decimal
	InputRefs  []string
}

// Service orchestrates ledger, report store, cache, and queue for the
// request path. It never waits on the analyzer.
type Service struct {
	ledger  Ledger
	reports Reports
	queue   queue.Queue
	cache   analyzer.Cache
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New wires a Service.
func New(ldg Ledger, reports Reports, q queue.Queue, cache analyzer.Cache, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if ldg == nil || reports == nil || q == nil {
		return nil, errors.New("submission service: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Service{ledger: ldg, reports: reports, queue: q, cache: cache, logger: logger, metrics: m}, nil
}

// StartAnalysis validates the request, reserves the cost, creates the
// PENDING report, and enqueues the job. Validation failures reject the
// request before any money moves and never create a report. Failures after
// the debit are compensated with a refund.
func (s *Service) StartAnalysis(ctx context.Context, req StartRequest) (report.Report, error) {
	reportType, err := s.validate(req)
	if err != nil {
		return report.Report{}, err
	}

	reportID := uuid.NewString()
	if _, err := s.ledger.Debit(ctx, req.UserID, req.Cost, reportID,
		fmt.Sprintf("%s analysis", reportType)); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			s.metrics.InsufficientFunds.Inc()
		}
		return report.Report{}, err
	}

	rpt, err := s.reports.Create(ctx, report.Report{
		ID:         reportID,
		UserID:     req.UserID,
		ReportType: reportType,
		Cost:       req.Cost,
		InputRefs:  req.InputRefs,
	})
	if err != nil {
		s.compensateDebit(ctx, req, reportID)
		return report.Report{}, err
	}
	s.metrics.ReportsSubmitted.Inc()

	fingerprint := analyzer.Fingerprint(reportType, req.InputRefs)
	if cached, hit := s.lookupCache(ctx, fingerprint); hit {
		if err := s.reports.CompleteFromCache(ctx, reportID, cached); err == nil {
			s.metrics.CacheHits.Inc()
			s.logger.Info("report completed from cache",
				zap.String("report_id", reportID),
				zap.String("fingerprint", fingerprint),
			)
			return s.reports.Get(ctx, reportID, req.UserID)
		}
		// Cache completion is an optimization only; fall through to the
		// queue on any hiccup.
	}

	if err := s.queue.Enqueue(ctx, queue.Job{
		ReportID:   reportID,
		ReportType: reportType,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		s.failUnqueuedReport(ctx, reportID)
		s.compensateDebit(ctx, req, reportID)
		return report.Report{}, fmt.Errorf("enqueue analysis job: %w", err)
	}

	s.logger.Info("analysis submitted",
		zap.String("report_id", reportID),
		zap.String("user_id", req.UserID),
		zap.String("report_type", reportType.String()),
		zap.String("cost", req.Cost.String()),
	)
	return rpt, nil
}

// GetReport returns a report to its owner.
func (s *Service) GetReport(ctx context.Context, reportID, userID string) (report.Report, error) {
	return s.reports.Get(ctx, reportID, userID)
}

// GetBalance returns the user's current credit balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (ledger.BalanceSnapshot, error) {
	return s.ledger.Balance(ctx, userID)
}

// ListTransactions returns the user's newest ledger transactions.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	return s.ledger.ListTransactions(ctx, userID, limit)
}

func (s *Service) validate(req StartRequest) (analyzer.ReportType, error) {
	if req.UserID == "" {
		return "", fmt.Errorf("%w: missing user id", ErrInvalidRequest)
	}
	reportType, err := analyzer.ParseReportType(req.ReportType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Cost.IsPositive() {
		return "", fmt.Errorf("%w: cost must be greater than zero", ErrInvalidRequest)
	}
	if len(req.InputRefs) == 0 {
		return "", fmt.Errorf("%w: at least one input required", ErrInvalidRequest)
	}
	for _, ref := range req.InputRefs {
		if ref == "" {
			return "", fmt.Errorf("%w: empty input ref", ErrInvalidRequest)
		}
	}
	return reportType, nil
}

func (s *Service) lookupCache(ctx context.Context, fingerprint string) (json.RawMessage, bool) {
	if s.cache == nil {
		return nil, false
	}
	cached, hit, err := s.cache.Lookup(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("cache lookup failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}
	return cached, hit
}

// failUnqueuedReport drives a report that never made it into the queue to
// FAILED so the client is not left polling a PENDING report forever.
func (s *Service) failUnqueuedReport(ctx context.Context, reportID string) {
	if err := s.reports.MarkProcessing(ctx, reportID); err != nil {
		s.logger.Error("claim of unqueued report failed", zap.String("report_id", reportID), zap.Error(err))
		return
	}
	if err := s.reports.MarkFailed(ctx, reportID, "could not enqueue analysis job"); err != nil {
		s.logger.Error("fail of unqueued report failed", zap.String("report_id", reportID), zap.Error(err))
	}
}

func (s *Service) compensateDebit(ctx context.Context, req StartRequest, reportID string) {
	if _, err := s.ledger.Refund(ctx, req.UserID, req.Cost, reportID, "refund: analysis submission failed"); err != nil {
		s.logger.Error("compensating refund failed",
			zap.String("report_id", reportID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}
}
