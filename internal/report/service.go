package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/autoscope/expertise/internal/analyzer"
)

// Service owns every report transition. Claims and terminal writes go
// through the store's conditional update so races between workers resolve
// to exactly one winner.
type Service struct {
	store Store
	nowFn func() time.Time
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, nowFn: now}, nil
}

// Create persists a new report in PENDING.
func (s *Service) Create(ctx context.Context, rpt Report) (Report, error) {
	if strings.TrimSpace(rpt.ID) == "" {
		return Report{}, fmt.Errorf("%w: empty value", ErrInvalidReportID)
	}
	if strings.TrimSpace(rpt.UserID) == "" {
		return Report{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if !rpt.Cost.IsPositive() {
		return Report{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCost)
	}
	if len(rpt.InputRefs) == 0 {
		return Report{}, fmt.Errorf("%w: at least one input required", ErrInvalidInputRefs)
	}
	if _, err := analyzer.ParseReportType(rpt.ReportType.String()); err != nil {
		return Report{}, err
	}
	now := s.nowFn()
	rpt.Status = StatusPending
	rpt.Result = nil
	rpt.FailureReason = ""
	rpt.CreatedAt = now
	rpt.UpdatedAt = now
	if err := s.store.Insert(ctx, rpt); err != nil {
		return Report{}, err
	}
	return rpt, nil
}

// Get returns a report only to its owner. A report belonging to someone
// else is indistinguishable from a missing one.
func (s *Service) Get(ctx context.Context, id, requesterUserID string) (Report, error) {
	rpt, err := s.store.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if rpt.UserID != requesterUserID {
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rpt, nil
}

// Load fetches a report without an ownership check. For internal callers
// (the worker pool) only.
func (s *Service) Load(ctx context.Context, id string) (Report, error) {
	return s.store.Get(ctx, id)
}

// MarkProcessing claims a PENDING report. Exactly one caller wins; the
// rest get ErrInvalidTransition.
func (s *Service) MarkProcessing(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, StatusPending, StatusProcessing, StatusUpdate{UpdatedAt: s.nowFn()})
}

// MarkCompleted finishes a PROCESSING report with its result.
func (s *Service) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	return s.store.UpdateStatus(ctx, id, StatusProcessing, StatusCompleted, StatusUpdate{
		Result:    result,
		UpdatedAt: s.nowFn(),
	})
}

// MarkFailed finishes a PROCESSING report with a failure reason.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	return s.store.UpdateStatus(ctx, id, StatusProcessing, StatusFailed, StatusUpdate{
		FailureReason: reason,
		UpdatedAt:     s.nowFn(),
	})
}

// CompleteFromCache drives a fresh PENDING report to COMPLETED with a
// cached result. Both hops go through the conditional guard, so the
// observable sequence stays PENDING, PROCESSING, COMPLETED.
func (s *Service) CompleteFromCache(ctx context.Context, id string, result json.RawMessage) error {
	if err := s.MarkProcessing(ctx, id); err != nil {
		return err
	}
	return s.MarkCompleted(ctx, id, result)
}
