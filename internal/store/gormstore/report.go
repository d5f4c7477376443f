package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/report"
)

// ReportStore implements report.Store using GORM.
type ReportStore struct {
	db *gorm.DB
}

// NewReportStore returns a ReportStore backed by gorm.DB.
func NewReportStore(db *gorm.DB) *ReportStore {
	return &ReportStore{db: db}
}

func (store *ReportStore) Insert(ctx context.Context, rpt report.Report) error {
	inputRefs, err := json.Marshal(rpt.InputRefs)
	if err != nil {
		return fmt.Errorf("encode input refs: %w", err)
	}
	row := AnalysisReport{
		ID:            rpt.ID,
		UserID:        rpt.UserID,
		ReportType:    rpt.ReportType.String(),
		Status:        rpt.Status.String(),
		Cost:          rpt.Cost,
		InputRefs:     datatypes.JSON(inputRefs),
		FailureReason: rpt.FailureReason,
		CreatedAt:     rpt.CreatedAt,
		UpdatedAt:     rpt.UpdatedAt,
	}
	if len(rpt.Result) != 0 {
		row.Result = datatypes.JSON(rpt.Result)
	}
	insertErr := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(insertErr) {
		return report.ErrReportExists
	}
	return insertErr
}

func (store *ReportStore) Get(ctx context.Context, id string) (report.Report, error) {
	var row AnalysisReport
	err := store.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return report.Report{}, fmt.Errorf("%w: %s", report.ErrNotFound, id)
	}
	if err != nil {
		return report.Report{}, err
	}
	return mapReport(row)
}

// UpdateStatus performs the conditional transition. Zero rows affected
// means the stored status was not the expected one and the transition is
// rejected without touching data.
func (store *ReportStore) UpdateStatus(ctx context.Context, id string, from, to report.Status, update report.StatusUpdate) error {
	fields := map[string]any{
		"status":     to.String(),
		"updated_at": update.UpdatedAt,
	}
	if len(update.Result) != 0 {
		fields["result"] = datatypes.JSON(update.Result)
	}
	if update.FailureReason != "" {
		fields["failure_reason"] = update.FailureReason
	}
	result := store.db.WithContext(ctx).
		Model(&AnalysisReport{}).
		Where("id = ? AND status = ?", id, from.String()).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not %s", report.ErrInvalidTransition, id, from)
	}
	return nil
}

func mapReport(row AnalysisReport) (report.Report, error) {
	reportType, err := analyzer.ParseReportType(row.ReportType)
	if err != nil {
		return report.Report{}, err
	}
	var inputRefs []string
	if err := json.Unmarshal([]byte(row.InputRefs), &inputRefs); err != nil {
		return report.Report{}, fmt.Errorf("decode input refs: %w", err)
	}
	rpt := report.Report{
		ID:            row.ID,
		UserID:        row.UserID,
		ReportType:    reportType,
		Status:        report.Status(row.Status),
		Cost:          row.Cost,
		InputRefs:     inputRefs,
		FailureReason: row.FailureReason,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if len(row.Result) != 0 {
		rpt.Result = json.RawMessage(row.Result)
	}
	return rpt, nil
}
