package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autoscope/expertise/internal/analyzer"
)

// Status is the lifecycle state of one analysis report.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// Report is the persisted record of one analysis request. Result is set
// only when COMPLETED, FailureReason only when FAILED.
type Report struct {
	ID            string
	UserID        string
	ReportType    analyzer.ReportType
	Status        Status
	Cost          decimal.Decimal
	InputRefs     []string
	Result        json.RawMessage
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusUpdate carries the terminal payload written together with a status
// transition.
type StatusUpdate struct {
	Result        json.RawMessage
	FailureReason string
	UpdatedAt     time.Time
}

// Store is the persistence contract used by Service. UpdateStatus must be a
// conditional single-row update: it succeeds only when the stored status
// equals from, and reports ErrInvalidTransition otherwise. That guard is
// what keeps two workers from both claiming the same report.
type Store interface {
	Insert(ctx context.Context, rpt Report) error
	Get(ctx context.Context, id string) (Report, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, update StatusUpdate) error
}
