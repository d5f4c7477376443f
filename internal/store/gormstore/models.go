package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table, one row per user.
type CreditBalance struct {
	UserID         string          `gorm:"primaryKey"`
	Balance        decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	TotalPurchased decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	TotalUsed      decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the credit_transactions table. Rows are
// append-only; only status ever changes after insert.
type CreditTransaction struct {
	ID          string          `gorm:"type:uuid;primaryKey"`
	UserID      string          `gorm:"not null;index:idx_credit_tx_user_created,priority:1"`
	Type        string          `gorm:"not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	Status      string          `gorm:"not null"`
	ReferenceID string          `gorm:"not null;uniqueIndex:uniq_credit_tx_reference"`
	Description string          `gorm:""`
	CreatedAt   time.Time       `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// AnalysisReport mirrors the analysis_reports table.
type AnalysisReport struct {
	ID            string          `gorm:"type:uuid;primaryKey"`
	UserID        string          `gorm:"not null;index:idx_reports_user_created,priority:1"`
	ReportType    string          `gorm:"not null"`
	Status        string          `gorm:"not null;index"`
	Cost          decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	InputRefs     datatypes.JSON  `gorm:"not null"`
	Result        datatypes.JSON  `gorm:""`
	FailureReason string          `gorm:""`
	CreatedAt     time.Time       `gorm:"not null;index:idx_reports_user_created,priority:2"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (AnalysisReport) TableName() string { return "analysis_reports" }

// Queue job states. A job is queued until a worker leases it; an expired
// lease makes it queued again in the eyes of Dequeue.
const (
	jobStateQueued = "queued"
	jobStateLeased = "leased"
)

// AnalysisJob mirrors the analysis_jobs queue table, one row per in-flight
// report.
type AnalysisJob struct {
	ReportID      string     `gorm:"type:uuid;primaryKey"`
	ReportType    string     `gorm:"not null;index:idx_jobs_lane_enqueued,priority:1"`
	State         string     `gorm:"not null;index"`
	Attempt       int        `gorm:"not null"`
	WorkerID      string     `gorm:""`
	NextAttemptAt time.Time  `gorm:"not null;index"`
	LeaseExpires  *time.Time `gorm:"index"`
	EnqueuedAt    time.Time  `gorm:"not null;index:idx_jobs_lane_enqueued,priority:2"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (AnalysisJob) TableName() string { return "analysis_jobs" }

// DeadLetterJob records a job whose retries were exhausted.
type DeadLetterJob struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	ReportID      string    `gorm:"not null;index"`
	ReportType    string    `gorm:"not null"`
	Attempt       int       `gorm:"not null"`
	FailureReason string    `gorm:"not null"`
	FailedAt      time.Time `gorm:"not null"`
}

func (DeadLetterJob) TableName() string { return "dead_letter_jobs" }

func (job *DeadLetterJob) BeforeCreate(tx *gorm.DB) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return nil
}

// CachedAnalysis stores a validated result keyed by input fingerprint.
type CachedAnalysis struct {
	Fingerprint string         `gorm:"primaryKey"`
	ReportType  string         `gorm:"not null"`
	Result      datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (CachedAnalysis) TableName() string { return "analysis_cache" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&CreditBalance{},
		&CreditTransaction{},
		&AnalysisReport{},
		&AnalysisJob{},
		&DeadLetterJob{},
		&CachedAnalysis{},
	}
}
