package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/queue"
)

// JobQueue implements queue.Queue on the analysis_jobs table. Leasing is a
// conditional claim inside a transaction: a job is eligible when it is
// queued and due, or leased with an expired lease (the previous worker
// crashed).
type JobQueue struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewJobQueue returns a JobQueue backed by gorm.DB.
func NewJobQueue(db *gorm.DB) *JobQueue {
	return &JobQueue{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the queue clock. Intended for tests.
func (q *JobQueue) WithClock(now func() time.Time) *JobQueue {
	q.nowFn = now
	return q
}

func (q *JobQueue) Enqueue(ctx context.Context, job queue.Job) error {
	now := q.nowFn()
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	row := AnalysisJob{
		ReportID:      job.ReportID,
		ReportType:    job.ReportType.String(),
		State:         jobStateQueued,
		Attempt:       job.Attempt,
		NextAttemptAt: now,
		EnqueuedAt:    enqueuedAt,
		UpdatedAt:     now,
	}
	err := q.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return queue.ErrDuplicateJob
	}
	return err
}

func (q *JobQueue) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*queue.Job, error) {
	var leased *queue.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.nowFn()
		var row AnalysisJob
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("(state = ? AND next_attempt_at <= ?) OR (state = ? AND lease_expires < ?)",
				jobStateQueued, now, jobStateLeased, now).
			Order("enqueued_at ASC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		expires := now.Add(visibility)
		result := tx.Model(&AnalysisJob{}).
			Where("report_id = ?", row.ReportID).
			Updates(map[string]any{
				"state":         jobStateLeased,
				"attempt":       row.Attempt + 1,
				"worker_id":     workerID,
				"lease_expires": expires,
				"updated_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		reportType, err := analyzer.ParseReportType(row.ReportType)
		if err != nil {
			return err
		}
		leased = &queue.Job{
			ReportID:   row.ReportID,
			ReportType: reportType,
			Attempt:    row.Attempt + 1,
			EnqueuedAt: row.EnqueuedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (q *JobQueue) Ack(ctx context.Context, workerID string, job queue.Job) error {
	result := q.db.WithContext(ctx).
		Where("report_id = ? AND state = ? AND worker_id = ?", job.ReportID, jobStateLeased, workerID).
		Delete(&AnalysisJob{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return queue.ErrJobNotLeased
	}
	return nil
}

func (q *JobQueue) Nack(ctx context.Context, workerID string, job queue.Job, retryAfter time.Duration) error {
	now := q.nowFn()
	result := q.db.WithContext(ctx).
		Model(&AnalysisJob{}).
		Where("report_id = ? AND state = ? AND worker_id = ?", job.ReportID, jobStateLeased, workerID).
		Updates(map[string]any{
			"state":           jobStateQueued,
			"worker_id":       "",
			"lease_expires":   nil,
			"next_attempt_at": now.Add(retryAfter),
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return queue.ErrJobNotLeased
	}
	return nil
}

func (q *JobQueue) DeadLetter(ctx context.Context, workerID string, job queue.Job, reason string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("report_id = ? AND state = ? AND worker_id = ?", job.ReportID, jobStateLeased, workerID).
			Delete(&AnalysisJob{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return queue.ErrJobNotLeased
		}
		return tx.Create(&DeadLetterJob{
			ReportID:      job.ReportID,
			ReportType:    job.ReportType.String(),
			Attempt:       job.Attempt,
			FailureReason: reason,
			FailedAt:      q.nowFn(),
		}).Error
	})
}

func (q *JobQueue) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := q.db.WithContext(ctx).
		Model(&AnalysisJob{}).
		Count(&depth).Error
	return depth, err
}
