// Package worker hosts the bounded-concurrency consumer loop that drives
// queued analysis jobs to a terminal report state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/ledger"
	"github.com/autoscope/expertise/internal/metrics"
	"github.com/autoscope/expertise/internal/queue"
	"github.com/autoscope/expertise/internal/report"
)

// Reports is the slice of the report service the pool needs.
type Reports interface {
	Load(ctx context.Context, id string) (report.Report, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Ledger issues the compensating refund for failed reports.
type Ledger interface {
	Refund(ctx context.Context, userID string, amount decimal.Decimal, referenceID, description string) (ledger.Transaction, error)
}

// Config carries the pool knobs.
type Config struct {
	Workers        int
	MaxAttempts    int
	Visibility     time.Duration
	AnalyzeTimeout time.Duration
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        5,
		MaxAttempts:    3,
		Visibility:     2 * time.Minute,
		AnalyzeTimeout: 90 * time.Second,
		PollInterval:   time.Second,
		BackoffBase:    5 * time.Second,
		BackoffCap:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.Visibility <= 0 {
		c.Visibility = defaults.Visibility
	}
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = defaults.AnalyzeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.BackoffCap
	}
	return c
}

// Pool consumes the job queue with a fixed number of workers. Every path
// from a claimed job ends in COMPLETED, a bounded retry, or FAILED plus an
// idempotent refund; an analyzer error never escapes a worker.
type Pool struct {
	cfg      Config
	queue    queue.Queue
	reports  Reports
	ledger   Ledger
	analyzer analyzer.Analyzer
	cache    analyzer.Cache
	logger   *zap.Logger
	metrics  *metrics.Metrics
	poolID   string
}

// NewPool wires a Pool.
func NewPool(cfg Config, q queue.Queue, reports Reports, ldg Ledger, provider analyzer.Analyzer, cache analyzer.Cache, logger *zap.Logger, m *metrics.Metrics) (*Pool, error) {
	if q == nil || reports == nil || ldg == nil || provider == nil {
		return nil, errors.New("worker pool: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		queue:    q,
		reports:  reports,
		ledger:   ldg,
		analyzer: provider,
		cache:    cache,
		logger:   logger,
		metrics:  m,
		poolID:   uuid.NewString(),
	}, nil
}

// Run blocks until ctx is cancelled, running cfg.Workers consumer loops.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", p.poolID, i)
		group.Go(func() error {
			p.runWorker(groupCtx, workerID)
			return nil
		})
	}
	group.Go(func() error {
		p.trackQueueDepth(groupCtx)
		return nil
	})
	_ = group.Wait()
	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.queue.Dequeue(ctx, workerID, p.cfg.Visibility)
		if err != nil {
			p.logger.Error("dequeue failed", zap.String("worker_id", workerID), zap.Error(err))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		p.process(ctx, workerID, *job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job queue.Job) {
	log := p.logger.With(
		zap.String("worker_id", workerID),
		zap.String("report_id", job.ReportID),
		zap.Int("attempt", job.Attempt),
	)

	rpt, err := p.reports.Load(ctx, job.ReportID)
	if errors.Is(err, report.ErrNotFound) {
		// A job without a report is a data-integrity violation: record it
		// and get it out of the queue.
		log.Error("queued job has no report")
		if dlErr := p.queue.DeadLetter(ctx, workerID, job, "report record missing"); dlErr != nil {
			log.Error("dead-letter failed", zap.Error(dlErr))
		}
		return
	}
	if err != nil {
		log.Error("load report failed", zap.Error(err))
		p.nack(ctx, workerID, job, log)
		return
	}

	if rpt.Status.Terminal() {
		p.finishTerminal(ctx, workerID, job, rpt, log)
		return
	}

	if err := p.reports.MarkProcessing(ctx, job.ReportID); err != nil {
		if !errors.Is(err, report.ErrInvalidTransition) {
			log.Error("claim failed", zap.Error(err))
			p.nack(ctx, workerID, job, log)
			return
		}
		fresh, loadErr := p.reports.Load(ctx, job.ReportID)
		if loadErr != nil {
			p.nack(ctx, workerID, job, log)
			return
		}
		if fresh.Status.Terminal() {
			p.finishTerminal(ctx, workerID, job, fresh, log)
			return
		}
		if fresh.Status != report.StatusProcessing {
			p.nack(ctx, workerID, job, log)
			return
		}
		// Already PROCESSING with an expired lease: the previous holder
		// crashed mid-analysis. The analyzer call has no external side
		// effects, so resuming is safe.
		log.Info("resuming report abandoned by expired lease")
		rpt = fresh
	}

	payload, analyzeErr := p.analyze(ctx, rpt)
	if analyzeErr != nil {
		p.handleFailure(ctx, workerID, job, rpt, analyzeErr, log)
		return
	}

	if err := p.reports.MarkCompleted(ctx, job.ReportID, payload); err != nil {
		if !errors.Is(err, report.ErrInvalidTransition) {
			log.Error("complete failed", zap.Error(err))
			p.nack(ctx, workerID, job, log)
			return
		}
		// Terminal already; another delivery finished first.
	} else {
		p.metrics.JobsCompleted.Inc()
		p.storeInCache(ctx, rpt, payload, log)
		log.Info("report completed")
	}
	p.ack(ctx, workerID, job, log)
}

func (p *Pool) analyze(ctx context.Context, rpt report.Report) (json.RawMessage, error) {
	analyzeCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalyzeTimeout)
	defer cancel()
	raw, err := p.analyzer.Analyze(analyzeCtx, analyzer.Request{
		ReportType: rpt.ReportType,
		InputRefs:  rpt.InputRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("analyzer call: %w", err)
	}
	result, err := analyzer.ParseResult(rpt.ReportType, raw)
	if err != nil {
		return nil, err
	}
	return result.Payload()
}

func (p *Pool) handleFailure(ctx context.Context, workerID string, job queue.Job, rpt report.Report, cause error, log *zap.Logger) {
	if job.Attempt < p.cfg.MaxAttempts {
		delay := retryBackoff(p.cfg.BackoffBase, p.cfg.BackoffCap, job.Attempt)
		p.metrics.JobsRetried.Inc()
		log.Warn("analysis attempt failed, retrying",
			zap.Error(cause),
			zap.Duration("retry_after", delay),
		)
		if err := p.queue.Nack(ctx, workerID, job, delay); err != nil && !errors.Is(err, queue.ErrJobNotLeased) {
			log.Error("nack failed", zap.Error(err))
		}
		return
	}

	reason := fmt.Sprintf("analysis failed after %d attempts: %v", job.Attempt, cause)
	if err := p.reports.MarkFailed(ctx, job.ReportID, reason); err != nil && !errors.Is(err, report.ErrInvalidTransition) {
		log.Error("fail transition failed", zap.Error(err))
		p.nack(ctx, workerID, job, log)
		return
	}
	if err := p.refund(ctx, rpt); err != nil {
		// The report is FAILED; redelivery retries the refund until the
		// ledger accepts it.
		log.Error("refund failed, leaving job for redelivery", zap.Error(err))
		p.nack(ctx, workerID, job, log)
		return
	}
	p.metrics.JobsFailed.Inc()
	log.Warn("report failed, refund issued", zap.String("reason", reason))
	if err := p.queue.DeadLetter(ctx, workerID, job, reason); err != nil && !errors.Is(err, queue.ErrJobNotLeased) {
		log.Error("dead-letter failed", zap.Error(err))
	}
}

// finishTerminal drains a redelivered job whose report already reached a
// terminal state. For FAILED reports the refund is re-asserted first; the
// ledger makes the second application a no-op.
func (p *Pool) finishTerminal(ctx context.Context, workerID string, job queue.Job, rpt report.Report, log *zap.Logger) {
	if rpt.Status == report.StatusFailed {
		if err := p.refund(ctx, rpt); err != nil {
			log.Error("refund for failed report not settled", zap.Error(err))
			p.nack(ctx, workerID, job, log)
			return
		}
	}
	log.Info("report already terminal, removing job", zap.String("status", rpt.Status.String()))
	p.ack(ctx, workerID, job, log)
}

func (p *Pool) refund(ctx context.Context, rpt report.Report) error {
	_, err := p.ledger.Refund(ctx, rpt.UserID, rpt.Cost, rpt.ID,
		fmt.Sprintf("refund for failed %s analysis", rpt.ReportType))
	if err != nil {
		return err
	}
	p.metrics.RefundsIssued.Inc()
	return nil
}

func (p *Pool) storeInCache(ctx context.Context, rpt report.Report, payload json.RawMessage, log *zap.Logger) {
	if p.cache == nil {
		return
	}
	fingerprint := analyzer.Fingerprint(rpt.ReportType, rpt.InputRefs)
	if err := p.cache.Store(ctx, fingerprint, rpt.ReportType, payload); err != nil {
		log.Warn("cache store failed", zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, workerID string, job queue.Job, log *zap.Logger) {
	if err := p.queue.Ack(ctx, workerID, job); err != nil && !errors.Is(err, queue.ErrJobNotLeased) {
		log.Error("ack failed", zap.Error(err))
	}
}

func (p *Pool) nack(ctx context.Context, workerID string, job queue.Job, log *zap.Logger) {
	delay := retryBackoff(p.cfg.BackoffBase, p.cfg.BackoffCap, job.Attempt)
	if err := p.queue.Nack(ctx, workerID, job, delay); err != nil && !errors.Is(err, queue.ErrJobNotLeased) {
		log.Error("nack failed", zap.Error(err))
	}
}

func (p *Pool) trackQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			p.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
