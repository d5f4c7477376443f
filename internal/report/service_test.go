package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autoscope/expertise/internal/analyzer"
)

// stubStore mirrors the conditional-update semantics of the real store:
// UpdateStatus succeeds only when the stored status matches from.
type stubStore struct {
	mu      sync.Mutex
	reports map[string]Report
}

func newStubStore() *stubStore {
	return &stubStore{reports: map[string]Report{}}
}

func (s *stubStore) Insert(ctx context.Context, rpt Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[rpt.ID]; exists {
		return ErrReportExists
	}
	s.reports[rpt.ID] = rpt
	return nil
}

func (s *stubStore) Get(ctx context.Context, id string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rpt, ok := s.reports[id]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rpt, nil
}

func (s *stubStore) UpdateStatus(ctx context.Context, id string, from, to Status, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rpt, ok := s.reports[id]
	if !ok || rpt.Status != from {
		return fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, id, from)
	}
	rpt.Status = to
	if len(update.Result) != 0 {
		rpt.Result = update.Result
	}
	if update.FailureReason != "" {
		rpt.FailureReason = update.FailureReason
	}
	rpt.UpdatedAt = update.UpdatedAt
	s.reports[id] = rpt
	return nil
}

func mustNewService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(store, func() time.Time { return time.Unix(1700000000, 0).UTC() })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func pendingReport(t *testing.T, service *Service, id string) Report {
	t.Helper()
	rpt, err := service.Create(context.Background(), Report{
		ID:         id,
		UserID:     "owner",
		ReportType: analyzer.ReportTypeDamage,
		Cost:       decimal.NewFromInt(30),
		InputRefs:  []string{"uploads/front.jpg"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rpt
}

func TestCreateStartsPending(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	rpt := pendingReport(t, service, "rpt-1")
	if rpt.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rpt.Status)
	}
	if rpt.Result != nil || rpt.FailureReason != "" {
		t.Fatalf("fresh report carries terminal payload: %+v", rpt)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	cases := []struct {
		name string
		rpt  Report
		want error
	}{
		{"missing id", Report{UserID: "u", ReportType: analyzer.ReportTypeDamage, Cost: decimal.NewFromInt(1), InputRefs: []string{"x"}}, ErrInvalidReportID},
		{"missing user", Report{ID: "r", ReportType: analyzer.ReportTypeDamage, Cost: decimal.NewFromInt(1), InputRefs: []string{"x"}}, ErrInvalidUserID},
		{"zero cost", Report{ID: "r", UserID: "u", ReportType: analyzer.ReportTypeDamage, InputRefs: []string{"x"}}, ErrInvalidCost},
		{"no inputs", Report{ID: "r", UserID: "u", ReportType: analyzer.ReportTypeDamage, Cost: decimal.NewFromInt(1)}, ErrInvalidInputRefs},
		{"bad type", Report{ID: "r", UserID: "u", ReportType: "GUESSWORK", Cost: decimal.NewFromInt(1), InputRefs: []string{"x"}}, analyzer.ErrUnknownReportType},
	}
	for _, tc := range cases {
		if _, err := service.Create(context.Background(), tc.rpt); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLifecycleCompletes(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	pendingReport(t, service, "rpt-2")

	if err := service.MarkProcessing(context.Background(), "rpt-2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	result := json.RawMessage(`{"report_type":"DAMAGE"}`)
	if err := service.MarkCompleted(context.Background(), "rpt-2", result); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rpt, err := service.Load(context.Background(), "rpt-2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rpt.Status != StatusCompleted || string(rpt.Result) != string(result) {
		t.Fatalf("unexpected terminal report: %+v", rpt)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	pendingReport(t, service, "rpt-3")

	if err := service.MarkProcessing(context.Background(), "rpt-3"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := service.MarkProcessing(context.Background(), "rpt-3"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second claim should fail with ErrInvalidTransition, got %v", err)
	}
}

func TestNoShortcutFromPendingToTerminal(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	pendingReport(t, service, "rpt-4")

	if err := service.MarkCompleted(context.Background(), "rpt-4", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("PENDING→COMPLETED should be rejected, got %v", err)
	}
	if err := service.MarkFailed(context.Background(), "rpt-4", "nope"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("PENDING→FAILED should be rejected, got %v", err)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	pendingReport(t, service, "rpt-5")
	if err := service.MarkProcessing(context.Background(), "rpt-5"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := service.MarkFailed(context.Background(), "rpt-5", "analyzer gave up"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := service.MarkCompleted(context.Background(), "rpt-5", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("FAILED→COMPLETED should be rejected, got %v", err)
	}
	if err := service.MarkProcessing(context.Background(), "rpt-5"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("FAILED→PROCESSING should be rejected, got %v", err)
	}

	rpt, _ := service.Load(context.Background(), "rpt-5")
	if rpt.Status != StatusFailed || rpt.FailureReason != "analyzer gave up" {
		t.Fatalf("terminal report mutated: %+v", rpt)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	pendingReport(t, service, "rpt-6")

	if _, err := service.Get(context.Background(), "rpt-6", "owner"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := service.Get(context.Background(), "rpt-6", "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign get should be NotFound, got %v", err)
	}
	if _, err := service.Get(context.Background(), "missing", "owner"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get should be NotFound, got %v", err)
	}
}

func TestCompleteFromCacheWalksTheStateMachine(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())
	pendingReport(t, service, "rpt-7")

	result := json.RawMessage(`{"report_type":"DAMAGE"}`)
	if err := service.CompleteFromCache(context.Background(), "rpt-7", result); err != nil {
		t.Fatalf("complete from cache: %v", err)
	}
	rpt, _ := service.Load(context.Background(), "rpt-7")
	if rpt.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rpt.Status)
	}

	// A second cache completion hits the claim guard.
	if err := service.CompleteFromCache(context.Background(), "rpt-7", result); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
