package workflow

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
)

// These tests run against MemoryAbandonedStore and an in-memory marketplace
// source. The MySQL store is covered by the INTEGRATION_TESTS suite in models.

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func hoursAgo(h float64) time.Time {
	return testNow.Add(-time.Duration(h * float64(time.Hour)))
}

func daysAgo(d int) time.Time {
	return testNow.AddDate(0, 0, -d)
}

type fakeSource struct {
	mu     sync.Mutex
	orders []models.Order
	tasks  []models.DeliveryTask
	txns   []models.Transaction
	logs   []models.ActivityLog
	failOn map[models.ProcessType]error
	calls  map[models.ProcessType]int

	// tracked reports whether an entity has an active record; set by newTestManager.
	tracked func(pt models.ProcessType, entityId int) bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{failOn: map[models.ProcessType]error{}, calls: map[models.ProcessType]int{}}
}

func (s *fakeSource) hit(pt models.ProcessType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[pt]++
	return s.failOn[pt]
}

func matchesStale(status string, createdAt time.Time, statuses []string, cutoff time.Time) bool {
	if !createdAt.Before(cutoff) {
		return false
	}
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// untrackedFirstCapped mirrors the MySQL source: entities without an active
// record first, then by id, then the row cap.
func untrackedFirstCapped[T any](s *fakeSource, pt models.ProcessType, rows []T, idOf func(T) int, limit int) []T {
	isTracked := func(row T) bool {
		return s.tracked != nil && s.tracked(pt, idOf(row))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := isTracked(rows[i]), isTracked(rows[j])
		if ti != tj {
			return !ti
		}
		return idOf(rows[i]) < idOf(rows[j])
	})
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func (s *fakeSource) StaleOrders(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.Order, error) {
	if err := s.hit(models.ProcessTypeOrder); err != nil {
		return nil, err
	}
	var out []models.Order
	for _, o := range s.orders {
		if matchesStale(o.Status, o.CreatedAt, statuses, cutoff) {
			out = append(out, o)
		}
	}
	return untrackedFirstCapped(s, models.ProcessTypeOrder, out, func(r models.Order) int { return r.ID }, limit), nil
}

func (s *fakeSource) StaleDeliveryTasks(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.DeliveryTask, error) {
	if err := s.hit(models.ProcessTypeDeliveryTask); err != nil {
		return nil, err
	}
	var out []models.DeliveryTask
	for _, t := range s.tasks {
		if matchesStale(t.Status, t.CreatedAt, statuses, cutoff) {
			out = append(out, t)
		}
	}
	return untrackedFirstCapped(s, models.ProcessTypeDeliveryTask, out, func(r models.DeliveryTask) int { return r.ID }, limit), nil
}

func (s *fakeSource) StaleTransactions(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.Transaction, error) {
	if err := s.hit(models.ProcessTypeTransaction); err != nil {
		return nil, err
	}
	var out []models.Transaction
	for _, tr := range s.txns {
		if matchesStale(tr.Status, tr.CreatedAt, statuses, cutoff) {
			out = append(out, tr)
		}
	}
	return untrackedFirstCapped(s, models.ProcessTypeTransaction, out, func(r models.Transaction) int { return r.ID }, limit), nil
}

func (s *fakeSource) StaleActivityLogs(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]models.ActivityLog, error) {
	if err := s.hit(models.ProcessTypeActivityLog); err != nil {
		return nil, err
	}
	var out []models.ActivityLog
	for _, l := range s.logs {
		// activity logs have no status column
		if matchesStale("", l.CreatedAt, statuses, cutoff) {
			out = append(out, l)
		}
	}
	return untrackedFirstCapped(s, models.ProcessTypeActivityLog, out, func(r models.ActivityLog) int { return r.ID }, limit), nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *fakeArchiver) Archive(ctx context.Context, objectName, contentType string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[objectName] = append([]byte(nil), data...)
	return nil
}

func newTestManager(t *testing.T, src *fakeSource) (*AbandonedProcessManager, *MemoryAbandonedStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := NewMemoryAbandonedStore()
	m := NewAbandonedProcessManager(store, src, logger)
	m.Now = func() time.Time { return testNow }
	if src != nil {
		src.tracked = func(pt models.ProcessType, entityId int) bool {
			active, _ := store.HasActive(context.Background(), pt, entityId)
			return active
		}
	}
	return m, store
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var appErr *utils.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *utils.AppError with code %s, got %T: %v", code, err, err)
	}
	if appErr.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, appErr.Code, err)
	}
}

func seedRecord(store *MemoryAbandonedStore, pt models.ProcessType, entityId int, status models.AbandonedStatus, detectedAt time.Time) *models.AbandonedProcess {
	rec := models.NewDetectedProcess(pt, entityId, nil, detectedAt)
	rec.Status = status
	if status == models.AbandonedStatusResolved {
		rec.MarkResolved("seeded", detectedAt)
	}
	store.Put(rec)
	return rec
}

func ptr[T any](v T) *T { return &v }
