package workflow

import (
	"context"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
)

func TestTransition_NotifyThenEscalateThenResolve(t *testing.T) {
	m, store := newTestManager(t, newFakeSource())
	rec := seedRecord(store, models.ProcessTypeOrder, 42, models.AbandonedStatusDetected, hoursAgo(2))

	got, err := m.Transition(context.Background(), rec.ID, TransitionRequest{Status: "notified"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Status != models.AbandonedStatusNotified || got.LastNotifiedAt == nil || !got.LastNotifiedAt.Equal(testNow) {
		t.Fatalf("unexpected notified record: %+v", got)
	}

	got, err = m.Transition(context.Background(), rec.ID, TransitionRequest{Status: "escalated"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got.Status != models.AbandonedStatusEscalated {
		t.Fatalf("status = %s", got.Status)
	}

	got, err = m.Transition(context.Background(), rec.ID, TransitionRequest{Status: "resolved", ResolutionAction: ptr("  refunded buyer  ")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != models.AbandonedStatusResolved || got.ResolvedAt == nil || !got.ResolvedAt.Equal(testNow) {
		t.Fatalf("unexpected resolved record: %+v", got)
	}
	if got.ResolutionAction == nil || *got.ResolutionAction != "refunded buyer" {
		t.Fatalf("resolution action = %v", got.ResolutionAction)
	}
	if active, _ := store.HasActive(context.Background(), models.ProcessTypeOrder, 42); active {
		t.Fatalf("resolved record still active")
	}
}

func TestTransition_DetectedCanResolveDirectly(t *testing.T) {
	m, store := newTestManager(t, newFakeSource())
	rec := seedRecord(store, models.ProcessTypeTransaction, 5, models.AbandonedStatusDetected, hoursAgo(2))

	got, err := m.Transition(context.Background(), rec.ID, TransitionRequest{Status: "resolved", ResolutionAction: ptr("voided")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.LastNotifiedAt != nil {
		t.Fatalf("resolve must not stamp lastNotifiedAt")
	}
}

func TestTransition_Validation(t *testing.T) {
	m, store := newTestManager(t, newFakeSource())
	open := seedRecord(store, models.ProcessTypeOrder, 1, models.AbandonedStatusDetected, hoursAgo(2))
	closed := seedRecord(store, models.ProcessTypeOrder, 2, models.AbandonedStatusResolved, hoursAgo(2))

	cases := []struct {
		name string
		id   int
		req  TransitionRequest
		code string
	}{
		{"unknown status", open.ID, TransitionRequest{Status: "archived"}, utils.CodeInvalidStatus},
		{"detected is not a target", open.ID, TransitionRequest{Status: "detected"}, utils.CodeInvalidStatus},
		{"empty status", open.ID, TransitionRequest{}, utils.CodeInvalidStatus},
		{"resolve without action", open.ID, TransitionRequest{Status: "resolved"}, utils.CodeMissingResolutionAction},
		{"resolve with blank action", open.ID, TransitionRequest{Status: "resolved", ResolutionAction: ptr("   ")}, utils.CodeMissingResolutionAction},
		{"validation wins over state", closed.ID, TransitionRequest{Status: "resolved"}, utils.CodeMissingResolutionAction},
		{"non-positive id", 0, TransitionRequest{Status: "notified"}, utils.CodeInvalidId},
		{"missing record", 999, TransitionRequest{Status: "notified"}, utils.CodeAbandonedNotFound},
		{"already resolved", closed.ID, TransitionRequest{Status: "notified"}, utils.CodeAlreadyResolved},
		{"resolve twice", closed.ID, TransitionRequest{Status: "resolved", ResolutionAction: ptr("again")}, utils.CodeAlreadyResolved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Transition(context.Background(), tc.id, tc.req)
			requireCode(t, err, tc.code)
		})
	}

	// failed transitions leave the record untouched
	after, _ := store.Get(context.Background(), open.ID)
	if after.Status != models.AbandonedStatusDetected || after.ResolvedAt != nil {
		t.Fatalf("record changed by rejected transitions: %+v", after)
	}
}

func TestTransition_ConcurrentResolveHasOneWinner(t *testing.T) {
	m, store := newTestManager(t, newFakeSource())
	rec := seedRecord(store, models.ProcessTypeDeliveryTask, 7, models.AbandonedStatusEscalated, hoursAgo(2))

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Transition(context.Background(), rec.ID, TransitionRequest{Status: "resolved", ResolutionAction: ptr("reassigned driver")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case utils.HasErrorCode(err, utils.CodeAlreadyResolved):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, callers-1)
	}
}
