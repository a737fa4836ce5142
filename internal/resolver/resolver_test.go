package resolver

import (
	"context"
	"testing"
	"time"

	"coordinator/internal/models"
)

type fakeInputStore struct {
	due         []models.InputRecord
	resolvedID  []string
	resolvedAct []map[string]any
	resolvedErr []*string
}

func (s *fakeInputStore) FetchResolvableInputs(ctx context.Context, asOf time.Time, limit int) ([]models.InputRecord, error) {
	return s.due, nil
}

func (s *fakeInputStore) MarkInputResolved(ctx context.Context, id string, actuals map[string]any, failedReason *string) error {
	s.resolvedID = append(s.resolvedID, id)
	s.resolvedAct = append(s.resolvedAct, actuals)
	s.resolvedErr = append(s.resolvedErr, failedReason)
	return nil
}

type fakeWindow struct {
	records   []models.FeedRecord
	gotStart  time.Time
	gotEnd    time.Time
	callCount int
}

func (w *fakeWindow) FetchWindow(ctx context.Context, start, end time.Time) ([]models.FeedRecord, error) {
	w.gotStart = start
	w.gotEnd = end
	w.callCount++
	return w.records, nil
}

func TestResolveDueResolvesWhenGroundTruthAvailable(t *testing.T) {
	now := time.Unix(1700010000, 0).UTC()
	store := &fakeInputStore{due: []models.InputRecord{
		{ID: "INP_1", ReceivedAt: now.Add(-time.Minute), ResolvableAt: now.Add(-time.Second)},
	}}
	window := &fakeWindow{records: []models.FeedRecord{{Subject: "BTC"}}}
	resolve := func(w []models.FeedRecord) (map[string]any, error) {
		return map[string]any{"close": 42000.0}, nil
	}

	r := New(store, window, resolve, Config{})
	n, err := r.ResolveDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ResolveDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 resolved, got %d", n)
	}
	if store.resolvedID[0] != "INP_1" || store.resolvedErr[0] != nil {
		t.Fatalf("expected INP_1 resolved with no failure reason, got id=%s reason=%v", store.resolvedID[0], store.resolvedErr[0])
	}
	if store.resolvedAct[0]["close"] != 42000.0 {
		t.Fatalf("expected actuals to be passed through, got %v", store.resolvedAct[0])
	}
}

func TestResolveDueSkipsWhenNotYetDeterminableAndWithinBudget(t *testing.T) {
	now := time.Unix(1700010000, 0).UTC()
	store := &fakeInputStore{due: []models.InputRecord{
		{ID: "INP_1", ReceivedAt: now.Add(-time.Minute), ResolvableAt: now.Add(-time.Second)},
	}}
	window := &fakeWindow{}
	resolve := func(w []models.FeedRecord) (map[string]any, error) { return nil, nil }

	r := New(store, window, resolve, Config{MaxResolveRetryAge: time.Hour})
	n, err := r.ResolveDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ResolveDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 resolved (still within retry budget), got %d", n)
	}
	if len(store.resolvedID) != 0 {
		t.Fatalf("expected no resolve calls, got %v", store.resolvedID)
	}
}

func TestResolveDueForceResolvesAfterRetryBudgetExhausted(t *testing.T) {
	now := time.Unix(1700010000, 0).UTC()
	store := &fakeInputStore{due: []models.InputRecord{
		{ID: "INP_old", ReceivedAt: now.Add(-25 * time.Hour), ResolvableAt: now.Add(-24 * time.Hour)},
	}}
	window := &fakeWindow{}
	resolve := func(w []models.FeedRecord) (map[string]any, error) { return nil, nil }

	r := New(store, window, resolve, Config{MaxResolveRetryAge: 24 * time.Hour})
	n, err := r.ResolveDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ResolveDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 force-resolved, got %d", n)
	}
	if store.resolvedAct[0] != nil {
		t.Fatalf("expected nil actuals on force-resolve, got %v", store.resolvedAct[0])
	}
	if store.resolvedErr[0] == nil || *store.resolvedErr[0] != forceResolveReason {
		t.Fatalf("expected force-resolve reason %q, got %v", forceResolveReason, store.resolvedErr[0])
	}
}

func TestResolveOneFetchesWindowFromReceivedAtToResolvableAt(t *testing.T) {
	now := time.Unix(1700010000, 0).UTC()
	receivedAt := now.Add(-24 * time.Hour)
	resolvableAt := now.Add(-time.Second)
	store := &fakeInputStore{due: []models.InputRecord{
		{ID: "INP_1", ReceivedAt: receivedAt, ResolvableAt: resolvableAt},
	}}
	window := &fakeWindow{records: []models.FeedRecord{{Subject: "BTC"}}}
	resolve := func(w []models.FeedRecord) (map[string]any, error) {
		return map[string]any{"close": 42000.0}, nil
	}

	r := New(store, window, resolve, Config{})
	if _, err := r.ResolveDue(context.Background(), now); err != nil {
		t.Fatalf("ResolveDue: %v", err)
	}

	if window.callCount != 1 {
		t.Fatalf("expected FetchWindow called once, got %d", window.callCount)
	}
	if !window.gotStart.Equal(receivedAt) {
		t.Fatalf("expected window start to be input.ReceivedAt (%v), got %v", receivedAt, window.gotStart)
	}
	if !window.gotEnd.Equal(resolvableAt) {
		t.Fatalf("expected window end to be input.ResolvableAt (%v), got %v", resolvableAt, window.gotEnd)
	}
}

func TestResolveDueWithNoInputsIsNoop(t *testing.T) {
	store := &fakeInputStore{}
	window := &fakeWindow{}
	r := New(store, window, func([]models.FeedRecord) (map[string]any, error) { return nil, nil }, Config{})

	n, err := r.ResolveDue(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ResolveDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
