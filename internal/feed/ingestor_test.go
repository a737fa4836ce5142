package feed

import (
	"context"
	"sync"
	"time"

	"coordinator/internal/models"
)

type fakeStore struct {
	mu         sync.Mutex
	records    []models.FeedRecord
	watermarks map[string]models.IngestionWatermark
	pruneCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{watermarks: map[string]models.IngestionWatermark{}}
}

func scopeKey(s models.FeedScope) string {
	return s.Source + "|" + s.Subject + "|" + s.Kind + "|" + s.Granularity
}

func (s *fakeStore) AppendRecords(ctx context.Context, records []models.FeedRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return len(records), nil
}

func (s *fakeStore) GetWatermark(ctx context.Context, scope models.FeedScope) (*models.IngestionWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[scopeKey(scope)]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

func (s *fakeStore) SetWatermark(ctx context.Context, state models.IngestionWatermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[scopeKey(state.Scope)] = state
	return nil
}

func (s *fakeStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCalls++
	var kept []models.FeedRecord
	var pruned int64
	for _, r := range s.records {
		if r.TsEvent.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return pruned, nil
}

type fakeDataFeed struct {
	pages      [][]Record // successive Fetch calls return these, in order
	fetchCalls int
}

func (f *fakeDataFeed) ListSubjects(ctx context.Context) ([]SubjectDescriptor, error) {
	return nil, nil
}

func (f *fakeDataFeed) Listen(ctx context.Context, sub Subscription, sink Sink) (Handle, error) {
	return nil, nil
}

func (f *fakeDataFeed) Fetch(ctx context.Context, req FetchRequest) ([]Record, error) {
	if f.fetchCalls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.fetchCalls]
	f.fetchCalls++
	return page, nil
}

func TestIngestorBackfillWritesRecordsAndAdvancesWatermark(t *testing.T) {
	feedStub := &fakeDataFeed{pages: [][]Record{
		{
			{Asset: "BTC", Kind: KindTick, TsEvent: 100, Values: map[string]any{"price": 60000.0}},
			{Asset: "BTC", Kind: KindTick, TsEvent: 200, Values: map[string]any{"price": 60100.0}},
		},
	}}
	store := newFakeStore()
	var onIndexedCalls int
	ing := NewIngestor(feedStub, store, "synthetic", IngestorConfig{
		Assets: []string{"BTC"},
		Kind:   KindTick,
		OnIndexedRange: func(asset string, upToTs time.Time) {
			onIndexedCalls++
		},
	})

	start := time.Unix(0, 0).UTC()
	end := time.Unix(1000, 0).UTC()
	if err := ing.Backfill(context.Background(), start, end); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	if len(store.records) != 2 {
		t.Fatalf("expected 2 records written, got %d", len(store.records))
	}
	if onIndexedCalls == 0 {
		t.Fatal("expected OnIndexedRange to be invoked after the page write")
	}

	scope := models.FeedScope{Source: "synthetic", Subject: "BTC", Kind: string(KindTick), Granularity: "tick"}
	wm := store.watermarks[scopeKey(scope)]
	if wm.LastEventTs.Unix() != 200 {
		t.Fatalf("expected watermark advanced to ts 200, got %v", wm.LastEventTs.Unix())
	}
}

func TestIngestorBackfillStopsWhenProviderReturnsNoRecords(t *testing.T) {
	feedStub := &fakeDataFeed{pages: [][]Record{{}}}
	store := newFakeStore()
	ing := NewIngestor(feedStub, store, "synthetic", IngestorConfig{Assets: []string{"BTC"}, Kind: KindTick})

	if err := ing.Backfill(context.Background(), time.Unix(0, 0), time.Unix(1000, 0)); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no records written, got %d", len(store.records))
	}
}

func TestIngestorBackfillResumesFromExistingWatermark(t *testing.T) {
	feedStub := &fakeDataFeed{pages: [][]Record{
		{{Asset: "BTC", Kind: KindTick, TsEvent: 500, Values: map[string]any{"price": 1.0}}},
	}}
	store := newFakeStore()
	scope := models.FeedScope{Source: "synthetic", Subject: "BTC", Kind: string(KindTick), Granularity: "tick"}
	store.watermarks[scopeKey(scope)] = models.IngestionWatermark{Scope: scope, LastEventTs: time.Unix(400, 0).UTC()}

	ing := NewIngestor(feedStub, store, "synthetic", IngestorConfig{Assets: []string{"BTC"}, Kind: KindTick})
	if err := ing.Backfill(context.Background(), time.Unix(0, 0), time.Unix(1000, 0)); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record written starting from watermark, got %d", len(store.records))
	}
}

func TestIngestorRetainPrunesBeforeCutoff(t *testing.T) {
	store := newFakeStore()
	store.records = []models.FeedRecord{
		{TsEvent: time.Now().Add(-48 * time.Hour)},
		{TsEvent: time.Now()},
	}
	ing := NewIngestor(&fakeDataFeed{}, store, "synthetic", IngestorConfig{RetentionHours: 24})

	pruned, err := ing.Retain(context.Background())
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 record pruned, got %d", pruned)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record remaining, got %d", len(store.records))
	}
}

func TestFeedSinkOnRecordPersistsAndCallsHook(t *testing.T) {
	store := newFakeStore()
	var calledAsset string
	ing := NewIngestor(&fakeDataFeed{}, store, "synthetic", IngestorConfig{
		OnIndexedRange: func(asset string, upToTs time.Time) { calledAsset = asset },
	})
	sink := &feedSink{ing: ing}

	rec := Record{Asset: "ETH", Kind: KindTick, Granularity: "tick", TsEvent: 1234, Values: map[string]any{"price": 2.0}}
	if err := sink.OnRecord(context.Background(), rec); err != nil {
		t.Fatalf("OnRecord: %v", err)
	}
	if len(store.records) != 1 || store.records[0].Subject != "ETH" {
		t.Fatalf("expected 1 persisted record for ETH, got %+v", store.records)
	}
	if calledAsset != "ETH" {
		t.Fatalf("expected OnIndexedRange called with asset ETH, got %q", calledAsset)
	}
}

func TestNewIngestorAppliesDefaults(t *testing.T) {
	ing := NewIngestor(&fakeDataFeed{}, newFakeStore(), "synthetic", IngestorConfig{})
	if ing.config.PageSize != 500 {
		t.Fatalf("expected default page size 500, got %d", ing.config.PageSize)
	}
	if ing.config.RetentionHours != 24*30 {
		t.Fatalf("expected default retention 720h, got %d", ing.config.RetentionHours)
	}
	if ing.config.Granularity != "tick" {
		t.Fatalf("expected default granularity tick, got %q", ing.config.Granularity)
	}
}
