package dispatcher

import (
	"context"
	"fmt"
	"time"

	"coordinator/internal/feed"
	"coordinator/internal/models"
)

// FeedStore is the subset of internal/feedstore.Repository FeedReader
// needs.
type FeedStore interface {
	FetchRecords(ctx context.Context, scope models.FeedScope, startTs, endTs *time.Time, limit *int) ([]models.FeedRecord, error)
	AppendRecords(ctx context.Context, records []models.FeedRecord) (int, error)
}

// FeedReader builds the raw input handed to models at tick time: a
// symbol plus a rolling window of recent 1-minute candles. Grounded on
// original_source/coordinator/services/feed_reader.py's FeedReader: load
// recent candles from the store, and if the window is too thin,
// recover it with a direct provider fetch before reading again.
type FeedReader struct {
	store      FeedStore
	feed       feed.DataFeed
	source     string
	subject    string
	kind       string
	granularity string
	windowSize int
}

// NewFeedReader applies the original's defaults: 120 candles, "1s"
// granularity, "tick" kind.
func NewFeedReader(store FeedStore, f feed.DataFeed, source, subject string) *FeedReader {
	return &FeedReader{store: store, feed: f, source: source, subject: subject, kind: "tick", granularity: "1s", windowSize: 120}
}

// GetInput returns the raw model input for timestep now: the subject,
// an as-of timestamp, and up to windowSize recent candles derived from
// tick records.
func (fr *FeedReader) GetInput(ctx context.Context, now time.Time) (map[string]any, error) {
	candles, err := fr.loadRecentCandles(ctx, now, fr.windowSize)
	if err != nil {
		return nil, err
	}

	minWanted := 3
	if fr.windowSize < minWanted {
		minWanted = fr.windowSize
	}
	if len(candles) < minWanted {
		windowMinutes := fr.windowSize
		if windowMinutes < 5 {
			windowMinutes = 5
		}
		if err := fr.recoverWindow(ctx, now.Add(-time.Duration(windowMinutes)*time.Minute), now); err != nil {
			return nil, err
		}
		candles, err = fr.loadRecentCandles(ctx, now, fr.windowSize)
		if err != nil {
			return nil, err
		}
	}

	asofTs := now.Unix()
	if len(candles) > 0 {
		if ts, ok := candles[len(candles)-1]["ts"].(int64); ok {
			asofTs = ts
		}
	}

	return map[string]any{
		"symbol":     fr.subject,
		"asof_ts":    asofTs,
		"candles_1m": candles,
	}, nil
}

func (fr *FeedReader) loadRecentCandles(ctx context.Context, now time.Time, limit int) ([]map[string]any, error) {
	if limit < 1 {
		limit = 1
	}
	// FetchRecords sorts ascending, so read the trailing window and keep
	// its newest limit records rather than capping the query itself.
	windowMinutes := limit
	if windowMinutes < 5 {
		windowMinutes = 5
	}
	since := now.Add(-time.Duration(windowMinutes) * time.Minute)
	scope := models.FeedScope{Source: fr.source, Subject: fr.subject, Kind: fr.kind, Granularity: fr.granularity}
	records, err := fr.store.FetchRecords(ctx, scope, &since, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: load recent candles: %w", err)
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}

	candles := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		price, ok := priceOf(rec)
		if !ok {
			continue
		}
		ts := rec.TsEvent.Unix()

		if rec.Kind == "candle" {
			candles = append(candles, map[string]any{
				"ts": ts, "open": numOr(rec.Values["open"], price), "high": numOr(rec.Values["high"], price),
				"low": numOr(rec.Values["low"], price), "close": numOr(rec.Values["close"], price), "volume": numOr(rec.Values["volume"], 0.0),
			})
		} else {
			candles = append(candles, map[string]any{"ts": ts, "open": price, "high": price, "low": price, "close": price, "volume": 0.0})
		}
	}
	return candles, nil
}

// FetchWindow returns feed records in [start, end), recovering from the
// live provider once if the store has nothing for the window.
func (fr *FeedReader) FetchWindow(ctx context.Context, start, end time.Time) ([]models.FeedRecord, error) {
	scope := models.FeedScope{Source: fr.source, Subject: fr.subject, Kind: fr.kind, Granularity: fr.granularity}
	startTs, endTs := start, end
	records, err := fr.store.FetchRecords(ctx, scope, &startTs, &endTs, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: fetch window: %w", err)
	}
	if len(records) > 0 {
		return records, nil
	}

	if err := fr.recoverWindow(ctx, start.Add(-2*time.Minute), end.Add(2*time.Minute)); err != nil {
		return nil, err
	}
	return fr.store.FetchRecords(ctx, scope, &startTs, &endTs, nil)
}

// recoverWindow pulls the window directly from the live feed and
// persists whatever it gets; fetch errors are swallowed, matching the
// original's best-effort "try to backfill, give up quietly" behavior —
// the caller already has a fallback path (an empty window) for when
// recovery doesn't help.
func (fr *FeedReader) recoverWindow(ctx context.Context, start, end time.Time) error {
	if fr.feed == nil {
		return nil
	}
	startTs, endTs, limit := start.Unix(), end.Unix(), 500
	records, err := fr.feed.Fetch(ctx, feed.FetchRequest{
		Assets: []string{fr.subject}, Kind: feed.MarketDataKind(fr.kind), Granularity: fr.granularity,
		StartTs: &startTs, EndTs: &endTs, Limit: &limit,
	})
	if err != nil || len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	domain := make([]models.FeedRecord, 0, len(records))
	for _, r := range records {
		domain = append(domain, models.FeedRecord{
			Source: fr.source, Subject: r.Asset, Kind: string(r.Kind), Granularity: r.Granularity,
			TsEvent: feed.TsEventTime(r), Values: r.Values, Meta: r.Metadata, TsIngested: now,
		})
	}
	_, err = fr.store.AppendRecords(ctx, domain)
	return err
}

func priceOf(rec models.FeedRecord) (float64, bool) {
	for _, key := range []string{"close", "price"} {
		v, ok := rec.Values[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}

func numOr(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return fallback
	}
}
