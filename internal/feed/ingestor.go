package feed

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"coordinator/internal/models"
)

// Store is the subset of internal/feedstore.Repository the ingestor
// needs, named by capability rather than depending on the concrete
// repository type.
type Store interface {
	AppendRecords(ctx context.Context, records []models.FeedRecord) (int, error)
	GetWatermark(ctx context.Context, scope models.FeedScope) (*models.IngestionWatermark, error)
	SetWatermark(ctx context.Context, state models.IngestionWatermark) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IngestorConfig mirrors the teacher's ingester.Config: a handful of
// tunables with defaults applied in NewIngestor, rather than a full
// options struct threaded through every call.
type IngestorConfig struct {
	ProviderName   string
	Assets         []string
	Kind           MarketDataKind
	Granularity    string
	PageSize       int
	RetentionHours int
	// OnIndexedRange is invoked after a backfill page or live record has
	// been durably appended, mirroring the teacher's OnIndexedRange hook
	// used to trigger lightweight real-time downstream work.
	OnIndexedRange func(asset string, upToTs time.Time)
	// FetchLimiter caps the rate of provider Fetch calls during backfill,
	// the same golang.org/x/time/rate primitive the teacher's
	// internal/api.ipLimiter uses per-client, applied here per-process
	// against the upstream provider instead of per-caller against us. Nil
	// means unlimited.
	FetchLimiter *rate.Limiter
}

// Ingestor runs backfill-then-listen per asset group against one
// DataFeed, persisting through Store. Grounded on the teacher's
// ingester.Service.Start retry loop and
// original_source/coordinator/services/backfill.py's paginated,
// per-asset-cursor backfill.
type Ingestor struct {
	feed   DataFeed
	store  Store
	source string
	config IngestorConfig
}

// NewIngestor applies teacher-style defaults for anything left zero.
func NewIngestor(f DataFeed, store Store, source string, cfg IngestorConfig) *Ingestor {
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}
	if cfg.RetentionHours == 0 {
		cfg.RetentionHours = 24 * 30
	}
	if cfg.Granularity == "" {
		cfg.Granularity = "tick"
	}
	return &Ingestor{feed: f, store: store, source: source, config: cfg}
}

// Backfill pages forward per asset from its stored watermark (or from
// start if never ingested) up to end, writing every page before moving
// the cursor, exactly as original_source's BackfillService.run does.
func (ing *Ingestor) Backfill(ctx context.Context, start, end time.Time) error {
	for _, asset := range ing.config.Assets {
		if err := ing.backfillAsset(ctx, asset, start, end); err != nil {
			return fmt.Errorf("feed: backfill %s: %w", asset, err)
		}
	}
	return nil
}

func (ing *Ingestor) backfillAsset(ctx context.Context, asset string, start, end time.Time) error {
	scope := models.FeedScope{Source: ing.source, Subject: asset, Kind: string(ing.config.Kind), Granularity: ing.config.Granularity}

	cursor := start
	if wm, err := ing.store.GetWatermark(ctx, scope); err == nil && wm != nil && wm.LastEventTs.After(cursor) {
		cursor = wm.LastEventTs
	}

	for cursor.Before(end) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if ing.config.FetchLimiter != nil {
			if err := ing.config.FetchLimiter.Wait(ctx); err != nil {
				return fmt.Errorf("feed: rate limiter: %w", err)
			}
		}

		startTs := cursor.Unix()
		endTs := end.Unix()
		limit := ing.config.PageSize
		records, err := ing.feed.Fetch(ctx, FetchRequest{
			Assets: []string{asset}, Kind: ing.config.Kind, Granularity: ing.config.Granularity,
			StartTs: &startTs, EndTs: &endTs, Limit: &limit,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		written, err := ing.store.AppendRecords(ctx, toFeedRecords(ing.source, records))
		if err != nil {
			return err
		}

		maxTs := records[0].TsEvent
		for _, r := range records {
			if r.TsEvent > maxTs {
				maxTs = r.TsEvent
			}
		}
		if maxTs <= cursor.Unix() {
			return nil
		}
		nextCursor := time.Unix(maxTs+1, 0).UTC()

		if err := ing.store.SetWatermark(ctx, models.IngestionWatermark{
			Scope: scope, LastEventTs: time.Unix(maxTs, 0).UTC(), UpdatedAt: time.Now().UTC(),
			Meta: map[string]any{"phase": "backfill"},
		}); err != nil {
			return err
		}

		log.Printf("[feed] backfill asset=%s wrote=%d cursor=%s", asset, written, nextCursor.Format(time.RFC3339))

		if ing.config.OnIndexedRange != nil {
			ing.config.OnIndexedRange(asset, time.Unix(maxTs, 0).UTC())
		}

		cursor = nextCursor
	}
	return nil
}

// feedSink adapts the ingestor as a push-mode Sink so Listen's pushed
// records flow through the same AppendRecords/watermark/callback path as
// Backfill's pulled pages.
type feedSink struct {
	ing *Ingestor
}

func (s *feedSink) OnRecord(ctx context.Context, rec Record) error {
	scope := models.FeedScope{Source: s.ing.source, Subject: rec.Asset, Kind: string(rec.Kind), Granularity: rec.Granularity}

	if _, err := s.ing.store.AppendRecords(ctx, toFeedRecords(s.ing.source, []Record{rec})); err != nil {
		return err
	}

	if err := s.ing.store.SetWatermark(ctx, models.IngestionWatermark{
		Scope: scope, LastEventTs: TsEventTime(rec), UpdatedAt: time.Now().UTC(),
		Meta: map[string]any{"phase": "live"},
	}); err != nil {
		return err
	}

	if s.ing.config.OnIndexedRange != nil {
		s.ing.config.OnIndexedRange(rec.Asset, TsEventTime(rec))
	}
	return nil
}

// Listen subscribes to live updates for the configured assets and
// persists every pushed record as it arrives. The returned Handle stops
// the subscription.
func (ing *Ingestor) Listen(ctx context.Context) (Handle, error) {
	return ing.feed.Listen(ctx, Subscription{Assets: ing.config.Assets, Kind: ing.config.Kind, Granularity: ing.config.Granularity}, &feedSink{ing: ing})
}

// Retain prunes every stored record older than RetentionHours, in any
// scope: the store's PruneBefore is not limited to the configured
// assets. Intended to run on a slow periodic tick alongside Listen, not
// from the hot path.
func (ing *Ingestor) Retain(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(ing.config.RetentionHours) * time.Hour)
	return ing.store.PruneBefore(ctx, cutoff)
}

func toFeedRecords(source string, records []Record) []models.FeedRecord {
	out := make([]models.FeedRecord, 0, len(records))
	now := time.Now().UTC()
	for _, r := range records {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		out = append(out, models.FeedRecord{
			Source:      source,
			Subject:     r.Asset,
			Kind:        string(r.Kind),
			Granularity: r.Granularity,
			TsEvent:     TsEventTime(r),
			Values:      r.Values,
			Meta:        meta,
			TsIngested:  now,
		})
	}
	return out
}
