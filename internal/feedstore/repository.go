// Package feedstore persists ingested market observations and the
// per-scope ingestion watermark that gates backfill vs. live catch-up.
// Grounded on internal/repository/postgres.go's pool setup and
// transactional batch-write shape, generalized from blocks/transactions
// to feed records keyed by a logical (source, subject, kind,
// granularity, ts_event) natural key instead of a chain height.
package feedstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"coordinator/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Feed Store: the system of record for market
// observations and per-scope ingestion watermarks.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository opens a pool against dbURL, honoring the same
// DB_MAX_OPEN_CONNS/DB_MAX_IDLE_CONNS overrides the rest of this repo's
// pgx-backed stores read.
func NewRepository(ctx context.Context, dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("feedstore: parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("feedstore: connect: %w", err)
	}
	return &Repository{db: pool}, nil
}

// Migrate applies the full schema script. Idempotent: every statement is
// CREATE ... IF NOT EXISTS.
func (r *Repository) Migrate(ctx context.Context, schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("feedstore: read schema: %w", err)
	}
	if _, err := r.db.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("feedstore: apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (r *Repository) Close() {
	r.db.Close()
}

func recordID(rec models.FeedRecord) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", rec.Source, rec.Subject, rec.Kind, rec.Granularity, rec.TsEvent.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

// AppendRecords upserts a batch of feed records in a single transaction.
// A record whose natural key already exists has its Values/Meta/TsIngested
// updated in place; nothing is ever duplicated. When the server rejects a
// statement in the batched path (a constraint violation or a malformed
// value), it falls back to a row-by-row upsert so one bad record cannot
// sink the whole batch; any other batch failure is returned unchanged.
func (r *Repository) AppendRecords(ctx context.Context, records []models.FeedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("feedstore: begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rec := range records {
		valuesJSON, err := json.Marshal(rec.Values)
		if err != nil {
			return 0, fmt.Errorf("feedstore: marshal values: %w", err)
		}
		metaJSON, err := json.Marshal(rec.Meta)
		if err != nil {
			return 0, fmt.Errorf("feedstore: marshal meta: %w", err)
		}
		batch.Queue(upsertRecordSQL,
			recordID(rec), rec.Source, rec.Subject, rec.Kind, rec.Granularity,
			rec.TsEvent, rec.TsIngested, valuesJSON, metaJSON)
	}

	br := dbtx.SendBatch(ctx, batch)
	var appended int
	batchErr := func() error {
		for range records {
			if _, err := br.Exec(); err != nil {
				return err
			}
			appended++
		}
		return nil
	}()
	if cerr := br.Close(); cerr != nil && batchErr == nil {
		batchErr = cerr
	}

	if batchErr != nil {
		// Only a server-side rejection falls back to row-by-row, so one
		// malformed record doesn't drop the rest of an otherwise-good
		// batch; transport failures go back to the caller.
		var pgErr *pgconn.PgError
		if !errors.As(batchErr, &pgErr) {
			return 0, fmt.Errorf("feedstore: append records: %w", batchErr)
		}
		appended, err = r.appendRowByRow(ctx, records)
		if err != nil {
			return appended, err
		}
		return appended, nil
	}

	if err := dbtx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("feedstore: commit: %w", err)
	}
	return appended, nil
}

const upsertRecordSQL = `
INSERT INTO market_records (id, source, subject, kind, granularity, ts_event, ts_ingested, values_jsonb, meta_jsonb)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (source, subject, kind, granularity, ts_event)
DO UPDATE SET values_jsonb = EXCLUDED.values_jsonb, meta_jsonb = EXCLUDED.meta_jsonb, ts_ingested = EXCLUDED.ts_ingested
`

func (r *Repository) appendRowByRow(ctx context.Context, records []models.FeedRecord) (int, error) {
	appended := 0
	for _, rec := range records {
		valuesJSON, err := json.Marshal(rec.Values)
		if err != nil {
			continue
		}
		metaJSON, err := json.Marshal(rec.Meta)
		if err != nil {
			continue
		}
		if _, err := r.db.Exec(ctx, upsertRecordSQL,
			recordID(rec), rec.Source, rec.Subject, rec.Kind, rec.Granularity,
			rec.TsEvent, rec.TsIngested, valuesJSON, metaJSON); err != nil {
			continue
		}
		appended++
	}
	return appended, nil
}

// FetchRecords returns records for scope ordered by ts_event ascending,
// optionally bounded by [startTs, endTs) and capped at limit.
func (r *Repository) FetchRecords(ctx context.Context, scope models.FeedScope, startTs, endTs *time.Time, limit *int) ([]models.FeedRecord, error) {
	query := `SELECT source, subject, kind, granularity, ts_event, ts_ingested, values_jsonb, meta_jsonb
		FROM market_records WHERE source=$1 AND subject=$2 AND kind=$3 AND granularity=$4`
	args := []any{scope.Source, scope.Subject, scope.Kind, scope.Granularity}

	if startTs != nil {
		args = append(args, *startTs)
		query += fmt.Sprintf(" AND ts_event >= $%d", len(args))
	}
	if endTs != nil {
		args = append(args, *endTs)
		query += fmt.Sprintf(" AND ts_event < $%d", len(args))
	}
	query += " ORDER BY ts_event ASC"
	if limit != nil {
		args = append(args, *limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("feedstore: fetch records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FetchLatestRecord returns the most recent record at or before atOrBefore
// (or the most recent overall when atOrBefore is nil), relying on the
// (scope..., ts_event DESC) index for an O(log n) lookup.
func (r *Repository) FetchLatestRecord(ctx context.Context, scope models.FeedScope, atOrBefore *time.Time) (*models.FeedRecord, error) {
	query := `SELECT source, subject, kind, granularity, ts_event, ts_ingested, values_jsonb, meta_jsonb
		FROM market_records WHERE source=$1 AND subject=$2 AND kind=$3 AND granularity=$4`
	args := []any{scope.Source, scope.Subject, scope.Kind, scope.Granularity}
	if atOrBefore != nil {
		args = append(args, *atOrBefore)
		query += fmt.Sprintf(" AND ts_event <= $%d", len(args))
	}
	query += " ORDER BY ts_event DESC LIMIT 1"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("feedstore: fetch latest: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// PruneBefore removes every market_records row with ts_event before cutoff,
// returning how many rows were removed.
func (r *Repository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM market_records WHERE ts_event < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("feedstore: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetWatermark returns the current ingestion watermark for scope, or nil
// if the scope has never been ingested.
func (r *Repository) GetWatermark(ctx context.Context, scope models.FeedScope) (*models.IngestionWatermark, error) {
	var lastEventTs time.Time
	var updatedAt time.Time
	var metaJSON []byte

	err := r.db.QueryRow(ctx,
		`SELECT last_event_ts, updated_at, meta_jsonb FROM market_ingestion_state
		 WHERE source=$1 AND subject=$2 AND kind=$3 AND granularity=$4`,
		scope.Source, scope.Subject, scope.Kind, scope.Granularity,
	).Scan(&lastEventTs, &updatedAt, &metaJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feedstore: get watermark: %w", err)
	}

	meta := map[string]any{}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &meta)
	}
	return &models.IngestionWatermark{Scope: scope, LastEventTs: lastEventTs, UpdatedAt: updatedAt, Meta: meta}, nil
}

// SetWatermark upserts the ingestion watermark for state.Scope. Callers are
// expected to only ever move it forward; SetWatermark itself does not
// enforce monotonicity so that a bulk re-ingestion/correction can also
// move it backward deliberately.
func (r *Repository) SetWatermark(ctx context.Context, state models.IngestionWatermark) error {
	metaJSON, err := json.Marshal(state.Meta)
	if err != nil {
		return fmt.Errorf("feedstore: marshal watermark meta: %w", err)
	}

	id := watermarkID(state.Scope)
	_, err = r.db.Exec(ctx, `
		INSERT INTO market_ingestion_state (id, source, subject, kind, granularity, last_event_ts, updated_at, meta_jsonb)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET last_event_ts = EXCLUDED.last_event_ts, updated_at = EXCLUDED.updated_at, meta_jsonb = EXCLUDED.meta_jsonb
	`, id, state.Scope.Source, state.Scope.Subject, state.Scope.Kind, state.Scope.Granularity, state.LastEventTs, state.UpdatedAt, metaJSON)
	if err != nil {
		return fmt.Errorf("feedstore: set watermark: %w", err)
	}
	return nil
}

// ListScopes returns every distinct (source, subject, kind, granularity)
// combination that has at least one ingested record, ordered for stable
// pagination — the feed catalog backing the report interface's
// /reports/feeds endpoint.
func (r *Repository) ListScopes(ctx context.Context) ([]models.FeedScope, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT source, subject, kind, granularity FROM market_records
		ORDER BY source, subject, kind, granularity
	`)
	if err != nil {
		return nil, fmt.Errorf("feedstore: list scopes: %w", err)
	}
	defer rows.Close()

	var out []models.FeedScope
	for rows.Next() {
		var scope models.FeedScope
		if err := rows.Scan(&scope.Source, &scope.Subject, &scope.Kind, &scope.Granularity); err != nil {
			return nil, fmt.Errorf("feedstore: scan scope: %w", err)
		}
		out = append(out, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feedstore: rows: %w", err)
	}
	return out, nil
}

// TailRecords returns the most recent limit records for scope, newest
// first — the report interface's /reports/feeds/tail endpoint, a
// dashboard-friendly counterpart to FetchRecords' ascending pagination.
func (r *Repository) TailRecords(ctx context.Context, scope models.FeedScope, limit int) ([]models.FeedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT source, subject, kind, granularity, ts_event, ts_ingested, values_jsonb, meta_jsonb
		FROM market_records WHERE source=$1 AND subject=$2 AND kind=$3 AND granularity=$4
		ORDER BY ts_event DESC LIMIT $5
	`, scope.Source, scope.Subject, scope.Kind, scope.Granularity, limit)
	if err != nil {
		return nil, fmt.Errorf("feedstore: tail records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func watermarkID(scope models.FeedScope) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", scope.Source, scope.Subject, scope.Kind, scope.Granularity)
	return hex.EncodeToString(h.Sum(nil))
}

func scanRecords(rows pgx.Rows) ([]models.FeedRecord, error) {
	var out []models.FeedRecord
	for rows.Next() {
		var rec models.FeedRecord
		var valuesJSON, metaJSON []byte
		if err := rows.Scan(&rec.Source, &rec.Subject, &rec.Kind, &rec.Granularity, &rec.TsEvent, &rec.TsIngested, &valuesJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("feedstore: scan record: %w", err)
		}
		rec.Values = map[string]any{}
		if len(valuesJSON) > 0 {
			_ = json.Unmarshal(valuesJSON, &rec.Values)
		}
		rec.Meta = map[string]any{}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &rec.Meta)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feedstore: rows: %w", err)
	}
	return out, nil
}
