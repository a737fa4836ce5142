// Package predictionstore persists inputs, predictions, and scores: the
// three tables the dispatcher, resolver, and scoring engine read and
// write every cycle. Grounded on internal/feedstore/repository.go's
// pgxpool construction and transactional-batch-write shape (itself
// grounded on the teacher's internal/repository/postgres.go), narrowed
// here to the prediction-lifecycle tables instead of market records.
package predictionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"coordinator/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the system of record for the prediction lifecycle:
// inputs -> predictions -> scores.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository opens a pool against dbURL with the same
// DB_MAX_OPEN_CONNS/DB_MAX_IDLE_CONNS overrides as internal/feedstore.
func NewRepository(ctx context.Context, dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("predictionstore: parse db url: %w", err)
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
		return nil, fmt.Errorf("predictionstore: connect: %w", err)
	}
	return &Repository{db: pool}, nil
}

func (r *Repository) Close() { r.db.Close() }

// Pool exposes the underlying connection pool so leaderboard.Repository
// can share it instead of opening a second pool against the same
// database, per the single-pool-per-process convention.
func (r *Repository) Pool() *pgxpool.Pool { return r.db }

// SaveInput upserts a single InputRecord, idempotent on ID.
func (r *Repository) SaveInput(ctx context.Context, input models.InputRecord) error {
	rawJSON, err := json.Marshal(input.RawData)
	if err != nil {
		return fmt.Errorf("predictionstore: marshal raw_data: %w", err)
	}
	var actualsJSON []byte
	if input.Actuals != nil {
		if actualsJSON, err = json.Marshal(input.Actuals); err != nil {
			return fmt.Errorf("predictionstore: marshal actuals: %w", err)
		}
	}
	scopeJSON, err := json.Marshal(input.Scope)
	if err != nil {
		return fmt.Errorf("predictionstore: marshal scope: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO inputs (id, raw_data_jsonb, actuals_jsonb, scope_jsonb, status, received_at, resolvable_at, failed_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			actuals_jsonb = EXCLUDED.actuals_jsonb, status = EXCLUDED.status, failed_reason = EXCLUDED.failed_reason
	`, input.ID, rawJSON, actualsJSON, scopeJSON, input.Status, input.ReceivedAt, input.ResolvableAt, input.FailedReason)
	if err != nil {
		return fmt.Errorf("predictionstore: save input: %w", err)
	}
	return nil
}

// FetchResolvableInputs returns RECEIVED inputs whose resolvable_at has
// passed, ordered oldest-first so the resolver drains the backlog in
// arrival order.
func (r *Repository) FetchResolvableInputs(ctx context.Context, asOf time.Time, limit int) ([]models.InputRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, raw_data_jsonb, actuals_jsonb, scope_jsonb, status, received_at, resolvable_at, failed_reason
		FROM inputs WHERE status = $1 AND resolvable_at <= $2 ORDER BY resolvable_at ASC LIMIT $3
	`, models.InputReceived, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("predictionstore: fetch resolvable inputs: %w", err)
	}
	defer rows.Close()
	return scanInputs(rows)
}

// MarkInputResolved transitions an input to RESOLVED, attaching actuals
// (nil when force-resolved past its retry budget) and an optional
// failure reason.
func (r *Repository) MarkInputResolved(ctx context.Context, id string, actuals map[string]any, failedReason *string) error {
	var actualsJSON []byte
	var err error
	if actuals != nil {
		if actualsJSON, err = json.Marshal(actuals); err != nil {
			return fmt.Errorf("predictionstore: marshal actuals: %w", err)
		}
	}
	_, err = r.db.Exec(ctx, `UPDATE inputs SET status = $1, actuals_jsonb = $2, failed_reason = $3 WHERE id = $4`,
		models.InputResolved, actualsJSON, failedReason, id)
	if err != nil {
		return fmt.Errorf("predictionstore: mark input resolved: %w", err)
	}
	return nil
}

// SavePredictions upserts a batch of PredictionRecords in one
// transaction, matching the teacher's SaveBatch Begin/defer-Rollback/
// Commit shape.
func (r *Repository) SavePredictions(ctx context.Context, predictions []models.PredictionRecord) (int, error) {
	if len(predictions) == 0 {
		return 0, nil
	}

	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("predictionstore: begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range predictions {
		scopeJSON, err := json.Marshal(p.Scope)
		if err != nil {
			return 0, fmt.Errorf("predictionstore: marshal scope: %w", err)
		}
		var outputJSON []byte
		if p.InferenceOutput != nil {
			if outputJSON, err = json.Marshal(p.InferenceOutput); err != nil {
				return 0, fmt.Errorf("predictionstore: marshal inference_output: %w", err)
			}
		}
		batch.Queue(upsertPredictionSQL,
			p.ID, p.InputID, p.ModelID, p.PredictionConfigID, p.ScopeKey, scopeJSON,
			p.Status, p.ExecTimeMs, outputJSON, p.PerformedAt, p.ResolvableAt)
	}

	br := dbtx.SendBatch(ctx, batch)
	saved := 0
	batchErr := func() error {
		for range predictions {
			if _, err := br.Exec(); err != nil {
				return err
			}
			saved++
		}
		return nil
	}()
	if cerr := br.Close(); cerr != nil && batchErr == nil {
		batchErr = cerr
	}
	if batchErr != nil {
		return 0, fmt.Errorf("predictionstore: save predictions: %w", batchErr)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("predictionstore: commit: %w", err)
	}
	return saved, nil
}

const upsertPredictionSQL = `
INSERT INTO predictions (id, input_id, model_id, prediction_config_id, scope_key, scope_jsonb, status, exec_time_ms, inference_output_jsonb, performed_at, resolvable_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (model_id, scope_key, performed_at) DO UPDATE SET
	status = EXCLUDED.status, exec_time_ms = EXCLUDED.exec_time_ms, inference_output_jsonb = EXCLUDED.inference_output_jsonb
`

// FetchPendingPredictions returns predictions resolvable at or before
// asOf whose inputs have already resolved, i.e. ready for scoring.
func (r *Repository) FetchPendingPredictions(ctx context.Context, asOf time.Time, limit int) ([]models.PredictionRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.id, p.input_id, p.model_id, p.prediction_config_id, p.scope_key, p.scope_jsonb, p.status, p.exec_time_ms, p.inference_output_jsonb, p.performed_at, p.resolvable_at
		FROM predictions p
		JOIN inputs i ON i.id = p.input_id
		WHERE p.status = $1 AND p.resolvable_at <= $2 AND i.status = $3
		ORDER BY p.resolvable_at ASC LIMIT $4
	`, models.PredictionPending, asOf, models.InputResolved, limit)
	if err != nil {
		return nil, fmt.Errorf("predictionstore: fetch pending predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// FetchInput returns a single input by ID.
func (r *Repository) FetchInput(ctx context.Context, id string) (*models.InputRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT id, raw_data_jsonb, actuals_jsonb, scope_jsonb, status, received_at, resolvable_at, failed_reason FROM inputs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("predictionstore: fetch input: %w", err)
	}
	defer rows.Close()
	inputs, err := scanInputs(rows)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	return &inputs[0], nil
}

// SaveScore upserts one ScoreRecord and transitions its prediction's
// status in the same transaction, so a reader never observes a SCORED
// prediction without a matching score row.
func (r *Repository) SaveScore(ctx context.Context, score models.ScoreRecord, predictionStatus models.PredictionStatus) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("predictionstore: begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	_, err = dbtx.Exec(ctx, `
		INSERT INTO scores (id, prediction_id, value, success, failed_reason, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (prediction_id) DO UPDATE SET value = EXCLUDED.value, success = EXCLUDED.success, failed_reason = EXCLUDED.failed_reason, scored_at = EXCLUDED.scored_at
	`, score.ID, score.PredictionID, score.Value, score.Success, score.FailedReason, score.ScoredAt)
	if err != nil {
		return fmt.Errorf("predictionstore: save score: %w", err)
	}

	if _, err := dbtx.Exec(ctx, `UPDATE predictions SET status = $1 WHERE id = $2`, predictionStatus, score.PredictionID); err != nil {
		return fmt.Errorf("predictionstore: transition prediction status: %w", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("predictionstore: commit: %w", err)
	}
	return nil
}

// FetchScoredPredictionsSince returns every SCORED prediction for
// modelID with performed_at >= since, joined with its score, for
// scoring.Engine's windowed aggregation.
func (r *Repository) FetchScoredPredictionsSince(ctx context.Context, modelID string, since time.Time) ([]models.PredictionRecord, []models.ScoreRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.id, p.input_id, p.model_id, p.prediction_config_id, p.scope_key, p.scope_jsonb, p.status, p.exec_time_ms, p.inference_output_jsonb, p.performed_at, p.resolvable_at,
		       s.id, s.prediction_id, s.value, s.success, s.failed_reason, s.scored_at
		FROM predictions p
		JOIN scores s ON s.prediction_id = p.id
		WHERE p.model_id = $1 AND p.performed_at >= $2 AND p.status = $3
		ORDER BY p.performed_at ASC
	`, modelID, since, models.PredictionScored)
	if err != nil {
		return nil, nil, fmt.Errorf("predictionstore: fetch scored predictions: %w", err)
	}
	defer rows.Close()

	var preds []models.PredictionRecord
	var scores []models.ScoreRecord
	for rows.Next() {
		var p models.PredictionRecord
		var s models.ScoreRecord
		var scopeJSON, outputJSON []byte
		if err := rows.Scan(&p.ID, &p.InputID, &p.ModelID, &p.PredictionConfigID, &p.ScopeKey, &scopeJSON, &p.Status, &p.ExecTimeMs, &outputJSON, &p.PerformedAt, &p.ResolvableAt,
			&s.ID, &s.PredictionID, &s.Value, &s.Success, &s.FailedReason, &s.ScoredAt); err != nil {
			return nil, nil, fmt.Errorf("predictionstore: scan joined row: %w", err)
		}
		p.Scope = decodeMap(scopeJSON)
		p.InferenceOutput = decodeMap(outputJSON)
		preds = append(preds, p)
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("predictionstore: rows: %w", err)
	}
	return preds, scores, nil
}

// PruneScoredBefore deletes predictions (and cascades to their scores)
// with resolvable_at before cutoff, implementing scoring's historical
// retention policy.
func (r *Repository) PruneScoredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM predictions WHERE resolvable_at < $1 AND status IN ($2, $3)`, cutoff, models.PredictionScored, models.PredictionFailed)
	if err != nil {
		return 0, fmt.Errorf("predictionstore: prune scored: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanInputs(rows pgx.Rows) ([]models.InputRecord, error) {
	var out []models.InputRecord
	for rows.Next() {
		var in models.InputRecord
		var rawJSON, actualsJSON, scopeJSON []byte
		if err := rows.Scan(&in.ID, &rawJSON, &actualsJSON, &scopeJSON, &in.Status, &in.ReceivedAt, &in.ResolvableAt, &in.FailedReason); err != nil {
			return nil, fmt.Errorf("predictionstore: scan input: %w", err)
		}
		in.RawData = decodeMap(rawJSON)
		if len(actualsJSON) > 0 {
			in.Actuals = decodeMap(actualsJSON)
		}
		in.Scope = decodeMap(scopeJSON)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("predictionstore: rows: %w", err)
	}
	return out, nil
}

func scanPredictions(rows pgx.Rows) ([]models.PredictionRecord, error) {
	var out []models.PredictionRecord
	for rows.Next() {
		var p models.PredictionRecord
		var scopeJSON, outputJSON []byte
		if err := rows.Scan(&p.ID, &p.InputID, &p.ModelID, &p.PredictionConfigID, &p.ScopeKey, &scopeJSON, &p.Status, &p.ExecTimeMs, &outputJSON, &p.PerformedAt, &p.ResolvableAt); err != nil {
			return nil, fmt.Errorf("predictionstore: scan prediction: %w", err)
		}
		p.Scope = decodeMap(scopeJSON)
		p.InferenceOutput = decodeMap(outputJSON)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("predictionstore: rows: %w", err)
	}
	return out, nil
}

// SaveModel upserts a discovered or re-aggregated Model, created on
// first discovery and updated on every aggregation cycle.
func (r *Repository) SaveModel(ctx context.Context, m models.Model) error {
	var overallJSON, scoresJSON []byte
	var err error
	if m.OverallScore != nil {
		if overallJSON, err = json.Marshal(m.OverallScore); err != nil {
			return fmt.Errorf("predictionstore: marshal overall_score: %w", err)
		}
	}
	if scoresJSON, err = json.Marshal(m.ScoresByScope); err != nil {
		return fmt.Errorf("predictionstore: marshal scores_by_scope: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO models (id, name, player_id, player_name, deployment_identifier, overall_score_jsonb, scores_by_scope_jsonb, discovered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, player_id = EXCLUDED.player_id, player_name = EXCLUDED.player_name,
			deployment_identifier = EXCLUDED.deployment_identifier,
			overall_score_jsonb = COALESCE(EXCLUDED.overall_score_jsonb, models.overall_score_jsonb),
			scores_by_scope_jsonb = CASE WHEN EXCLUDED.scores_by_scope_jsonb = '[]' THEN models.scores_by_scope_jsonb ELSE EXCLUDED.scores_by_scope_jsonb END,
			updated_at = EXCLUDED.updated_at
	`, m.ID, m.Name, m.PlayerID, m.PlayerName, m.DeploymentIdentifier, overallJSON, scoresJSON, m.DiscoveredAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("predictionstore: save model: %w", err)
	}
	return nil
}

// ListModels returns every known model, ordered by ID for stable
// pagination in the report interface.
func (r *Repository) ListModels(ctx context.Context) ([]models.Model, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, player_id, player_name, deployment_identifier, overall_score_jsonb, scores_by_scope_jsonb, discovered_at, updated_at FROM models ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("predictionstore: list models: %w", err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		var overallJSON, scoresJSON []byte
		if err := rows.Scan(&m.ID, &m.Name, &m.PlayerID, &m.PlayerName, &m.DeploymentIdentifier, &overallJSON, &scoresJSON, &m.DiscoveredAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("predictionstore: scan model: %w", err)
		}
		if len(overallJSON) > 0 {
			var score models.Score
			if err := json.Unmarshal(overallJSON, &score); err == nil {
				m.OverallScore = &score
			}
		}
		if len(scoresJSON) > 0 {
			_ = json.Unmarshal(scoresJSON, &m.ScoresByScope)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("predictionstore: rows: %w", err)
	}
	return out, nil
}

// FetchLatestPerformedAtByScopeKey returns the most recent performed_at
// per scope_key across every model, for scheduler.GroupScheduler's
// restart recovery: it needs one last-executed timestamp per scheduled
// config, not per (model, scope_key) pair, since the schedule tracks
// assets rather than models.
func (r *Repository) FetchLatestPerformedAtByScopeKey(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.Query(ctx, `
		SELECT scope_key, MAX(performed_at) FROM predictions GROUP BY scope_key
	`)
	if err != nil {
		return nil, fmt.Errorf("predictionstore: fetch latest performed_at: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var scopeKey string
		var performedAt time.Time
		if err := rows.Scan(&scopeKey, &performedAt); err != nil {
			return nil, fmt.Errorf("predictionstore: scan latest performed_at: %w", err)
		}
		out[scopeKey] = performedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("predictionstore: rows: %w", err)
	}
	return out, nil
}

// FetchPredictionsByModelsInRange returns every prediction for any of
// modelIDs with performed_at in [since, until), left-joined with its
// score (nil when the prediction hasn't been scored yet), for the report
// interface's /reports/predictions endpoint — unlike
// FetchScoredPredictionsSince, a score is not required to appear here.
func (r *Repository) FetchPredictionsByModelsInRange(ctx context.Context, modelIDs []string, since, until time.Time, limit int) ([]models.PredictionRecord, []*models.ScoreRecord, error) {
	if len(modelIDs) == 0 {
		return nil, nil, nil
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.Query(ctx, `
		SELECT p.id, p.input_id, p.model_id, p.prediction_config_id, p.scope_key, p.scope_jsonb, p.status, p.exec_time_ms, p.inference_output_jsonb, p.performed_at, p.resolvable_at,
		       s.id, s.prediction_id, s.value, s.success, s.failed_reason, s.scored_at
		FROM predictions p
		LEFT JOIN scores s ON s.prediction_id = p.id
		WHERE p.model_id = ANY($1) AND p.performed_at >= $2 AND p.performed_at < $3
		ORDER BY p.performed_at DESC LIMIT $4
	`, modelIDs, since, until, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("predictionstore: fetch predictions by models in range: %w", err)
	}
	defer rows.Close()

	var preds []models.PredictionRecord
	var scores []*models.ScoreRecord
	for rows.Next() {
		var p models.PredictionRecord
		var scopeJSON, outputJSON []byte
		var scoreID, scorePredictionID *string
		var scoreValue *float64
		var scoreSuccess *bool
		var scoreFailedReason *string
		var scoreScoredAt *time.Time
		if err := rows.Scan(&p.ID, &p.InputID, &p.ModelID, &p.PredictionConfigID, &p.ScopeKey, &scopeJSON, &p.Status, &p.ExecTimeMs, &outputJSON, &p.PerformedAt, &p.ResolvableAt,
			&scoreID, &scorePredictionID, &scoreValue, &scoreSuccess, &scoreFailedReason, &scoreScoredAt); err != nil {
			return nil, nil, fmt.Errorf("predictionstore: scan left-joined row: %w", err)
		}
		p.Scope = decodeMap(scopeJSON)
		p.InferenceOutput = decodeMap(outputJSON)
		preds = append(preds, p)

		if scoreID == nil {
			scores = append(scores, nil)
			continue
		}
		scores = append(scores, &models.ScoreRecord{
			ID: *scoreID, PredictionID: *scorePredictionID, Value: scoreValue,
			Success: scoreSuccess != nil && *scoreSuccess, FailedReason: scoreFailedReason, ScoredAt: derefTime(scoreScoredAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("predictionstore: rows: %w", err)
	}
	return preds, scores, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func decodeMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
