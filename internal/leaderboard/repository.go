// Package leaderboard ranks models by their aggregated score and
// constructs the reward emission checkpoint handed to the (out-of-scope)
// on-chain submitter.
//
// Grounded on original_source/coordinator/services/score.py's
// ScoreService._rebuild_leaderboard/_aggregate/_rank and
// original_source/coordinator/contracts.py's default_build_emission, and
// on the teacher's internal/repository/postgres.go for the
// pgx-transactional upsert shape.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coordinator/internal/contract"
	"coordinator/internal/models"
)

// Repository persists Leaderboard snapshots and EmissionCheckpoints.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository wraps an existing pool; leaderboard shares the
// connection pool with predictionstore rather than opening a second
// one, matching the teacher's single-pool-per-process convention.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SaveLeaderboard upserts a Leaderboard snapshot.
func (r *Repository) SaveLeaderboard(ctx context.Context, lb models.Leaderboard) error {
	entriesJSON, err := json.Marshal(lb.Entries)
	if err != nil {
		return fmt.Errorf("leaderboard: marshal entries: %w", err)
	}
	metaJSON, err := json.Marshal(lb.Meta)
	if err != nil {
		return fmt.Errorf("leaderboard: marshal meta: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO leaderboards (id, created_at, entries_jsonb, meta_jsonb)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET created_at = EXCLUDED.created_at, entries_jsonb = EXCLUDED.entries_jsonb, meta_jsonb = EXCLUDED.meta_jsonb
	`, lb.ID, lb.CreatedAt, entriesJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("leaderboard: save leaderboard: %w", err)
	}
	return nil
}

// LatestLeaderboard returns the most recently created snapshot, or nil
// if none exist.
func (r *Repository) LatestLeaderboard(ctx context.Context) (*models.Leaderboard, error) {
	rows, err := r.db.Query(ctx, `SELECT id, created_at, entries_jsonb, meta_jsonb FROM leaderboards ORDER BY created_at DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: latest: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var lb models.Leaderboard
	var entriesJSON, metaJSON []byte
	if err := rows.Scan(&lb.ID, &lb.CreatedAt, &entriesJSON, &metaJSON); err != nil {
		return nil, fmt.Errorf("leaderboard: scan: %w", err)
	}
	_ = json.Unmarshal(entriesJSON, &lb.Entries)
	_ = json.Unmarshal(metaJSON, &lb.Meta)
	return &lb, nil
}

// SaveCheckpoint persists an EmissionCheckpoint with the ID and CreatedAt
// it already carries (Builder.Rebuild sets both); a checkpoint whose ID
// already exists is left unchanged.
func (r *Repository) SaveCheckpoint(ctx context.Context, checkpoint models.EmissionCheckpoint) error {
	cruncherJSON, err := json.Marshal(checkpoint.CruncherRewards)
	if err != nil {
		return fmt.Errorf("leaderboard: marshal cruncher rewards: %w", err)
	}
	computeJSON, err := json.Marshal(checkpoint.ComputeProviderRewards)
	if err != nil {
		return fmt.Errorf("leaderboard: marshal compute rewards: %w", err)
	}
	dataJSON, err := json.Marshal(checkpoint.DataProviderRewards)
	if err != nil {
		return fmt.Errorf("leaderboard: marshal data rewards: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO checkpoints (id, created_at, crunch_pubkey, cruncher_rewards_jsonb, compute_provider_rewards_jsonb, data_provider_rewards_jsonb)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, checkpoint.ID, checkpoint.CreatedAt, checkpoint.CrunchPubkey, cruncherJSON, computeJSON, dataJSON)
	if err != nil {
		return fmt.Errorf("leaderboard: save checkpoint: %w", err)
	}
	return nil
}

// ModelLister is the subset of predictionstore.Repository the builder
// needs to rank models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]models.Model, error)
}

// Builder ranks models and produces a Leaderboard snapshot plus an
// emission checkpoint from it.
type Builder struct {
	models       ModelLister
	aggregation  contract.Aggregation
	buildEmission func(ranked []contract.RankedEntry, crunchPubkey, computeProvider, dataProvider string) models.EmissionCheckpoint

	crunchPubkey    string
	computeProvider string
	dataProvider    string
}

// NewBuilder wires the ranking/emission capability the leaderboard
// cycle needs: a read-only model lister, the contract's aggregation
// policy (for the ranking key/direction), and the contract's
// BuildEmission callable plus the pubkeys it needs.
func NewBuilder(modelLister ModelLister, aggregation contract.Aggregation, buildEmission func([]contract.RankedEntry, string, string, string) models.EmissionCheckpoint, crunchPubkey, computeProvider, dataProvider string) *Builder {
	return &Builder{
		models: modelLister, aggregation: aggregation, buildEmission: buildEmission,
		crunchPubkey: crunchPubkey, computeProvider: computeProvider, dataProvider: dataProvider,
	}
}

// Rebuild loads every model, ranks those with a non-null overall score,
// and returns the resulting Leaderboard snapshot plus its emission
// checkpoint.
func (b *Builder) Rebuild(ctx context.Context, now time.Time, idFn func() string) (models.Leaderboard, models.EmissionCheckpoint, error) {
	all, err := b.models.ListModels(ctx)
	if err != nil {
		return models.Leaderboard{}, models.EmissionCheckpoint{}, fmt.Errorf("leaderboard: list models: %w", err)
	}

	var scored []models.Model
	for _, m := range all {
		if m.OverallScore != nil {
			scored = append(scored, m)
		}
	}

	entries := rank(scored, b.aggregation)
	lb := models.Leaderboard{
		ID: idFn(), CreatedAt: now, Entries: entries,
		Meta: map[string]any{"generated_by": "coordinator.scoring"},
	}

	ranked := make([]contract.RankedEntry, len(entries))
	for i, e := range entries {
		ranked[i] = contract.RankedEntry{Rank: e.Rank, ModelID: e.ModelID}
	}
	checkpoint := b.buildEmission(ranked, b.crunchPubkey, b.computeProvider, b.dataProvider)
	checkpoint.ID = idFn()
	checkpoint.CreatedAt = now

	return lb, checkpoint, nil
}

// rank sorts scored models by the aggregation's ranking key/direction
// (missing values sort last), assigns dense ranks, and breaks ties by
// model ID ascending for a stable ordering.
func rank(scored []models.Model, aggregation contract.Aggregation) []models.LeaderboardEntry {
	type candidate struct {
		model    models.Model
		value    *float64
		hasValue bool
	}

	candidates := make([]candidate, 0, len(scored))
	for _, m := range scored {
		v, ok := m.OverallScore.Metrics[aggregation.RankingKey]
		if ok {
			val := v
			candidates = append(candidates, candidate{model: m, value: &val, hasValue: true})
		} else {
			candidates = append(candidates, candidate{model: m})
		}
	}

	desc := aggregation.RankingDirection != "asc"
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.hasValue != b.hasValue {
			return a.hasValue // values present sort before missing
		}
		if a.hasValue && b.hasValue && *a.value != *b.value {
			if desc {
				return *a.value > *b.value
			}
			return *a.value < *b.value
		}
		return a.model.ID < b.model.ID
	})

	entries := make([]models.LeaderboardEntry, len(candidates))
	for i, c := range candidates {
		entries[i] = models.LeaderboardEntry{
			Rank: i + 1, ModelID: c.model.ID, ModelName: c.model.Name, PlayerName: c.model.PlayerName,
			Score: *c.model.OverallScore,
		}
	}
	return entries
}
