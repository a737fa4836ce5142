// Package scoring runs the scoring cycle: pull predictions whose input
// has resolved, group them into rounds, score each member, apply the
// round-local percentile cap and min-max normalization, then roll the
// normalized scores up per model over the configured aggregation
// windows.
//
// Grounded on original_source/coordinator/services/score.py's
// ScoreService.run_once/_score_predictions/_aggregate.
package scoring

import (
	"context"
	"fmt"
	"log"
	"time"

	"coordinator/internal/contract"
	"coordinator/internal/models"
)

// Store is the subset of predictionstore.Repository the scoring engine
// uses.
type Store interface {
	FetchPendingPredictions(ctx context.Context, asOf time.Time, limit int) ([]models.PredictionRecord, error)
	FetchInput(ctx context.Context, id string) (*models.InputRecord, error)
	SaveScore(ctx context.Context, score models.ScoreRecord, predictionStatus models.PredictionStatus) error
	FetchScoredPredictionsSince(ctx context.Context, modelID string, since time.Time) ([]models.PredictionRecord, []models.ScoreRecord, error)
	SaveModel(ctx context.Context, m models.Model) error
	ListModels(ctx context.Context) ([]models.Model, error)
	PruneScoredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config bounds one scoring cycle.
type Config struct {
	// BatchSize bounds how many pending predictions are fetched per
	// cycle. Default 2000.
	BatchSize int
	// RetentionDays is how long scored/failed predictions are kept
	// before pruning. Default 30.
	RetentionDays int
}

// Engine is the Scoring Engine.
type Engine struct {
	store       Store
	scoringFn   contract.ScoringFunction
	aggregation contract.Aggregation
	config      Config
}

// New builds an Engine, applying defaults for zero-valued Config
// fields.
func New(store Store, scoringFn contract.ScoringFunction, aggregation contract.Aggregation, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &Engine{store: store, scoringFn: scoringFn, aggregation: aggregation, config: cfg}
}

// RunOnce runs one scoring cycle: fetch pending predictions whose input
// has resolved, score each round, re-aggregate the affected models, and
// prune. Returns the number of predictions scored.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) (int, error) {
	pending, err := e.store.FetchPendingPredictions(ctx, now, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scoring: fetch pending predictions: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	rounds := groupByRound(pending)
	scoredCount := 0
	touchedModels := map[string]struct{}{}

	for _, rnd := range rounds {
		n, modelIDs, err := e.scoreRound(ctx, rnd, now)
		if err != nil {
			log.Printf("[scoring] round scoring error: %v", err)
			continue
		}
		scoredCount += n
		for _, m := range modelIDs {
			touchedModels[m] = struct{}{}
		}
	}

	for modelID := range touchedModels {
		if err := e.reaggregateModel(ctx, modelID, now); err != nil {
			log.Printf("[scoring] reaggregate model %s: %v", modelID, err)
		}
	}

	cutoff := now.AddDate(0, 0, -e.config.RetentionDays)
	if pruned, err := e.store.PruneScoredBefore(ctx, cutoff); err != nil {
		log.Printf("[scoring] prune scored predictions: %v", err)
	} else if pruned > 0 {
		log.Printf("[scoring] pruned %d scored predictions older than %d days", pruned, e.config.RetentionDays)
	}

	if scoredCount > 0 {
		log.Printf("[scoring] scored %d predictions", scoredCount)
	}
	return scoredCount, nil
}

// round is the set of predictions sharing (model-independent) scope and
// performed_at — the unit normalization is computed over.
type round struct {
	key         string
	predictions []models.PredictionRecord
}

func groupByRound(predictions []models.PredictionRecord) []round {
	index := map[string]int{}
	var rounds []round
	for _, p := range predictions {
		key := fmt.Sprintf("%s@%s", p.ScopeKey, p.PerformedAt.UTC().Format(time.RFC3339Nano))
		if i, ok := index[key]; ok {
			rounds[i].predictions = append(rounds[i].predictions, p)
			continue
		}
		index[key] = len(rounds)
		rounds = append(rounds, round{key: key, predictions: []models.PredictionRecord{p}})
	}
	return rounds
}

// scoreRound scores every prediction in a round and applies the
// percentile-cap + min-max normalization from spec §4.6 across its
// successful members. Returns the number scored and the distinct model
// IDs touched.
func (e *Engine) scoreRound(ctx context.Context, r round, now time.Time) (int, []string, error) {
	type outcome struct {
		prediction models.PredictionRecord
		raw        *float64
		success    bool
		failedReason *string
	}

	outcomes := make([]outcome, 0, len(r.predictions))
	var rawSuccessful []float64

	for _, p := range r.predictions {
		input, err := e.store.FetchInput(ctx, p.InputID)
		if err != nil {
			return 0, nil, fmt.Errorf("fetch input %s: %w", p.InputID, err)
		}
		if input == nil {
			continue // input row not found; retry next cycle
		}
		if input.Actuals == nil {
			// Force-resolved without actuals: nothing to score against, so
			// the prediction settles as FAILED with the input's reason.
			outcomes = append(outcomes, outcome{prediction: p, failedReason: input.FailedReason})
			continue
		}

		result := e.scoringFn(p.InferenceOutput, input.Actuals)
		o := outcome{prediction: p, success: result.Success, failedReason: result.FailedReason}
		if result.Success && result.Value != nil {
			o.raw = result.Value
			rawSuccessful = append(rawSuccessful, *result.Value)
		}
		outcomes = append(outcomes, o)
	}

	if len(outcomes) == 0 {
		return 0, nil, nil
	}

	var cap95, worst, best float64
	hasSuccess := len(rawSuccessful) > 0
	if hasSuccess {
		sorted := contract.SortFloatsAsc(append([]float64(nil), rawSuccessful...))
		cap95 = contract.PercentileCap95(sorted)
		best = sorted[0]

		// worst = max({s ∈ raw : s < cap}), or cap itself if nothing falls
		// below it.
		worst = cap95
		foundBelow := false
		for _, v := range sorted {
			if v < cap95 && (!foundBelow || v > worst) {
				worst = v
				foundBelow = true
			}
		}
	}

	scored := 0
	touched := map[string]struct{}{}

	for _, o := range outcomes {
		final := 0.0
		status := models.PredictionFailed

		if hasSuccess && o.success && o.raw != nil {
			capped := *o.raw
			if capped > worst {
				capped = worst
			}
			if worst != best {
				final = clamp01((worst - capped) / (worst - best))
			} else {
				final = 1.0
			}
			status = models.PredictionScored
		}

		value := final
		score := models.ScoreRecord{
			ID: fmt.Sprintf("SCR_%s", o.prediction.ID), PredictionID: o.prediction.ID,
			Value: &value, Success: status == models.PredictionScored, FailedReason: o.failedReason, ScoredAt: now,
		}
		if status != models.PredictionScored && score.FailedReason == nil {
			reason := "no successful predictions in round"
			score.FailedReason = &reason
		}

		if err := e.store.SaveScore(ctx, score, status); err != nil {
			log.Printf("[scoring] save score for %s: %v", o.prediction.ID, err)
			continue
		}
		scored++
		touched[o.prediction.ModelID] = struct{}{}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	return scored, ids, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// reaggregateModel recomputes one model's windowed metrics from its
// scored history and persists the result on the Model row.
func (e *Engine) reaggregateModel(ctx context.Context, modelID string, now time.Time) error {
	var oldestWindow time.Duration
	for _, w := range e.aggregation.Windows {
		d := time.Duration(w.Hours) * time.Hour
		if d > oldestWindow {
			oldestWindow = d
		}
	}

	predictions, scores, err := e.store.FetchScoredPredictionsSince(ctx, modelID, now.Add(-oldestWindow))
	if err != nil {
		return fmt.Errorf("fetch scored predictions: %w", err)
	}

	scoreByPrediction := map[string]models.ScoreRecord{}
	for _, s := range scores {
		scoreByPrediction[s.PredictionID] = s
	}

	earliest := now
	for _, p := range predictions {
		if _, ok := scoreByPrediction[p.ID]; ok && p.PerformedAt.Before(earliest) {
			earliest = p.PerformedAt
		}
	}

	// A window's metric stays null until the earliest scored prediction
	// is older than the window itself, so a short history can't pose as
	// a long-window leader.
	metrics := map[string]float64{}
	for name, window := range e.aggregation.Windows {
		windowDuration := time.Duration(window.Hours) * time.Hour
		if !earliest.Before(now.Add(-windowDuration)) {
			continue
		}

		cutoff := now.Add(-windowDuration)
		var sum float64
		var count int
		for _, p := range predictions {
			if p.PerformedAt.Before(cutoff) {
				continue
			}
			if p.Status != models.PredictionScored {
				continue
			}
			s, ok := scoreByPrediction[p.ID]
			if !ok || !s.Success || s.Value == nil {
				continue
			}
			sum += *s.Value
			count++
		}
		if count > 0 {
			metrics[name] = sum / float64(count)
		}
	}

	allModels, err := e.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	var current *models.Model
	for i := range allModels {
		if allModels[i].ID == modelID {
			current = &allModels[i]
			break
		}
	}
	if current == nil {
		return nil // model not yet registered via a tick
	}

	rankValue := metrics[e.aggregation.RankingKey]
	current.OverallScore = &models.Score{
		Metrics: metrics,
		Ranking: models.ScoreRanking{Key: e.aggregation.RankingKey, Value: &rankValue, Direction: e.aggregation.RankingDirection},
	}
	current.UpdatedAt = now

	return e.store.SaveModel(ctx, *current)
}
