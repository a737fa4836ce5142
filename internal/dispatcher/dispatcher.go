// Package dispatcher wires the scheduler's due prediction params to the
// model runner and persists the results: get input, tick models,
// request predictions, validate/classify each model's output, and
// batch-save. Grounded on
// original_source/coordinator/services/predict.py's PredictService
// (get_data/_tick_models/_call_models/_build_record/register_model/
// validate_output), with its concurrent-model-result processing fanned
// out the way the teacher's internal/ingester/service.go
// fetchBatchParallel bounds parallel work with a worker-count semaphore.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"coordinator/internal/contract"
	"coordinator/internal/modelrunner"
	"coordinator/internal/models"
)

// Store is the subset of predictionstore.Repository the dispatcher uses.
type Store interface {
	SaveInput(ctx context.Context, input models.InputRecord) error
	SavePredictions(ctx context.Context, predictions []models.PredictionRecord) (int, error)
	SaveModel(ctx context.Context, m models.Model) error
	SaveScore(ctx context.Context, score models.ScoreRecord, predictionStatus models.PredictionStatus) error
}

// Runner is the subset of modelrunner.Client the dispatcher uses, named
// by capability so tests can substitute a fake transport.
type Runner interface {
	Tick(ctx context.Context, inferenceInput map[string]any) ([]modelrunner.ModelRun, error)
	Predict(ctx context.Context, args modelrunner.PredictArgs) ([]modelrunner.PredictResult, error)
}

// Config bounds the dispatcher's concurrent output-validation fan-out.
type Config struct {
	WorkerCount int
	// Limiter caps the rate of outbound Predict/Tick calls against the
	// model runner, the same golang.org/x/time/rate primitive the
	// teacher's internal/api.ipLimiter uses per-client, applied here
	// per-process against the downstream runner. Nil means unlimited.
	Limiter *rate.Limiter
}

// Dispatcher is the Model Dispatcher: it drives one contract's tick and
// predict cycles against a single model runner connection.
type Dispatcher struct {
	contract *contract.CrunchContract
	reader   *FeedReader
	runner   Runner
	store    Store
	config   Config
}

// New builds a Dispatcher with the teacher's worker-count default (10)
// applied when Config.WorkerCount is zero.
func New(c *contract.CrunchContract, reader *FeedReader, runner Runner, store Store, cfg Config) *Dispatcher {
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 10
	}
	return &Dispatcher{contract: c, reader: reader, runner: runner, store: store, config: cfg}
}

// Tick fetches the latest input, saves it, applies the contract's
// optional Transform, pushes it to every model, and registers any model
// newly reported back. Returns the saved InputRecord so the caller can
// thread its ID into subsequent Predict calls.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (models.InputRecord, error) {
	raw, err := d.reader.GetInput(ctx, now)
	if err != nil {
		return models.InputRecord{}, fmt.Errorf("dispatcher: get input: %w", err)
	}

	data := raw
	if d.contract.Transform != nil {
		data = d.contract.Transform(raw)
	}

	input := models.InputRecord{
		ID:         fmt.Sprintf("INP_%s", now.Format("20060102_150405.000")),
		RawData:    data,
		Scope:      map[string]any{},
		Status:     models.InputReceived,
		ReceivedAt: now,
	}
	if err := d.store.SaveInput(ctx, input); err != nil {
		return models.InputRecord{}, err
	}

	if d.config.Limiter != nil {
		if err := d.config.Limiter.Wait(ctx); err != nil {
			return input, fmt.Errorf("dispatcher: rate limiter: %w", err)
		}
	}

	runs, err := d.runner.Tick(ctx, data)
	if err != nil {
		return input, fmt.Errorf("dispatcher: tick models: %w", err)
	}
	for _, run := range runs {
		d.registerModel(ctx, run)
	}

	return input, nil
}

func (d *Dispatcher) registerModel(ctx context.Context, run modelrunner.ModelRun) {
	now := time.Now().UTC()
	m := models.Model{
		ID: run.ModelID, Name: orDefault(run.ModelName, "unknown-model"),
		PlayerID: orDefault(run.Infos["cruncher_id"], "unknown-player"), PlayerName: orDefault(run.Infos["cruncher_name"], "Unknown"),
		DeploymentIdentifier: orDefault(run.DeploymentID, "unknown-deployment"),
		DiscoveredAt:         now, UpdatedAt: now,
	}
	if err := d.store.SaveModel(ctx, m); err != nil {
		log.Printf("[dispatcher] register model %s: %v", run.ModelID, err)
	}
}

// Predict requests every model's inference for scope, validates and
// classifies each response concurrently, batch-saves the resulting
// PredictionRecords, and returns how many were saved so the caller can
// gate scheduler.MarkExecuted on at least one successful write.
func (d *Dispatcher) Predict(ctx context.Context, inputID string, scopeKey string, scope contract.PredictionScope, configID *string, now time.Time) (int, error) {
	resolvableAt := now.Add(time.Duration(scope.HorizonSeconds) * time.Second)

	if d.config.Limiter != nil {
		if err := d.config.Limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("dispatcher: rate limiter: %w", err)
		}
	}

	results, err := d.runner.Predict(ctx, modelrunner.PredictArgs{
		Subject: scope.Subject, HorizonSeconds: scope.HorizonSeconds, StepSeconds: scope.StepSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("dispatcher: predict: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	predictions := make([]models.PredictionRecord, len(results))
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.config.WorkerCount)

	for i, res := range results {
		i, res := i, res
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			predictions[i] = d.buildRecord(inputID, scopeKey, scope, configID, res, now, resolvableAt)
		}()
	}
	wg.Wait()

	saved, err := d.store.SavePredictions(ctx, predictions)
	if err != nil {
		return 0, err
	}

	d.saveTerminalScores(ctx, predictions, now)

	return saved, nil
}

// saveTerminalScores writes a ScoreRecord for every prediction the
// dispatcher itself resolved as terminal (ABSENT, or FAILED from output
// validation) so spec's "a ScoreRecord exists iff its prediction is in
// {SCORED, FAILED, ABSENT}" invariant holds from the moment the
// prediction is persisted, instead of only for predictions the scoring
// engine later fails during resolution.
func (d *Dispatcher) saveTerminalScores(ctx context.Context, predictions []models.PredictionRecord, now time.Time) {
	for _, p := range predictions {
		if p.Status != models.PredictionAbsent && p.Status != models.PredictionFailed {
			continue
		}
		reason := "model did not return a prediction"
		if p.Status == models.PredictionFailed {
			reason = "inference output failed validation at dispatch"
			if p.InferenceOutput != nil {
				if errText, ok := p.InferenceOutput["error"].(string); ok && errText != "" {
					reason = errText
				}
			}
		}
		score := models.ScoreRecord{
			ID:           fmt.Sprintf("SCR_%s", p.ID),
			PredictionID: p.ID,
			Success:      false,
			FailedReason: &reason,
			ScoredAt:     now,
		}
		if err := d.store.SaveScore(ctx, score, p.Status); err != nil {
			log.Printf("[dispatcher] save terminal score for %s: %v", p.ID, err)
		}
	}
}

func (d *Dispatcher) buildRecord(inputID, scopeKey string, scope contract.PredictionScope, configID *string, res modelrunner.PredictResult, now, resolvableAt time.Time) models.PredictionRecord {
	status := models.PredictionPending
	var output map[string]any

	switch res.Status {
	case "SUCCESS":
		parsed, err := contract.ValidateOutput(res.Result)
		if err != nil {
			status = models.PredictionFailed
			output = map[string]any{"error": err.Error()}
		} else {
			output = parsed.AsMap()
		}
	case "ABSENT":
		status = models.PredictionAbsent
	default: // FAILED, TIMEOUT
		status = models.PredictionFailed
		if res.ErrorReason != "" {
			output = map[string]any{"error": res.ErrorReason}
		}
	}

	suffix := "PRE"
	if status == models.PredictionAbsent {
		suffix = "ABS"
	}
	safeKey := sanitizeScopeKey(scopeKey)
	id := fmt.Sprintf("%s_%s_%s_%s", suffix, res.ModelRun.ModelID, safeKey, now.Format("20060102_150405.000"))

	return models.PredictionRecord{
		ID: id, InputID: inputID, ModelID: res.ModelRun.ModelID, PredictionConfigID: configID,
		ScopeKey: scopeKey, Scope: scope.ToMap(), Status: status,
		ExecTimeMs: res.ExecTimeUs / 1000.0, InferenceOutput: output,
		PerformedAt: now, ResolvableAt: resolvableAt,
	}
}

func sanitizeScopeKey(key string) string {
	var b strings.Builder
	for _, ch := range key {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_' {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
