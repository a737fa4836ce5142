// Package resolver resolves ground truth for inputs whose prediction
// horizon has elapsed: it reads the matching feed window and hands it
// to the contract's ResolveGroundTruth callable, force-resolving
// inputs that have sat unresolved past a retry budget so the backlog
// never grows without bound.
//
// Grounded on
// original_source/coordinator/services/score.py's ScoreService._resolve_inputs
// and original_source/coordinator/contracts.py's default_resolve_ground_truth.
package resolver

import (
	"context"
	"fmt"
	"log"
	"time"

	"coordinator/internal/models"
)

// InputStore is the subset of predictionstore.Repository the resolver
// uses.
type InputStore interface {
	FetchResolvableInputs(ctx context.Context, asOf time.Time, limit int) ([]models.InputRecord, error)
	MarkInputResolved(ctx context.Context, id string, actuals map[string]any, failedReason *string) error
}

// WindowFetcher supplies the feed window a resolver needs to compute
// ground truth for one input.
type WindowFetcher interface {
	FetchWindow(ctx context.Context, start, end time.Time) ([]models.FeedRecord, error)
}

// ResolveFunc computes ground truth from a feed window, or returns
// (nil, nil) when it cannot yet be determined.
type ResolveFunc func(window []models.FeedRecord) (map[string]any, error)

// Config bounds one resolver cycle.
type Config struct {
	// MaxResolveRetryAge is how long an input may stay RECEIVED before
	// the resolver force-resolves it with no actuals. Default 24h.
	MaxResolveRetryAge time.Duration
	// BatchSize bounds how many due inputs are processed per call to
	// ResolveDue. Default 500.
	BatchSize int
}

const forceResolveReason = "resolution retry budget exhausted"

// Resolver is the Ground-Truth Resolver.
type Resolver struct {
	store   InputStore
	window  WindowFetcher
	resolve ResolveFunc
	config  Config
}

// New builds a Resolver, applying defaults for zero-valued Config
// fields.
func New(store InputStore, window WindowFetcher, resolve ResolveFunc, cfg Config) *Resolver {
	if cfg.MaxResolveRetryAge <= 0 {
		cfg.MaxResolveRetryAge = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Resolver{store: store, window: window, resolve: resolve, config: cfg}
}

// ResolveDue fetches every RECEIVED input whose ResolvableAt has passed
// and attempts to resolve it, returning how many were resolved
// (including force-resolved ones).
func (r *Resolver) ResolveDue(ctx context.Context, now time.Time) (int, error) {
	due, err := r.store.FetchResolvableInputs(ctx, now, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("resolver: fetch resolvable inputs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	resolved := 0
	for _, input := range due {
		ok, err := r.resolveOne(ctx, input, now)
		if err != nil {
			log.Printf("[resolver] input %s: %v", input.ID, err)
			continue
		}
		if ok {
			resolved++
		}
	}
	if resolved > 0 {
		log.Printf("[resolver] resolved actuals for %d inputs", resolved)
	}
	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, input models.InputRecord, now time.Time) (bool, error) {
	window, err := r.window.FetchWindow(ctx, input.ReceivedAt, input.ResolvableAt)
	if err != nil {
		return false, fmt.Errorf("fetch window: %w", err)
	}

	actuals, err := r.resolve(window)
	if err != nil {
		return false, fmt.Errorf("resolve ground truth: %w", err)
	}

	if actuals == nil {
		if now.Sub(input.ReceivedAt) < r.config.MaxResolveRetryAge {
			return false, nil
		}
		reason := forceResolveReason
		if err := r.store.MarkInputResolved(ctx, input.ID, nil, &reason); err != nil {
			return false, fmt.Errorf("force-resolve: %w", err)
		}
		return true, nil
	}

	if err := r.store.MarkInputResolved(ctx, input.ID, actuals, nil); err != nil {
		return false, fmt.Errorf("mark resolved: %w", err)
	}
	return true, nil
}
