// Package contract defines the typed, schema-validated envelopes a crunch
// plugs into the coordinator (RawInput, InferenceInput, InferenceOutput,
// GroundTruth, ScoreResult, PredictionScope, AggregationWindow,
// Aggregation) plus the pluggable callables that make up a CrunchContract.
// Components depend on the contract by capability: each is constructed
// with only the fields or callables it actually reads, never the whole
// contract object.
package contract

import (
	"encoding/json"
	"fmt"

	"coordinator/internal/models"
)

// Fields is the extensible envelope body every contract type carries: all
// extra attributes are permitted and survive a round trip through
// persistence, the Go analogue of a pydantic model with extra="allow".
type Fields map[string]any

// PredictionScope is the descriptor passed to models at predict time.
type PredictionScope struct {
	Subject        string `json:"subject"`
	HorizonSeconds int    `json:"horizon_seconds"`
	StepSeconds    int    `json:"step_seconds"`
	Extra          Fields `json:"-"`
}

// ToMap flattens the scope (including extras) into a plain map for
// persistence and scope-key derivation.
func (s PredictionScope) ToMap() map[string]any {
	out := map[string]any{}
	for k, v := range s.Extra {
		out[k] = v
	}
	out["subject"] = s.Subject
	out["horizon_seconds"] = s.HorizonSeconds
	out["step_seconds"] = s.StepSeconds
	return out
}

// AggregationWindow is a rolling wall-clock window used to aggregate
// per-prediction scores into a per-model metric.
type AggregationWindow struct {
	Hours int
}

// Aggregation describes how scores roll up per model and how the
// leaderboard ranks the result.
type Aggregation struct {
	Windows          map[string]AggregationWindow
	RankingKey       string
	RankingDirection string // "desc" or "asc"
}

// DefaultAggregation matches the three windows used throughout the
// original scoring service: a 24h recent window, a 72h steady window, and
// a 168h (7-day) anchor window, ranked on the recent window by default.
func DefaultAggregation() Aggregation {
	return Aggregation{
		Windows: map[string]AggregationWindow{
			"score_recent": {Hours: 24},
			"score_steady": {Hours: 72},
			"score_anchor": {Hours: 168},
		},
		RankingKey:       "score_recent",
		RankingDirection: "desc",
	}
}

// ScoreResult is what a scoring function produces for one prediction.
type ScoreResult struct {
	Value        *float64 `json:"value"`
	Success      bool     `json:"success"`
	FailedReason *string  `json:"failed_reason,omitempty"`
}

// InferenceOutput is what a model must return from predict(). The base
// contract only requires a numeric "value"; crunch-specific plugins widen
// Extra instead of replacing the type.
type InferenceOutput struct {
	Value float64
	Extra Fields
}

// UnmarshalJSON captures declared fields into Value and everything else
// into Extra, so callers reading a narrower vocabulary (e.g. "p_up",
// "result") still see it.
func (o *InferenceOutput) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("inference output: %w", err)
	}
	if v, ok := raw["value"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return fmt.Errorf("inference output: field %q: %w", "value", err)
		}
		o.Value = f
		delete(raw, "value")
	}
	o.Extra = raw
	return nil
}

// MarshalJSON re-flattens Value alongside Extra so persistence round-trips
// the full payload a model returned.
func (o InferenceOutput) MarshalJSON() ([]byte, error) {
	out := map[string]any{"value": o.Value}
	for k, v := range o.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// AsMap returns the output as a plain map, as stored on
// models.PredictionRecord.InferenceOutput.
func (o InferenceOutput) AsMap() map[string]any {
	out := map[string]any{"value": o.Value}
	for k, v := range o.Extra {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// ValidateOutput validates a raw model response against InferenceOutput's
// schema. It returns a non-nil error (the OutputValidation kind from the
// error taxonomy) when the payload does not conform.
func ValidateOutput(raw map[string]any) (InferenceOutput, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return InferenceOutput{}, fmt.Errorf("inference output: re-encode: %w", err)
	}
	var out InferenceOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return InferenceOutput{}, err
	}
	return out, nil
}

// ScoringFunction computes a raw, pre-normalization score for one
// prediction given its inference output and the resolved ground truth.
// Lower-is-better vs. higher-is-better is a property of the function, not
// a global convention — see RankingDirection on the Aggregation that
// accompanies it for leaderboard purposes, and scoring.Engine's
// percentile-cap step for the round-local convention documented there.
type ScoringFunction func(output map[string]any, groundTruth map[string]any) ScoreResult

// RankedEntry is the minimal leaderboard row BuildEmission consumes: just
// enough to assign reward tiers by rank.
type RankedEntry struct {
	Rank    int
	ModelID string
}

// CrunchContract is the single source of truth for a challenge's data
// shapes, aggregation policy, and pluggable behavior. Zero value is the
// base/default challenge: see NewDefault.
type CrunchContract struct {
	Scope       PredictionScope
	Aggregation Aggregation

	CrunchPubkey    string
	ComputeProvider string
	DataProvider    string

	// ResolveGroundTruth computes ground truth from the resolving feed
	// window, or returns (nil, nil) when it cannot yet be determined.
	ResolveGroundTruth func(window []models.FeedRecord) (map[string]any, error)

	// AggregateSnapshot rolls up a set of score results into a single
	// period snapshot (e.g. for historical dashboards).
	AggregateSnapshot func(results []map[string]any) map[string]any

	// BuildEmission converts ranked entries into a reward checkpoint.
	BuildEmission func(ranked []RankedEntry, crunchPubkey, computeProvider, dataProvider string) models.EmissionCheckpoint

	// ScoringFunction computes a raw score for one prediction.
	ScoringFunction ScoringFunction

	// Transform optionally maps a raw feed input into the shape models
	// expect at tick/predict time. Nil means identity.
	Transform func(raw map[string]any) map[string]any
}

// NewDefault returns the base challenge contract: default aggregation
// windows, the default resolver/aggregator/emission builder, and the
// percentile-cap-friendly "return" scoring function is left nil (the
// caller selects a ScoringFunction explicitly — see contract/plugins).
func NewDefault() *CrunchContract {
	return &CrunchContract{
		Scope:              PredictionScope{Subject: "BTC", HorizonSeconds: 60, StepSeconds: 15},
		Aggregation:        DefaultAggregation(),
		ResolveGroundTruth: DefaultResolveGroundTruth,
		AggregateSnapshot:  DefaultAggregateSnapshot,
		BuildEmission:      DefaultBuildEmission,
	}
}
