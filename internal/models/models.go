// Package models holds the shared domain structs persisted by the feed,
// prediction, and leaderboard stores. Most JSON tags follow the column
// names used by internal/feedstore, internal/predictionstore and
// internal/leaderboard, minus the _jsonb suffix those stores give
// JSON-valued columns.
package models

import "time"

// FeedRecord is a single timestamped market observation. The natural key
// (Source, Subject, Kind, Granularity, TsEvent) is unique; re-ingesting the
// same key updates Values/Meta/TsIngested in place.
type FeedRecord struct {
	Source      string         `json:"source"`
	Subject     string         `json:"subject"`
	Kind        string         `json:"kind"`
	Granularity string         `json:"granularity"`
	TsEvent     time.Time      `json:"ts_event"`
	Values      map[string]any `json:"values"`
	Meta        map[string]any `json:"meta"`
	TsIngested  time.Time      `json:"ts_ingested"`
}

// FeedScope identifies a (source, subject, kind, granularity) stream.
type FeedScope struct {
	Source      string
	Subject     string
	Kind        string
	Granularity string
}

// IngestionWatermark is the highest ts_event durably appended for a scope.
// LastEventTs is monotonic non-decreasing within a scope; it only advances
// after the batch containing it has been committed.
type IngestionWatermark struct {
	Scope       FeedScope      `json:"scope"`
	LastEventTs time.Time      `json:"last_event_ts"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Meta        map[string]any `json:"meta"`
}

// InputStatus is the lifecycle state of an InputRecord.
type InputStatus string

const (
	InputReceived InputStatus = "RECEIVED"
	InputResolved InputStatus = "RESOLVED"
)

// InputRecord is the raw input captured at prediction time, later paired
// with ground truth once its horizon elapses.
type InputRecord struct {
	ID           string         `json:"id"`
	RawData      map[string]any `json:"raw_data"`
	Actuals      map[string]any `json:"actuals,omitempty"`
	Scope        map[string]any `json:"scope"`
	Status       InputStatus    `json:"status"`
	ReceivedAt   time.Time      `json:"received_at"`
	ResolvableAt time.Time      `json:"resolvable_at"`
	// FailedReason is set when the input was force-resolved with no
	// actuals after exhausting its resolve retry budget.
	FailedReason *string `json:"failed_reason,omitempty"`
}

// PredictionStatus is the lifecycle state of a PredictionRecord. It never
// transitions backward out of Scored or Failed.
type PredictionStatus string

const (
	PredictionPending PredictionStatus = "PENDING"
	PredictionScored  PredictionStatus = "SCORED"
	PredictionFailed  PredictionStatus = "FAILED"
	PredictionAbsent  PredictionStatus = "ABSENT"
)

// PredictionRecord is one model's inference for one scheduled round.
// Per (ModelID, ScopeKey, PerformedAt) there is at most one record.
type PredictionRecord struct {
	ID                  string           `json:"id"`
	InputID             string           `json:"input_id"`
	ModelID             string           `json:"model_id"`
	PredictionConfigID  *string          `json:"prediction_config_id,omitempty"`
	ScopeKey            string           `json:"scope_key"`
	Scope               map[string]any   `json:"scope"`
	Status              PredictionStatus `json:"status"`
	ExecTimeMs          float64          `json:"exec_time_ms"`
	InferenceOutput     map[string]any   `json:"inference_output,omitempty"`
	PerformedAt         time.Time        `json:"performed_at"`
	ResolvableAt        time.Time        `json:"resolvable_at"`
}

// ScoreRecord is the scoring outcome for one prediction. It exists iff the
// prediction is in {SCORED, FAILED, ABSENT}.
type ScoreRecord struct {
	ID            string    `json:"id"`
	PredictionID  string    `json:"prediction_id"`
	Value         *float64  `json:"value"`
	Success       bool      `json:"success"`
	FailedReason  *string   `json:"failed_reason,omitempty"`
	ScoredAt      time.Time `json:"scored_at"`
}

// ScopedScore is a per-scope rollup attached to a Model's overall_score
// payload, used by the leaderboard and report projections.
type ScopedScore struct {
	ScopeKey string             `json:"scope_key"`
	Scope    map[string]any     `json:"scope"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Score is the metrics/ranking/payload envelope attached to a Model and to
// leaderboard entries.
type Score struct {
	Metrics map[string]float64 `json:"metrics"`
	Ranking ScoreRanking       `json:"ranking"`
	Payload map[string]any     `json:"payload,omitempty"`
}

// ScoreRanking is the single metric a leaderboard is sorted on, plus the
// direction it should be sorted in.
type ScoreRanking struct {
	Key       string   `json:"key"`
	Value     *float64 `json:"value"`
	Direction string   `json:"direction"`
}

// Model is a participant discovered via the model runner's tick/predict
// RPCs. Created on first discovery, updated on every aggregation cycle.
type Model struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	PlayerID               string        `json:"player_id"`
	PlayerName             string        `json:"player_name"`
	DeploymentIdentifier   string        `json:"deployment_identifier"`
	OverallScore           *Score        `json:"overall_score,omitempty"`
	ScoresByScope          []ScopedScore `json:"scores_by_scope,omitempty"`
	DiscoveredAt           time.Time     `json:"discovered_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// PredictionParams is the frozen (asset, horizon, steps) identity used by
// the scheduler and as a grouping key for scoring rounds. Value-equal
// tuples are deduplicated by the scheduler's grouping pass.
type PredictionParams struct {
	Asset   string  `json:"asset"`
	Horizon int     `json:"horizon"`
	Steps   []int64 `json:"steps"`
}

// Key returns a stable string identity for use as a map key; slice fields
// cannot be compared or hashed directly in Go.
func (p PredictionParams) Key() string {
	s := p.Asset
	s += ":" + itoa(p.Horizon)
	for _, step := range p.Steps {
		s += ":" + itoa(int(step))
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ScheduledPredictionConfig is a static scheduling unit grouped by
// (horizon, steps, every_seconds) into a scheduler.GroupScheduler.
type ScheduledPredictionConfig struct {
	ID            string           `json:"id"`
	ScopeKey      string           `json:"scope_key"`
	ScopeTemplate map[string]any   `json:"scope_template"`
	Params        PredictionParams `json:"params"`
	EverySeconds  float64          `json:"every_seconds"`
	Active        bool             `json:"active"`
	Order         int              `json:"order"`
}

// LeaderboardEntry is one ranked row in a Leaderboard snapshot.
type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	ModelID    string `json:"model_id"`
	ModelName  string `json:"model_name"`
	PlayerName string `json:"player_name"`
	Score      Score  `json:"score"`
}

// Leaderboard is a persisted ranking snapshot.
type Leaderboard struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Entries   []LeaderboardEntry `json:"entries"`
	Meta      map[string]any     `json:"meta,omitempty"`
}

// CruncherReward is one ranked participant's reward share, in frac64.
type CruncherReward struct {
	CruncherIndex int    `json:"cruncher_index"`
	ModelID       string `json:"model_id"`
	RewardPct     int64  `json:"reward_pct"`
}

// ProviderReward is a compute/data provider's reward share, in frac64.
type ProviderReward struct {
	Provider  string `json:"provider"`
	RewardPct int64  `json:"reward_pct"`
}

// EmissionCheckpoint is the reward vector handed to the out-of-scope
// on-chain submitter. Sum of CruncherRewards' RewardPct is always exactly
// FRAC_64_MULTIPLIER.
type EmissionCheckpoint struct {
	ID                     string           `json:"id"`
	CreatedAt              time.Time        `json:"created_at"`
	CrunchPubkey           string           `json:"crunch_pubkey"`
	CruncherRewards        []CruncherReward `json:"cruncher_rewards"`
	ComputeProviderRewards []ProviderReward `json:"compute_provider_rewards"`
	DataProviderRewards    []ProviderReward `json:"data_provider_rewards"`
}
