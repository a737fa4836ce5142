// Package config loads the coordinator's static YAML configuration —
// scheduled prediction configs, contract aggregation windows, and
// emission tiers — the same way the teacher's internal/config.Load reads
// a single YAML file, plus a set of env-var helpers used by cmd/* the
// way main.go's inline getEnvInt/getEnvInt64/getEnvUint closures are
// used throughout the teacher's startup sequence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coordinator/internal/contract"
	"coordinator/internal/models"
)

// ScheduledPredictionConfig mirrors models.ScheduledPredictionConfig in
// YAML-friendly form: Steps is a plain []int64 and ScopeTemplate/Params
// are flattened instead of nested Go structs, so an operator's config
// file stays readable.
type ScheduledPredictionConfig struct {
	ID            string         `yaml:"id"`
	ScopeKey      string         `yaml:"scope_key"`
	ScopeTemplate map[string]any `yaml:"scope_template"`
	Asset         string         `yaml:"asset"`
	Horizon       int            `yaml:"horizon_seconds"`
	Steps         []int64        `yaml:"step_seconds"`
	EverySeconds  float64        `yaml:"every_seconds"`
	Active        bool           `yaml:"active"`
	Order         int            `yaml:"config_order"`
}

// ToModel converts a YAML-decoded config to its persistence/runtime
// shape.
func (c ScheduledPredictionConfig) ToModel() models.ScheduledPredictionConfig {
	return models.ScheduledPredictionConfig{
		ID:            c.ID,
		ScopeKey:      c.ScopeKey,
		ScopeTemplate: c.ScopeTemplate,
		Params:        models.PredictionParams{Asset: c.Asset, Horizon: c.Horizon, Steps: c.Steps},
		EverySeconds:  c.EverySeconds,
		Active:        c.Active,
		Order:         c.Order,
	}
}

// AggregationWindow mirrors contract.AggregationWindow for YAML decoding.
type AggregationWindow struct {
	Hours int `yaml:"hours"`
}

// EmissionTier mirrors contract.EmissionTier for YAML decoding.
type EmissionTier struct {
	Start int     `yaml:"rank_start"`
	End   int     `yaml:"rank_end"`
	Pct   float64 `yaml:"pct"`
}

// Aggregation mirrors contract.Aggregation for YAML decoding.
type Aggregation struct {
	Windows          map[string]AggregationWindow `yaml:"windows"`
	RankingKey       string                       `yaml:"ranking_key"`
	RankingDirection string                       `yaml:"ranking_direction"`
}

// ToContract converts a YAML-decoded Aggregation to its runtime shape,
// falling back to contract.DefaultAggregation when the file left it
// unset (a zero-value Windows map would otherwise silently disable
// every rolling-window metric).
func (a Aggregation) ToContract() contract.Aggregation {
	if len(a.Windows) == 0 {
		return contract.DefaultAggregation()
	}
	windows := make(map[string]contract.AggregationWindow, len(a.Windows))
	for name, w := range a.Windows {
		windows[name] = contract.AggregationWindow{Hours: w.Hours}
	}
	direction := a.RankingDirection
	if direction == "" {
		direction = "desc"
	}
	return contract.Aggregation{Windows: windows, RankingKey: a.RankingKey, RankingDirection: direction}
}

// Config is the coordinator's static YAML configuration: everything
// that describes WHAT to schedule and how to aggregate/reward it, as
// opposed to deployment knobs (ports, URLs, worker counts), which stay
// in env vars per the Ambient Stack convention.
type Config struct {
	ScheduledConfigs []ScheduledPredictionConfig `yaml:"scheduled_prediction_configs"`
	Aggregation      Aggregation                 `yaml:"aggregation"`
	EmissionTiers    []EmissionTier              `yaml:"emission_tiers"`
	CrunchPubkey     string                      `yaml:"crunch_pubkey"`
	ComputeProvider  string                      `yaml:"compute_provider"`
	DataProvider     string                      `yaml:"data_provider"`
}

// Load reads and decodes path the same way the teacher's
// internal/config.Load does: read the whole file, yaml.Unmarshal into
// the struct, return the pointer.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ScheduledPredictionConfigModels converts every decoded scheduled
// config to its models.ScheduledPredictionConfig form.
func (c *Config) ScheduledPredictionConfigModels() []models.ScheduledPredictionConfig {
	out := make([]models.ScheduledPredictionConfig, len(c.ScheduledConfigs))
	for i, sc := range c.ScheduledConfigs {
		out[i] = sc.ToModel()
	}
	return out
}

// EmissionTierContracts converts the decoded tier table to its
// contract.EmissionTier form, or nil when the file left it unset (the
// caller should fall back to contract.DefaultTiers in that case).
func (c *Config) EmissionTierContracts() []contract.EmissionTier {
	if len(c.EmissionTiers) == 0 {
		return nil
	}
	out := make([]contract.EmissionTier, len(c.EmissionTiers))
	for i, t := range c.EmissionTiers {
		out[i] = contract.EmissionTier{Start: t.Start, End: t.End, Pct: t.Pct}
	}
	return out
}

// String returns an env var's raw value, or def if unset/empty —
// generalizes the teacher's inline os.Getenv-with-fallback lines used
// throughout main.go for DB_URL, FLOW_ACCESS_NODE, PORT, etc.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int parses an env var as an int, falling back to def on absence or a
// parse error — the exported equivalent of main.go's local getEnvInt
// closure.
func Int(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Int64 is Int for int64-valued env vars (heights, offsets), mirroring
// main.go's getEnvInt64.
func Int64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// Float parses an env var as a float64, falling back to def.
func Float(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

// Bool parses an env var as a bool the way main.go's
// ENABLE_*_WORKER/RAW_ONLY flags do: compared against "true"/"false"
// literals, not strconv.ParseBool's wider vocabulary, so operators get
// one unambiguous spelling.
func Bool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}

// Duration parses an env var as a Go duration string (e.g. "30s",
// "10m"), falling back to def.
func Duration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

var dsnPasswordPattern = regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)

// RedactDatabaseURL masks a connection string's password before it is
// logged, the same best-effort URL-then-regex fallback the teacher's
// main.go redactDatabaseURL uses.
func RedactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		u.RawQuery = ""
		return u.String()
	}

	if dsnPasswordPattern.MatchString(raw) {
		return dsnPasswordPattern.ReplaceAllString(raw, `$1:****@`)
	}
	return raw
}

// StringSlice splits a comma-separated env var, trimming whitespace and
// dropping empty entries, falling back to def when unset.
func StringSlice(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
