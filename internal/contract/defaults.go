package contract

import (
	"math"
	"sort"

	"coordinator/internal/models"
)

// FRAC64Multiplier is 100% in the on-chain frac64 fixed-point
// representation used by EmissionCheckpoint reward vectors.
const FRAC64Multiplier int64 = 1_000_000_000

// PctToFrac64 converts a percentage in [0, 100] to its frac64 value.
func PctToFrac64(pct float64) int64 {
	return int64(math.Round(pct / 100.0 * float64(FRAC64Multiplier)))
}

// DefaultResolveGroundTruth compares the first and last feed record's
// close/price in the resolving window. It returns (nil, nil) when the
// window is empty or either the first or the last record lacks a usable
// price, signaling
// "indeterminate, retry next cycle" to the caller.
func DefaultResolveGroundTruth(window []models.FeedRecord) (map[string]any, error) {
	if len(window) < 1 {
		return nil, nil
	}

	entryPrice, ok := priceOf(window[0])
	if !ok {
		return nil, nil
	}
	resolvedPrice, ok := priceOf(window[len(window)-1])
	if !ok {
		return nil, nil
	}

	denom := math.Abs(entryPrice)
	if denom < 1e-9 {
		denom = 1e-9
	}

	return map[string]any{
		"entry_price":    entryPrice,
		"resolved_price": resolvedPrice,
		"return":         (resolvedPrice - entryPrice) / denom,
		"direction_up":   resolvedPrice > entryPrice,
	}, nil
}

func priceOf(record models.FeedRecord) (float64, bool) {
	for _, key := range []string{"close", "price"} {
		v, ok := record.Values[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}

// DefaultAggregateSnapshot averages every numeric field across a set of
// score results, ignoring non-numeric entries. Used for historical
// snapshot rollups, independent of the windowed per-model metrics computed
// by internal/scoring.
func DefaultAggregateSnapshot(results []map[string]any) map[string]any {
	if len(results) == 0 {
		return map[string]any{}
	}

	totals := map[string]float64{}
	counts := map[string]int{}
	for _, result := range results {
		for key, v := range result {
			switch n := v.(type) {
			case float64:
				totals[key] += n
				counts[key]++
			case int:
				totals[key] += float64(n)
				counts[key]++
			}
		}
	}

	out := map[string]any{}
	for key, total := range totals {
		out[key] = total / float64(counts[key])
	}
	return out
}

// EmissionTier is (rank_start, rank_end inclusive, pct_of_100). Exported
// so internal/config can decode an operator-supplied tier table from
// YAML instead of being stuck with DefaultTiers.
type EmissionTier struct {
	Start, End int
	Pct        float64
}

// DefaultTiers is the reward distribution: rank 1 gets 35%, ranks 2-5 get
// 10% each, ranks 6-10 get 5% each. The bands sum to 100%, so the
// unclaimed-percentage redistribution below only applies to cohorts of
// fewer than 10 entries; ranks beyond 10 get 0%.
var DefaultTiers = []EmissionTier{
	{1, 1, 35.0},
	{2, 5, 10.0},
	{6, 10, 5.0},
}

// NewBuildEmission returns a BuildEmission callable parameterized on a
// tier table, so a deployment can run a different reward curve than
// DefaultTiers without forking this function. It assigns each ranked
// entry its tier percentage, redistributes any unclaimed percentage
// equally among all ranked entries (this is what makes small cohorts sum
// to 100% without leaving money on the table), converts to frac64, and
// nudges the first entry so the exact sum is FRAC_64_MULTIPLIER despite
// rounding.
func NewBuildEmission(tiers []EmissionTier) func(ranked []RankedEntry, crunchPubkey, computeProvider, dataProvider string) models.EmissionCheckpoint {
	return func(ranked []RankedEntry, crunchPubkey, computeProvider, dataProvider string) models.EmissionCheckpoint {
		rawPcts := make([]float64, len(ranked))
		for i, entry := range ranked {
			for _, tier := range tiers {
				if entry.Rank >= tier.Start && entry.Rank <= tier.End {
					rawPcts[i] = tier.Pct
					break
				}
			}
		}

		total := 0.0
		for _, pct := range rawPcts {
			total += pct
		}
		if total < 100.0 && len(ranked) > 0 {
			remainderEach := (100.0 - total) / float64(len(ranked))
			for i := range rawPcts {
				rawPcts[i] += remainderEach
			}
		}

		frac64s := make([]int64, len(rawPcts))
		var sum int64
		for i, pct := range rawPcts {
			frac64s[i] = PctToFrac64(pct)
			sum += frac64s[i]
		}
		if len(frac64s) > 0 {
			frac64s[0] += FRAC64Multiplier - sum
		}

		cruncherRewards := make([]models.CruncherReward, len(ranked))
		for i, entry := range ranked {
			cruncherRewards[i] = models.CruncherReward{
				CruncherIndex: i,
				ModelID:       entry.ModelID,
				RewardPct:     frac64s[i],
			}
		}

		var computeRewards []models.ProviderReward
		if computeProvider != "" {
			computeRewards = append(computeRewards, models.ProviderReward{Provider: computeProvider, RewardPct: FRAC64Multiplier})
		}
		var dataRewards []models.ProviderReward
		if dataProvider != "" {
			dataRewards = append(dataRewards, models.ProviderReward{Provider: dataProvider, RewardPct: FRAC64Multiplier})
		}

		return models.EmissionCheckpoint{
			CrunchPubkey:           crunchPubkey,
			CruncherRewards:        cruncherRewards,
			ComputeProviderRewards: computeRewards,
			DataProviderRewards:    dataRewards,
		}
	}
}

// DefaultBuildEmission is NewBuildEmission(DefaultTiers), kept as a
// package-level value so NewDefault() doesn't need to allocate a closure
// at every call site.
var DefaultBuildEmission = NewBuildEmission(DefaultTiers)

// PercentileCap95 returns the value at the "closest observation" 95th
// percentile position of a sorted ascending slice: index
// ceil(0.95*N)-1, 0-indexed. This is the exact algorithm named in the
// spec rather than a statistics-library quantile call, so the rounding
// convention stays pinned regardless of library version.
func PercentileCap95(sortedAsc []float64) float64 {
	n := len(sortedAsc)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sortedAsc[idx]
}

// SortFloatsAsc returns an ascending copy of values for PercentileCap95,
// leaving the input slice untouched. It sorts with sort.Float64s, which
// orders NaN values first.
func SortFloatsAsc(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}
