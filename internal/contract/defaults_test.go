package contract

import (
	"testing"
	"time"

	"coordinator/internal/models"
)

func TestPercentileCap95ClosestObservation(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(i + 1) // 1..20
	}
	got := PercentileCap95(SortFloatsAsc(values))
	if got != 19 {
		t.Fatalf("expected cap at 19 (index 18 of 1..20), got %v", got)
	}
}

func TestPercentileCap95SingleValue(t *testing.T) {
	if got := PercentileCap95([]float64{7}); got != 7 {
		t.Fatalf("expected single value 7, got %v", got)
	}
}

func TestPercentileCap95Empty(t *testing.T) {
	if got := PercentileCap95(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %v", got)
	}
}

func TestSortFloatsAscDoesNotMutateInput(t *testing.T) {
	original := []float64{3, 1, 2}
	sorted := SortFloatsAsc(original)
	if original[0] != 3 || original[1] != 1 || original[2] != 2 {
		t.Fatalf("expected input slice untouched, got %v", original)
	}
	if sorted[0] != 1 || sorted[1] != 2 || sorted[2] != 3 {
		t.Fatalf("expected sorted ascending, got %v", sorted)
	}
}

func TestPctToFrac64(t *testing.T) {
	cases := []struct {
		pct  float64
		want int64
	}{
		{100, FRAC64Multiplier},
		{0, 0},
		{50, 500_000_000},
		{35, 350_000_000},
	}
	for _, c := range cases {
		if got := PctToFrac64(c.pct); got != c.want {
			t.Errorf("PctToFrac64(%v) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestDefaultBuildEmissionThreeParticipantsSumsToExactly(t *testing.T) {
	ranked := []RankedEntry{
		{Rank: 1, ModelID: "m1"},
		{Rank: 2, ModelID: "m2"},
		{Rank: 3, ModelID: "m3"},
	}
	checkpoint := DefaultBuildEmission(ranked, "pk", "", "")

	if len(checkpoint.CruncherRewards) != 3 {
		t.Fatalf("expected 3 cruncher rewards, got %d", len(checkpoint.CruncherRewards))
	}

	var sum int64
	for _, r := range checkpoint.CruncherRewards {
		sum += r.RewardPct
	}
	if sum != FRAC64Multiplier {
		t.Fatalf("expected reward sum to equal FRAC64Multiplier, got %d", sum)
	}

	// rank1: 35% tier; rank2/rank3: 10% tier each; unclaimed 45% split 3 ways (+15 each)
	// -> 50%, 25%, 25% -> 500_000_000 / 250_000_000 / 250_000_000, with rounding
	// correction landing on the first entry.
	want := []int64{500_000_000, 250_000_000, 250_000_000}
	for i, r := range checkpoint.CruncherRewards {
		if r.RewardPct != want[i] {
			t.Fatalf("rank %d: expected reward_pct %d, got %d", i+1, want[i], r.RewardPct)
		}
		if r.CruncherIndex != i {
			t.Fatalf("expected cruncher_index %d, got %d", i, r.CruncherIndex)
		}
	}
}

func TestDefaultBuildEmissionSumsExactlyAcrossCohortSizes(t *testing.T) {
	for _, n := range []int{1, 2, 5, 10, 11, 23} {
		ranked := make([]RankedEntry, n)
		for i := range ranked {
			ranked[i] = RankedEntry{Rank: i + 1, ModelID: "m"}
		}
		checkpoint := DefaultBuildEmission(ranked, "pk", "", "")
		var sum int64
		for _, r := range checkpoint.CruncherRewards {
			sum += r.RewardPct
		}
		if sum != FRAC64Multiplier {
			t.Errorf("cohort size %d: expected sum %d, got %d", n, FRAC64Multiplier, sum)
		}
	}
}

func TestDefaultBuildEmissionSetsProviderRewardsWhenPresent(t *testing.T) {
	ranked := []RankedEntry{{Rank: 1, ModelID: "m1"}}
	checkpoint := DefaultBuildEmission(ranked, "pk", "compute-1", "data-1")

	if len(checkpoint.ComputeProviderRewards) != 1 || checkpoint.ComputeProviderRewards[0].Provider != "compute-1" {
		t.Fatalf("expected compute provider reward for compute-1, got %+v", checkpoint.ComputeProviderRewards)
	}
	if checkpoint.ComputeProviderRewards[0].RewardPct != FRAC64Multiplier {
		t.Fatalf("expected compute provider reward pct FRAC64Multiplier, got %d", checkpoint.ComputeProviderRewards[0].RewardPct)
	}
	if len(checkpoint.DataProviderRewards) != 1 || checkpoint.DataProviderRewards[0].Provider != "data-1" {
		t.Fatalf("expected data provider reward for data-1, got %+v", checkpoint.DataProviderRewards)
	}
}

func TestDefaultBuildEmissionOmitsProviderRewardsWhenAbsent(t *testing.T) {
	ranked := []RankedEntry{{Rank: 1, ModelID: "m1"}}
	checkpoint := DefaultBuildEmission(ranked, "pk", "", "")
	if len(checkpoint.ComputeProviderRewards) != 0 {
		t.Fatalf("expected no compute provider rewards, got %+v", checkpoint.ComputeProviderRewards)
	}
	if len(checkpoint.DataProviderRewards) != 0 {
		t.Fatalf("expected no data provider rewards, got %+v", checkpoint.DataProviderRewards)
	}
}

func TestDefaultBuildEmissionEmptyCohort(t *testing.T) {
	checkpoint := DefaultBuildEmission(nil, "pk", "", "")
	if len(checkpoint.CruncherRewards) != 0 {
		t.Fatalf("expected no cruncher rewards for empty cohort, got %+v", checkpoint.CruncherRewards)
	}
}

func recordAt(ts time.Time, price float64) models.FeedRecord {
	return models.FeedRecord{
		Source:  "test",
		Subject: "BTC",
		Kind:    "tick",
		TsEvent: ts,
		Values:  map[string]any{"close": price},
	}
}

func TestDefaultResolveGroundTruthEntryAndResolvedPrice(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	window := []models.FeedRecord{
		recordAt(base, 100.0),
		recordAt(base.Add(30*time.Second), 105.0),
		recordAt(base.Add(60*time.Second), 110.0),
	}

	gt, err := DefaultResolveGroundTruth(window)
	if err != nil {
		t.Fatalf("DefaultResolveGroundTruth: %v", err)
	}
	if gt["entry_price"] != 100.0 {
		t.Fatalf("expected entry_price 100.0, got %v", gt["entry_price"])
	}
	if gt["resolved_price"] != 110.0 {
		t.Fatalf("expected resolved_price 110.0, got %v", gt["resolved_price"])
	}
	wantReturn := (110.0 - 100.0) / 100.0
	if gt["return"] != wantReturn {
		t.Fatalf("expected return %v, got %v", wantReturn, gt["return"])
	}
	if gt["direction_up"] != true {
		t.Fatalf("expected direction_up true, got %v", gt["direction_up"])
	}
}

func TestDefaultResolveGroundTruthDirectionDown(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	window := []models.FeedRecord{
		recordAt(base, 100.0),
		recordAt(base.Add(60*time.Second), 95.0),
	}
	gt, err := DefaultResolveGroundTruth(window)
	if err != nil {
		t.Fatalf("DefaultResolveGroundTruth: %v", err)
	}
	if gt["direction_up"] != false {
		t.Fatalf("expected direction_up false, got %v", gt["direction_up"])
	}
}

func TestDefaultResolveGroundTruthEmptyWindowIsIndeterminate(t *testing.T) {
	gt, err := DefaultResolveGroundTruth(nil)
	if err != nil {
		t.Fatalf("expected nil error for empty window, got %v", err)
	}
	if gt != nil {
		t.Fatalf("expected nil ground truth for empty window, got %+v", gt)
	}
}

func TestDefaultResolveGroundTruthMissingPriceIsIndeterminate(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	window := []models.FeedRecord{
		{Source: "test", Subject: "BTC", Kind: "tick", TsEvent: base, Values: map[string]any{"volume": 1.0}},
	}
	gt, err := DefaultResolveGroundTruth(window)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gt != nil {
		t.Fatalf("expected nil ground truth when no usable price field, got %+v", gt)
	}
}

func TestDefaultAggregateSnapshotAveragesNumericFields(t *testing.T) {
	results := []map[string]any{
		{"accuracy": 0.8, "label": "a"},
		{"accuracy": 0.6, "label": "b"},
	}
	out := DefaultAggregateSnapshot(results)
	if out["accuracy"] != 0.7 {
		t.Fatalf("expected averaged accuracy 0.7, got %v", out["accuracy"])
	}
	if _, ok := out["label"]; ok {
		t.Fatalf("expected non-numeric field dropped, got %+v", out)
	}
}

func TestDefaultAggregateSnapshotEmptyResults(t *testing.T) {
	out := DefaultAggregateSnapshot(nil)
	if len(out) != 0 {
		t.Fatalf("expected empty snapshot for no results, got %+v", out)
	}
}
