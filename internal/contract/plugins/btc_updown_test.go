package plugins

import (
	"testing"
)

func TestBTCUpDownScoringFunctionPerfectPrediction(t *testing.T) {
	output := map[string]any{"p_up": 1.0}
	groundTruth := map[string]any{"direction_up": true}

	result := BTCUpDownScoringFunction(output, groundTruth)
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.FailedReason)
	}
	if *result.Value != 1.0 {
		t.Fatalf("expected score 1.0 for perfect confident prediction, got %v", *result.Value)
	}
}

func TestBTCUpDownScoringFunctionWrongConfidentPrediction(t *testing.T) {
	output := map[string]any{"p_up": 1.0}
	groundTruth := map[string]any{"direction_up": false}

	result := BTCUpDownScoringFunction(output, groundTruth)
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.FailedReason)
	}
	if *result.Value != 0.0 {
		t.Fatalf("expected score 0.0 for confidently wrong prediction, got %v", *result.Value)
	}
}

func TestBTCUpDownScoringFunctionCoinFlip(t *testing.T) {
	output := map[string]any{"p_up": 0.5}
	groundTruth := map[string]any{"direction_up": true}

	result := BTCUpDownScoringFunction(output, groundTruth)
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.FailedReason)
	}
	if *result.Value != 0.75 {
		t.Fatalf("expected score 0.75 (1 - 0.25 brier loss) for coin flip, got %v", *result.Value)
	}
}

func TestBTCUpDownScoringFunctionMissingPUp(t *testing.T) {
	result := BTCUpDownScoringFunction(map[string]any{}, map[string]any{"direction_up": true})
	if result.Success {
		t.Fatal("expected failure when output has no usable p_up")
	}
}

func TestBTCUpDownScoringFunctionExtractsFromDensity(t *testing.T) {
	output := map[string]any{
		"result": []any{
			map[string]any{"type": "builtin", "name": "norm", "params": map[string]any{"loc": 5.0, "scale": 0.0}},
		},
	}
	result := BTCUpDownScoringFunction(output, map[string]any{"direction_up": true})
	if !result.Success {
		t.Fatalf("expected success extracting p_up from density, got failure: %v", result.FailedReason)
	}
	if *result.Value != 1.0 {
		t.Fatalf("expected score 1.0 for confidently-up density matching actual up, got %v", *result.Value)
	}
}

func TestScorePositionReturnLongAndRight(t *testing.T) {
	output := map[string]any{"p_up": 1.0}
	groundTruth := map[string]any{"entry_price": 100.0, "resolved_price": 110.0}

	result := ScorePositionReturn(output, groundTruth)
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.FailedReason)
	}
	if *result.Value != 0.1 {
		t.Fatalf("expected position return 0.1 (full long, +10%% market move), got %v", *result.Value)
	}
}

func TestScorePositionReturnShortAndRight(t *testing.T) {
	output := map[string]any{"p_up": 0.0}
	groundTruth := map[string]any{"entry_price": 100.0, "resolved_price": 90.0}

	result := ScorePositionReturn(output, groundTruth)
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.FailedReason)
	}
	if *result.Value != 0.1 {
		t.Fatalf("expected position return 0.1 (full short, -10%% market move), got %v", *result.Value)
	}
}

func TestScorePositionReturnNeutralPosition(t *testing.T) {
	output := map[string]any{"p_up": 0.5}
	groundTruth := map[string]any{"entry_price": 100.0, "resolved_price": 110.0}

	result := ScorePositionReturn(output, groundTruth)
	if !result.Success {
		t.Fatalf("expected success, got failure: %v", result.FailedReason)
	}
	if *result.Value != 0.0 {
		t.Fatalf("expected position return 0.0 for a fully neutral position, got %v", *result.Value)
	}
}

func TestScorePositionReturnRejectsMissingGroundTruth(t *testing.T) {
	output := map[string]any{"p_up": 0.5}
	result := ScorePositionReturn(output, map[string]any{})
	if result.Success {
		t.Fatal("expected failure when ground truth lacks entry/resolved price")
	}
}

func TestScorePositionReturnRejectsZeroEntryPrice(t *testing.T) {
	output := map[string]any{"p_up": 0.5}
	groundTruth := map[string]any{"entry_price": 0.0, "resolved_price": 10.0}
	result := ScorePositionReturn(output, groundTruth)
	if result.Success {
		t.Fatal("expected failure for non-positive entry_price")
	}
}

func TestNewPythHermesClientDefaults(t *testing.T) {
	client := NewPythHermesClient("", 0)
	if client.BaseURL != "https://hermes.pyth.network" {
		t.Fatalf("expected default base URL, got %q", client.BaseURL)
	}
	if client.TimeoutSeconds != 5 {
		t.Fatalf("expected default timeout 5s, got %v", client.TimeoutSeconds)
	}
}

func TestNewPythHermesClientCustom(t *testing.T) {
	client := NewPythHermesClient("https://example.test/", 2.5)
	if client.BaseURL != "https://example.test/" {
		t.Fatalf("expected custom base URL preserved, got %q", client.BaseURL)
	}
	if client.TimeoutSeconds != 2.5 {
		t.Fatalf("expected custom timeout 2.5s, got %v", client.TimeoutSeconds)
	}
}
