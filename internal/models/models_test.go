package models

import "testing"

func TestPredictionParamsKeyIncludesAssetHorizonAndSteps(t *testing.T) {
	p := PredictionParams{Asset: "BTC", Horizon: 60, Steps: []int64{15, 30, 45, 60}}
	got := p.Key()
	want := "BTC:60:15:30:45:60"
	if got != want {
		t.Fatalf("expected key %q, got %q", want, got)
	}
}

func TestPredictionParamsKeyDistinguishesDifferentSteps(t *testing.T) {
	a := PredictionParams{Asset: "BTC", Horizon: 60, Steps: []int64{15, 30}}
	b := PredictionParams{Asset: "BTC", Horizon: 60, Steps: []int64{15, 45}}
	if a.Key() == b.Key() {
		t.Fatalf("expected different step sequences to produce different keys, both got %q", a.Key())
	}
}

func TestPredictionParamsKeyNoSteps(t *testing.T) {
	p := PredictionParams{Asset: "ETH", Horizon: 30}
	if got, want := p.Key(), "ETH:30"; got != want {
		t.Fatalf("expected key %q, got %q", want, got)
	}
}

func TestItoaZero(t *testing.T) {
	if got := itoa(0); got != "0" {
		t.Fatalf("expected \"0\", got %q", got)
	}
}

func TestItoaPositive(t *testing.T) {
	if got := itoa(12345); got != "12345" {
		t.Fatalf("expected \"12345\", got %q", got)
	}
}

func TestItoaNegative(t *testing.T) {
	if got := itoa(-42); got != "-42" {
		t.Fatalf("expected \"-42\", got %q", got)
	}
}
