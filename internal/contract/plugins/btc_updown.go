// Package plugins ships concrete CrunchContract callables grounded in the
// original starter challenge's BTC up/down tracker: extract P(up) from
// either a direct scalar or a nested density payload, score against
// realized ground truth two ways, and resolve that ground truth from Pyth
// Hermes spot prices.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coordinator/internal/contract"
)

// BTCUpDownScoringFunction scores each prediction as a Brier-complement
// (1 - brier_loss) against a binary "did price go up" outcome. Higher is
// better, as with ScorePositionReturn below and unlike a lower-is-better
// loss — the point being that ranking direction is a property of the
// function, not a system-wide constant.
func BTCUpDownScoringFunction(output map[string]any, groundTruth map[string]any) contract.ScoreResult {
	pUp, err := extractProbabilityUp(output)
	if err != nil {
		return failure(err)
	}

	yUp, _ := groundTruth["direction_up"].(bool)
	yValue := 0.0
	if yUp {
		yValue = 1.0
	}

	loss := (pUp - yValue) * (pUp - yValue)
	value := 1.0 - loss
	return contract.ScoreResult{Value: &value, Success: true}
}

// ScorePositionReturn converts p_up into a position in [-1, 1] and scores
// the realized strategy return: position * (resolved-entry)/entry. Higher
// is better: a long position on a rising market scores positive.
func ScorePositionReturn(output map[string]any, groundTruth map[string]any) contract.ScoreResult {
	pUp, err := extractProbabilityUp(output)
	if err != nil {
		return failure(err)
	}

	entryPrice, ok1 := groundTruth["entry_price"].(float64)
	resolvedPrice, ok2 := groundTruth["resolved_price"].(float64)
	if !ok1 || !ok2 {
		return failure(fmt.Errorf("ground truth must include entry_price and resolved_price"))
	}
	if entryPrice <= 0 {
		return failure(fmt.Errorf("entry_price must be > 0"))
	}

	marketReturn := (resolvedPrice - entryPrice) / entryPrice
	position := 2.0*pUp - 1.0
	value := position * marketReturn
	return contract.ScoreResult{Value: &value, Success: true}
}

func failure(err error) contract.ScoreResult {
	reason := err.Error()
	return contract.ScoreResult{Success: false, FailedReason: &reason}
}

func extractProbabilityUp(output map[string]any) (float64, error) {
	if raw, ok := output["p_up"]; ok {
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		}
	}

	if resultRaw, ok := output["result"].([]any); ok && len(resultRaw) > 0 {
		if densityRaw, ok := resultRaw[0].(map[string]any); ok {
			dist, err := contract.ParseDistribution(densityRaw, contract.DefaultDistributionLimits())
			if err != nil {
				return 0, err
			}
			return dist.ProbabilityUp()
		}
	}

	return 0, fmt.Errorf("inference output: could not extract a valid p_up")
}

// PythHermesClient fetches the latest BTC/USD price from Pyth's Hermes
// service, the default ground-truth source for the BTC up/down challenge.
type PythHermesClient struct {
	BaseURL        string
	TimeoutSeconds float64
	HTTPClient     *http.Client
}

const btcUSDPythFeedID = "0xe62df6c8b4a85fe1cc8b337a5f8854d9c1f5f59e4cb4ce8b063a492f6ed5b5b6"

// NewPythHermesClient builds a client, defaulting an empty baseURL to
// https://hermes.pyth.network and a non-positive timeout to 5 seconds.
// internal/feed/providers passes its FEED_OPT_base_url and
// FEED_OPT_timeout_seconds settings here.
func NewPythHermesClient(baseURL string, timeoutSeconds float64) *PythHermesClient {
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	return &PythHermesClient{
		BaseURL:        baseURL,
		TimeoutSeconds: timeoutSeconds,
		HTTPClient:     &http.Client{Timeout: time.Duration(timeoutSeconds * float64(time.Second))},
	}
}

// LatestPrice returns the decoded spot price, confidence, and publish time
// for the configured BTC/USD feed.
func (c *PythHermesClient) LatestPrice(ctx context.Context) (price, confidence float64, publishTime int64, err error) {
	url := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s&parsed=true", trimRight(c.BaseURL, '/'), btcUSDPythFeedID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, 0, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("pyth hermes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, 0, fmt.Errorf("pyth hermes: status %s: %s", resp.Status, string(body))
	}

	var payload struct {
		Parsed []struct {
			Price struct {
				Price       string `json:"price"`
				Conf        string `json:"conf"`
				Expo        int    `json:"expo"`
				PublishTime int64  `json:"publish_time"`
			} `json:"price"`
		} `json:"parsed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, 0, 0, fmt.Errorf("pyth hermes: decode: %w", err)
	}
	if len(payload.Parsed) == 0 {
		return 0, 0, 0, fmt.Errorf("pyth hermes: empty parsed payload")
	}

	p := payload.Parsed[0].Price
	scale := pow10(p.Expo)
	rawPrice, _ := parseSignedDecimal(p.Price)
	rawConf, _ := parseSignedDecimal(p.Conf)

	return rawPrice * scale, rawConf * scale, p.PublishTime, nil
}

func trimRight(s string, c byte) string {
	for len(s) > 0 && s[len(s)-1] == c {
		s = s[:len(s)-1]
	}
	return s
}

func pow10(expo int) float64 {
	result := 1.0
	if expo >= 0 {
		for i := 0; i < expo; i++ {
			result *= 10
		}
		return result
	}
	for i := 0; i < -expo; i++ {
		result /= 10
	}
	return result
}

func parseSignedDecimal(s string) (float64, error) {
	var v float64
	_, err := fmt.Sscanf(s, "%f", &v)
	return v, err
}
