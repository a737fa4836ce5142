package contract

import (
	"fmt"
	"math"
)

// DistributionKind tags the shape of a probabilistic output a model may
// return instead of (or nested inside) a flat scalar. Rather than widen
// InferenceOutput to a polymorphic union, we keep it a recursive-descent
// tagged variant bounded by MaxDepth/MaxMixtureCount: a rejected envelope
// is a ScoringError, not a reason to loosen the type.
type DistributionKind string

const (
	DistMixture    DistributionKind = "mixture"
	DistBuiltin    DistributionKind = "builtin"
	DistStatistics DistributionKind = "statistics"
	DistScipy      DistributionKind = "scipy"
)

// DistributionComponent is one weighted member of a mixture.
type DistributionComponent struct {
	Weight  float64
	Density Distribution
}

// Distribution is a recursively-nestable density description as produced
// by model runners that return full predictive distributions instead of
// a point estimate.
type Distribution struct {
	Kind       DistributionKind
	Name       string // for "builtin": e.g. "norm"
	Params     map[string]any
	Components []DistributionComponent // for "mixture"
}

// DistributionLimits bounds the recursive descent over a Distribution so
// a malicious or buggy model cannot force unbounded recursion/allocation.
type DistributionLimits struct {
	MaxDepth        int
	MaxMixtureCount int
}

// DefaultDistributionLimits matches the depth/width a density payload
// realistically needs: one level of mixture over builtin densities.
func DefaultDistributionLimits() DistributionLimits {
	return DistributionLimits{MaxDepth: 4, MaxMixtureCount: 32}
}

// ParseDistribution decodes a raw map (as returned over the model runner
// transport) into a Distribution, validating Kind and nesting bounds.
func ParseDistribution(raw map[string]any, limits DistributionLimits) (Distribution, error) {
	return parseDistribution(raw, limits, 0)
}

func parseDistribution(raw map[string]any, limits DistributionLimits, depth int) (Distribution, error) {
	if depth > limits.MaxDepth {
		return Distribution{}, fmt.Errorf("distribution: max depth %d exceeded", limits.MaxDepth)
	}

	kind, _ := raw["type"].(string)
	switch DistributionKind(kind) {
	case DistMixture:
		rawComponents, _ := raw["components"].([]any)
		if len(rawComponents) == 0 {
			return Distribution{}, fmt.Errorf("distribution: mixture has no components")
		}
		if len(rawComponents) > limits.MaxMixtureCount {
			return Distribution{}, fmt.Errorf("distribution: mixture count %d exceeds limit %d", len(rawComponents), limits.MaxMixtureCount)
		}

		components := make([]DistributionComponent, 0, len(rawComponents))
		for _, rc := range rawComponents {
			m, ok := rc.(map[string]any)
			if !ok {
				return Distribution{}, fmt.Errorf("distribution: mixture component is not an object")
			}
			weight, _ := m["weight"].(float64)
			densityRaw, _ := m["density"].(map[string]any)
			density, err := parseDistribution(densityRaw, limits, depth+1)
			if err != nil {
				return Distribution{}, err
			}
			components = append(components, DistributionComponent{Weight: weight, Density: density})
		}
		return Distribution{Kind: DistMixture, Components: components}, nil

	case DistBuiltin, DistStatistics, DistScipy:
		name, _ := raw["name"].(string)
		params, _ := raw["params"].(map[string]any)
		return Distribution{Kind: DistributionKind(kind), Name: name, Params: params}, nil

	default:
		return Distribution{}, fmt.Errorf("distribution: unknown kind %q", kind)
	}
}

// ProbabilityUp extracts P(up) from a Distribution. Only a builtin normal
// density is understood as a base case; a mixture averages its
// components' P(up), weighted and renormalized by total weight.
func (d Distribution) ProbabilityUp() (float64, error) {
	switch d.Kind {
	case DistMixture:
		if len(d.Components) == 0 {
			return 0, fmt.Errorf("distribution: empty mixture")
		}
		var totalWeight, weightedProbability float64
		for _, c := range d.Components {
			p, err := c.Density.ProbabilityUp()
			if err != nil {
				continue
			}
			weightedProbability += c.Weight * p
			totalWeight += c.Weight
		}
		if totalWeight <= 0 {
			return 0, fmt.Errorf("distribution: mixture has no usable weight")
		}
		return weightedProbability / totalWeight, nil

	case DistBuiltin:
		if d.Name != "norm" {
			return 0, fmt.Errorf("distribution: unsupported builtin density %q", d.Name)
		}
		loc, _ := d.Params["loc"].(float64)
		scale, _ := d.Params["scale"].(float64)
		if scale <= 0 {
			switch {
			case loc > 0:
				return 1.0, nil
			case loc < 0:
				return 0.0, nil
			default:
				return 0.5, nil
			}
		}
		z := loc / scale
		return 0.5 * (1.0 + math.Erf(z/math.Sqrt2)), nil

	default:
		return 0, fmt.Errorf("distribution: cannot extract probability from kind %q", d.Kind)
	}
}
