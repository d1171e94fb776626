package sandbox

import (
	"fmt"
	"math"
	"strings"

	"github.com/invisible-tech/download-sentinel/internal/types"
)

// Weights are the fusion weights for the three detection signals.
type Weights struct {
	Signature  float64 `yaml:"signature"`
	Model      float64 `yaml:"model"`
	Behavioral float64 `yaml:"behavioral"`
}

// DefaultWeights favors exact signatures, then the model, then behavior.
func DefaultWeights() Weights {
	return Weights{Signature: 0.40, Model: 0.35, Behavioral: 0.25}
}

// Validate checks that every weight is in [0, 1] and they sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Signature, w.Model, w.Behavioral} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: weight %v out of range", ErrInvalidWeights, v)
		}
	}
	if sum := w.Signature + w.Model + w.Behavioral; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: got %.6f", ErrInvalidWeights, sum)
	}
	return nil
}

// Thresholds are the composite-score lower bounds of each level above
// Benign. They must be strictly increasing.
type Thresholds struct {
	Suspicious float64 `yaml:"suspicious"`
	Malicious  float64 `yaml:"malicious"`
	Critical   float64 `yaml:"critical"`
}

// DefaultThresholds returns 0.3 / 0.6 / 0.8.
func DefaultThresholds() Thresholds {
	return Thresholds{Suspicious: 0.3, Malicious: 0.6, Critical: 0.8}
}

// Validate checks the thresholds are increasing and inside (0, 1].
func (t Thresholds) Validate() error {
	if !(0 < t.Suspicious && t.Suspicious < t.Malicious && t.Malicious < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("thresholds must satisfy 0 < suspicious < malicious < critical <= 1, got %+v", t)
	}
	return nil
}

// Level maps a composite score to a threat level.
func (t Thresholds) Level(score float64) types.ThreatLevel {
	switch {
	case score < t.Suspicious:
		return types.ThreatBenign
	case score < t.Malicious:
		return types.ThreatSuspicious
	case score < t.Critical:
		return types.ThreatMalicious
	default:
		return types.ThreatCritical
	}
}

// Signals are the per-detector inputs to a verdict.
type Signals struct {
	Signature  float64
	Model      float64
	Behavioral float64
	// HashMatch is set when the file matched an exact hash rule.
	HashMatch bool

	Behaviors []string
	Rules     []string
}

// VerdictEngine fuses detector scores into a types.Verdict.
type VerdictEngine struct {
	weights    Weights
	thresholds Thresholds
}

// NewVerdictEngine validates weights and thresholds.
func NewVerdictEngine(w Weights, t Thresholds) (*VerdictEngine, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &VerdictEngine{weights: w, thresholds: t}, nil
}

// Thresholds returns the engine's level thresholds.
func (e *VerdictEngine) Thresholds() Thresholds {
	return e.thresholds
}

// Composite returns the weighted score clamped to [0, 1].
func (e *VerdictEngine) Composite(s Signals) float64 {
	c := clamp01(s.Signature)*e.weights.Signature +
		clamp01(s.Model)*e.weights.Model +
		clamp01(s.Behavioral)*e.weights.Behavioral
	return clamp01(c)
}

// Confidence measures detector agreement: 1 − min(1, 2·stddev), raised
// to 0.9 when all three scores are clearly high or clearly low.
func Confidence(s Signals) float64 {
	a, b, c := clamp01(s.Signature), clamp01(s.Model), clamp01(s.Behavioral)
	mean := (a + b + c) / 3
	variance := ((a-mean)*(a-mean) + (b-mean)*(b-mean) + (c-mean)*(c-mean)) / 3
	conf := 1 - math.Min(1, 2*math.Sqrt(variance))
	if (a > 0.8 && b > 0.8 && c > 0.8) || (a < 0.2 && b < 0.2 && c < 0.2) {
		conf = math.Max(conf, 0.9)
	}
	return clamp01(conf)
}

// Verdict builds the final verdict for s.
func (e *VerdictEngine) Verdict(s Signals) types.Verdict {
	composite := e.Composite(s)
	level := e.thresholds.Level(composite)
	if s.HashMatch && level < types.ThreatMalicious {
		level = types.ThreatMalicious
	}
	return types.Verdict{
		ThreatLevel:       level,
		Confidence:        Confidence(s),
		CompositeScore:    composite,
		SignatureScore:    clamp01(s.Signature),
		MLScore:           clamp01(s.Model),
		BehavioralScore:   clamp01(s.Behavioral),
		DetectedBehaviors: append([]string{}, s.Behaviors...),
		TriggeredRules:    append([]string{}, s.Rules...),
		Explanation:       explain(level, composite, s),
	}
}

func explain(level types.ThreatLevel, composite float64, s Signals) string {
	var sb strings.Builder
	switch level {
	case types.ThreatBenign:
		sb.WriteString("File appears clean. ")
	case types.ThreatSuspicious:
		sb.WriteString("File exhibits suspicious behavior. ")
	case types.ThreatMalicious:
		sb.WriteString("File is likely malicious. ")
	case types.ThreatCritical:
		sb.WriteString("CRITICAL THREAT DETECTED. ")
	}
	fmt.Fprintf(&sb, "Overall threat score: %.0f%%. ", composite*100)

	sig, model, beh := clamp01(s.Signature), clamp01(s.Model), clamp01(s.Behavioral)
	top := math.Max(sig, math.Max(model, beh))
	switch {
	case top == sig && sig > 0.5:
		fmt.Fprintf(&sb, "Pattern matching detected malware signatures (%.0f%%). ", sig*100)
	case top == model && model > 0.5:
		fmt.Fprintf(&sb, "Machine learning model flagged malicious features (%.0f%%). ", model*100)
	case top == beh && beh > 0.5:
		fmt.Fprintf(&sb, "Behavioral analysis detected suspicious runtime activity (%.0f%%). ", beh*100)
	}

	high := 0
	for _, v := range []float64{sig, model, beh} {
		if v > 0.5 {
			high++
		}
	}
	if high >= 2 {
		sb.WriteString("Multiple detection methods agree. ")
	}
	return strings.TrimSpace(sb.String())
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
