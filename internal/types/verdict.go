// Package types defines the verdict types shared by the sandbox, the
// quarantine store and the HTTP API.
package types

import (
	"fmt"
	"strings"
)

// ThreatLevel is the ordered classification of an analyzed file.
type ThreatLevel int

const (
	ThreatBenign ThreatLevel = iota
	ThreatSuspicious
	ThreatMalicious
	ThreatCritical
)

var threatLevelNames = [...]string{"Benign", "Suspicious", "Malicious", "Critical"}

func (l ThreatLevel) String() string {
	if l < ThreatBenign || l > ThreatCritical {
		return fmt.Sprintf("ThreatLevel(%d)", int(l))
	}
	return threatLevelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l ThreatLevel) Valid() bool {
	return l >= ThreatBenign && l <= ThreatCritical
}

// MarshalText encodes the level by name so JSON and YAML stay readable.
func (l ThreatLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid threat level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText accepts a level name in any case.
func (l *ThreatLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseThreatLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseThreatLevel parses a level name such as "malicious".
func ParseThreatLevel(s string) (ThreatLevel, error) {
	name := strings.TrimSpace(s)
	for i, n := range threatLevelNames {
		if strings.EqualFold(n, name) {
			return ThreatLevel(i), nil
		}
	}
	return ThreatBenign, fmt.Errorf("unknown threat level %q", s)
}

// Verdict is the outcome of analyzing one file. It is created once per
// analysis and not modified afterwards.
type Verdict struct {
	ThreatLevel       ThreatLevel `json:"threat_level"`
	Confidence        float64     `json:"confidence"`
	CompositeScore    float64     `json:"composite_score"`
	SignatureScore    float64     `json:"signature_score"`
	MLScore           float64     `json:"ml_score"`
	BehavioralScore   float64     `json:"behavioral_score"`
	DetectedBehaviors []string    `json:"detected_behaviors"`
	TriggeredRules    []string    `json:"triggered_rules"`
	Explanation       string      `json:"explanation"`
}

// Summary renders the one-line reason stored with quarantine records.
func (v *Verdict) Summary() string {
	return fmt.Sprintf("Threat Level: %s | Confidence: %d%% | Behaviors: %d | Rules: %d",
		v.ThreatLevel, int(v.Confidence*100+0.5), len(v.DetectedBehaviors), len(v.TriggeredRules))
}
