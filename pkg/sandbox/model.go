package sandbox

import (
	"math"
	"regexp"
)

// Model scores file content without executing it.
type Model interface {
	Predict(data []byte) Prediction
}

// Prediction is a model score in [0, 1] and the features that drove it.
type Prediction struct {
	Score    float64  `json:"score"`
	Features []string `json:"features,omitempty"`
}

const (
	// maxModelBytes bounds how much of a file the heuristic model reads.
	maxModelBytes = 8 << 20
	// packedEntropy is the bits-per-byte above which content looks packed
	// or encrypted.
	packedEntropy   = 7.2
	minEntropyBytes = 4096
)

type modelPattern struct {
	feature string
	weight  float64
	re      *regexp.Regexp
}

// HeuristicModel is a static model built from byte entropy and
// suspicious string patterns. It stands in for a trained classifier.
type HeuristicModel struct {
	patterns []modelPattern
}

// NewHeuristicModel compiles the default patterns.
func NewHeuristicModel() *HeuristicModel {
	return &HeuristicModel{patterns: []modelPattern{
		{"reverse_shell", 0.5, regexp.MustCompile(
			`bash\s+-i.*>&\s*/dev/tcp|nc\s+.*-e\s+/bin/(ba)?sh|python.*socket.*connect|perl.*socket.*connect|ruby.*TCPSocket|php.*fsockopen|socat.*exec|/dev/tcp/|mkfifo.*nc`)},
		{"cryptominer", 0.5, regexp.MustCompile(
			`(?i)xmrig|minerd|cpuminer|cgminer|bfgminer|ethminer|cryptonight|randomx|stratum\+tcp://`)},
		{"downloader", 0.35, regexp.MustCompile(
			`(curl|wget)\s+[^|;\n]*\|\s*(ba)?sh|chmod\s+\+x\s+/tmp/`)},
		{"persistence_strings", 0.25, regexp.MustCompile(
			`/etc/crontab|/var/spool/cron|/etc/rc\.local|\.ssh/authorized_keys|/etc/ld\.so\.preload`)},
		{"shell_spawn", 0.2, regexp.MustCompile(
			`/bin/(ba|z|da)?sh\s+-(i|il|li)\b`)},
	}}
}

// Predict scores data. Scores from independent features add up and are
// capped at 1.
func (m *HeuristicModel) Predict(data []byte) Prediction {
	if len(data) > maxModelBytes {
		data = data[:maxModelBytes]
	}
	var p Prediction
	for _, pat := range m.patterns {
		if pat.re.Match(data) {
			p.Score += pat.weight
			p.Features = append(p.Features, pat.feature)
		}
	}
	if len(data) >= minEntropyBytes && Entropy(data) >= packedEntropy {
		p.Score += 0.3
		p.Features = append(p.Features, "high_entropy")
	}
	p.Score = math.Min(1, p.Score)
	return p
}

// Entropy returns the Shannon entropy of data in bits per byte.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
