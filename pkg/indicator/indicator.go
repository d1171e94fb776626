// Package indicator defines indicators of compromise and the store
// contract the feed clients persist them through.
package indicator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrDuplicate is returned by Store when an indicator with the same value
// already exists. Existing records are never overwritten.
var ErrDuplicate = errors.New("indicator already exists")

// Type classifies an indicator.
type Type string

const (
	TypeFileHash Type = "file_hash"
	TypeDomain   Type = "domain"
	TypeIP       Type = "ip"
	TypeURL      Type = "url"
)

// Valid reports whether t is one of the known indicator types.
func (t Type) Valid() bool {
	switch t {
	case TypeFileHash, TypeDomain, TypeIP, TypeURL:
		return true
	}
	return false
}

// Indicator is a single IOC. Value is the unique key.
type Indicator struct {
	Type        Type      `json:"type"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source"`
}

// Normalize trims the value and lowercases values whose case carries no meaning.
func (i Indicator) Normalize() Indicator {
	i.Value = strings.TrimSpace(i.Value)
	switch i.Type {
	case TypeFileHash, TypeDomain:
		i.Value = strings.ToLower(i.Value)
	}
	return i
}

// Query selects indicators. Zero-valued fields match anything.
type Query struct {
	Type   Type
	Source string
	// Since keeps only indicators created strictly after this instant.
	Since time.Time
}

// Matches reports whether ind satisfies q.
func (q Query) Matches(ind Indicator) bool {
	if q.Type != "" && ind.Type != q.Type {
		return false
	}
	if q.Source != "" && ind.Source != q.Source {
		return false
	}
	if !q.Since.IsZero() && !ind.CreatedAt.After(q.Since) {
		return false
	}
	return true
}

// Store persists indicators.
type Store interface {
	Store(ctx context.Context, ind Indicator) error
	Search(ctx context.Context, q Query) ([]Indicator, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Indicator
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Indicator)}
}

// Store inserts ind, returning ErrDuplicate if its value is already present.
func (s *MemoryStore) Store(_ context.Context, ind Indicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[ind.Value]; ok {
		return ErrDuplicate
	}
	s.items[ind.Value] = ind
	return nil
}

// Search returns the indicators matching q, oldest first.
func (s *MemoryStore) Search(_ context.Context, q Query) ([]Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Indicator
	for _, ind := range s.items {
		if q.Matches(ind) {
			out = append(out, ind)
		}
	}
	sortIndicators(out)
	return out, nil
}

// Len returns the number of stored indicators.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func sortIndicators(inds []Indicator) {
	sort.Slice(inds, func(a, b int) bool {
		if !inds[a].CreatedAt.Equal(inds[b].CreatedAt) {
			return inds[a].CreatedAt.Before(inds[b].CreatedAt)
		}
		return inds[a].Value < inds[b].Value
	})
}
