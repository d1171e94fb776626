package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/invisible-tech/download-sentinel/pkg/ratelimit"
)

// DefaultReputationBaseURL is the VirusTotal v3 API root.
const DefaultReputationBaseURL = "https://www.virustotal.com/api/v3"

const (
	// MaliciousRatio is the detection ratio at or above which a resource is malicious.
	MaliciousRatio = 0.10
	// SuspiciousScore is the threat score at or above which a non-malicious resource is suspicious.
	SuspiciousScore = 0.05

	maxVendorVerdicts = 10
	// flightTimeout bounds one shared lookup, quota wait included.
	flightTimeout = 2 * time.Minute

	defaultCleanTTL     = 7 * 24 * time.Hour
	defaultMaliciousTTL = 30 * 24 * time.Hour
)

// ResourceKind is the kind of object being looked up.
type ResourceKind string

const (
	KindFile   ResourceKind = "file"
	KindURL    ResourceKind = "url"
	KindDomain ResourceKind = "domain"
)

// EngineCounts are per-category engine tallies.
type EngineCounts struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Undetected int `json:"undetected"`
	Harmless   int `json:"harmless"`
	Timeout    int `json:"timeout"`
}

// Total is the number of engines that reported.
func (c EngineCounts) Total() int {
	return c.Malicious + c.Suspicious + c.Undetected + c.Harmless + c.Timeout
}

// VendorVerdict is one engine's opinion.
type VendorVerdict struct {
	Engine   string `json:"engine"`
	Category string `json:"category"`
	Result   string `json:"result"`
}

// ReputationResult is the outcome of a reputation lookup.
type ReputationResult struct {
	Kind           ResourceKind    `json:"kind"`
	ResourceID     string          `json:"resource_id"`
	Counts         EngineCounts    `json:"engine_counts"`
	TotalEngines   int             `json:"total_engines"`
	DetectionRatio float64         `json:"detection_ratio"`
	ThreatScore    float64         `json:"threat_score"`
	VendorVerdicts []VendorVerdict `json:"vendor_verdicts,omitempty"`
	CheckedAt      time.Time       `json:"checked_at"`
	FromCache      bool            `json:"from_cache"`
}

// NewReputationResult derives the ratio and score from engine counts.
// Negative counts are treated as zero.
func NewReputationResult(kind ResourceKind, id string, counts EngineCounts) ReputationResult {
	for _, p := range []*int{&counts.Malicious, &counts.Suspicious, &counts.Undetected, &counts.Harmless, &counts.Timeout} {
		if *p < 0 {
			*p = 0
		}
	}
	r := ReputationResult{
		Kind:         kind,
		ResourceID:   id,
		Counts:       counts,
		TotalEngines: counts.Total(),
	}
	if r.TotalEngines > 0 {
		total := float64(r.TotalEngines)
		r.DetectionRatio = float64(counts.Malicious) / total
		r.ThreatScore = (float64(counts.Malicious) + 0.5*float64(counts.Suspicious)) / total
	}
	return r
}

// IsMalicious reports whether at least 10% of engines flagged the resource.
func (r ReputationResult) IsMalicious() bool {
	return r.DetectionRatio >= MaliciousRatio
}

// IsSuspicious reports a non-malicious resource with a threat score of at least 0.05.
func (r ReputationResult) IsSuspicious() bool {
	return !r.IsMalicious() && r.ThreatScore >= SuspiciousScore
}

// Verdict is "malicious", "suspicious" or "clean".
func (r ReputationResult) Verdict() string {
	switch {
	case r.IsMalicious():
		return "malicious"
	case r.IsSuspicious():
		return "suspicious"
	}
	return "clean"
}

// ReputationConfig configures a ReputationClient.
type ReputationConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute uint32
	CleanTTL          time.Duration
	MaliciousTTL      time.Duration
}

// ReputationStats summarizes lookup activity.
type ReputationStats struct {
	TotalLookups      uint64 `json:"total_lookups"`
	CacheHits         uint64 `json:"cache_hits"`
	CacheMisses       uint64 `json:"cache_misses"`
	APICalls          uint64 `json:"api_calls"`
	RateLimited       uint64 `json:"rate_limited"`
	APIErrors         uint64 `json:"api_errors"`
	MaliciousResults  uint64 `json:"malicious_results"`
	SuspiciousResults uint64 `json:"suspicious_results"`
	CleanResults      uint64 `json:"clean_results"`
}

// ReputationClient looks up file, URL and domain reputations with caching
// and a per-minute request quota.
type ReputationClient struct {
	cfg       ReputationConfig
	transport Transport
	cache     ResultCache
	limiter   *ratelimit.Limiter
	group     singleflight.Group
	log       *logrus.Logger
	now       func() time.Time

	mu    sync.Mutex
	stats ReputationStats
}

// NewReputationClient creates a ReputationClient. A nil cache gets a MemoryCache.
func NewReputationClient(cfg ReputationConfig, transport Transport, cache ResultCache, log *logrus.Logger) (*ReputationClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("reputation feed: %w: empty api key", ErrNotConfigured)
	}
	if transport == nil {
		return nil, fmt.Errorf("reputation feed: %w: missing transport", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultReputationBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 4
	}
	if cfg.CleanTTL <= 0 {
		cfg.CleanTTL = defaultCleanTTL
	}
	if cfg.MaliciousTTL <= 0 {
		cfg.MaliciousTTL = defaultMaliciousTTL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	limiter, err := ratelimit.PerMinute(cfg.RequestsPerMinute)
	if err != nil {
		return nil, fmt.Errorf("reputation feed: %w", err)
	}
	return &ReputationClient{
		cfg:       cfg,
		transport: transport,
		cache:     cache,
		limiter:   limiter,
		log:       log,
		now:       time.Now,
	}, nil
}

// LookupFile looks up a SHA-256 digest.
func (c *ReputationClient) LookupFile(ctx context.Context, sha256Hex string) (ReputationResult, error) {
	id := strings.ToLower(strings.TrimSpace(sha256Hex))
	if len(id) != 64 {
		return ReputationResult{}, fmt.Errorf("%w: file lookups need a SHA-256 digest", ErrInvalidResource)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return ReputationResult{}, fmt.Errorf("%w: digest is not hexadecimal", ErrInvalidResource)
	}
	return c.lookup(ctx, KindFile, id, "/files/"+id)
}

// LookupURL looks up a URL. The service identifies URLs by their SHA-256.
func (c *ReputationClient) LookupURL(ctx context.Context, rawURL string) (ReputationResult, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ReputationResult{}, fmt.Errorf("%w: empty url", ErrInvalidResource)
	}
	sum := sha256.Sum256([]byte(rawURL))
	id := hex.EncodeToString(sum[:])
	return c.lookup(ctx, KindURL, id, "/urls/"+id)
}

// LookupDomain looks up a domain name.
func (c *ReputationClient) LookupDomain(ctx context.Context, domain string) (ReputationResult, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.ContainsAny(domain, "/?# ") {
		return ReputationResult{}, fmt.Errorf("%w: bad domain %q", ErrInvalidResource, domain)
	}
	return c.lookup(ctx, KindDomain, domain, "/domains/"+url.PathEscape(domain))
}

// Stats returns a snapshot of the lookup counters.
func (c *ReputationClient) Stats() ReputationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *ReputationClient) count(f func(s *ReputationStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *ReputationClient) lookup(ctx context.Context, kind ResourceKind, id, path string) (ReputationResult, error) {
	key := string(kind) + ":" + id
	c.count(func(s *ReputationStats) { s.TotalLookups++ })

	if cached, ok := c.cache.Get(key, c.now()); ok {
		c.count(func(s *ReputationStats) { s.CacheHits++ })
		reputationLookups.WithLabelValues(string(kind), "cache_hit").Inc()
		cached.FromCache = true
		return cached, nil
	}
	c.count(func(s *ReputationStats) { s.CacheMisses++ })

	// The shared fetch outlives any one caller; each caller only waits on
	// its own context.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		return c.fetch(fctx, kind, id, path, key)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		reputationLookups.WithLabelValues(string(kind), "error").Inc()
		return ReputationResult{}, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		reputationLookups.WithLabelValues(string(kind), "error").Inc()
		return ReputationResult{}, r.Err
	}
	res := r.Val.(ReputationResult)
	reputationLookups.WithLabelValues(string(kind), res.Verdict()).Inc()
	return res, nil
}

// acquire takes one request token, waiting for the quota to refill if
// needed. Every request attempt, retries included, goes through it.
func (c *ReputationClient) acquire(ctx context.Context) error {
	if c.limiter.TryAcquire() {
		return nil
	}
	c.count(func(s *ReputationStats) { s.RateLimited++ })
	c.log.Debug("Reputation quota exhausted, waiting")
	return c.limiter.Acquire(ctx)
}

func (c *ReputationClient) fetch(ctx context.Context, kind ResourceKind, id, path, key string) (ReputationResult, error) {
	if err := c.acquire(ctx); err != nil {
		return ReputationResult{}, err
	}

	c.count(func(s *ReputationStats) { s.APICalls++ })
	body, err := c.transport.Get(withRetryGate(ctx, c.acquire), c.cfg.BaseURL+path, http.Header{"x-apikey": []string{c.cfg.APIKey}})
	if err != nil {
		c.count(func(s *ReputationStats) { s.APIErrors++ })
		return ReputationResult{}, fmt.Errorf("failed to look up %s: %w", kind, err)
	}

	res, err := ParseReputation(body, kind, id, c.log)
	if err != nil {
		c.count(func(s *ReputationStats) { s.APIErrors++ })
		return ReputationResult{}, err
	}
	res.CheckedAt = c.now()

	ttl := c.cfg.CleanTTL
	c.count(func(s *ReputationStats) {
		switch {
		case res.IsMalicious():
			s.MaliciousResults++
			ttl = c.cfg.MaliciousTTL
		case res.IsSuspicious():
			s.SuspiciousResults++
		default:
			s.CleanResults++
		}
	})
	if err := c.cache.Put(key, res, res.CheckedAt.Add(ttl)); err != nil {
		c.log.WithError(err).WithField("resource", id).Warn("Failed to cache reputation result")
	}
	return res, nil
}

// ParseReputation decodes a reputation response body.
func ParseReputation(body []byte, kind ResourceKind, id string, log *logrus.Logger) (ReputationResult, error) {
	var doc struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Data *struct {
			Attributes *struct {
				Stats   *EngineCounts              `json:"last_analysis_stats"`
				Results map[string]json.RawMessage `json:"last_analysis_results"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ReputationResult{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if doc.Error != nil {
		return ReputationResult{}, fmt.Errorf("%w: %s: %s", ErrAPI, doc.Error.Code, doc.Error.Message)
	}
	if doc.Data == nil || doc.Data.Attributes == nil || doc.Data.Attributes.Stats == nil {
		return ReputationResult{}, fmt.Errorf("%w: missing data.attributes.last_analysis_stats", ErrMalformedDocument)
	}

	res := NewReputationResult(kind, id, *doc.Data.Attributes.Stats)
	res.VendorVerdicts = vendorVerdicts(doc.Data.Attributes.Results, log)
	return res, nil
}

func vendorVerdicts(results map[string]json.RawMessage, log *logrus.Logger) []VendorVerdict {
	if len(results) == 0 {
		return nil
	}
	engines := make([]string, 0, len(results))
	for name := range results {
		engines = append(engines, name)
	}
	sort.Strings(engines)

	var out []VendorVerdict
	for _, name := range engines {
		if len(out) == maxVendorVerdicts {
			break
		}
		var v struct {
			Category string  `json:"category"`
			Result   *string `json:"result"`
		}
		if err := json.Unmarshal(results[name], &v); err != nil {
			log.WithField("engine", name).Warn("Skipping malformed vendor verdict")
			continue
		}
		result := "clean"
		if v.Result != nil {
			result = *v.Result
		}
		out = append(out, VendorVerdict{Engine: name, Category: v.Category, Result: result})
	}
	return out
}

// IsNotFound reports whether err is the service saying it has never seen
// the resource.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
