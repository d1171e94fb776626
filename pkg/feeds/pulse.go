package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/pkg/indicator"
	"github.com/invisible-tech/download-sentinel/pkg/ratelimit"
	"github.com/invisible-tech/download-sentinel/pkg/signature"
)

// PulseSource is the source tag stamped on indicators from the pulse feed.
const PulseSource = "otx"

// DefaultPulseBaseURL is the AlienVault OTX API root.
const DefaultPulseBaseURL = "https://otx.alienvault.com/api/v1"

// pulseTypes maps feed type strings to indicator types. Anything not
// listed is skipped.
var pulseTypes = map[string]indicator.Type{
	"FileHash-SHA256": indicator.TypeFileHash,
	"FileHash-SHA1":   indicator.TypeFileHash,
	"FileHash-MD5":    indicator.TypeFileHash,
	"domain":          indicator.TypeDomain,
	"hostname":        indicator.TypeDomain,
	"IPv4":            indicator.TypeIP,
	"IPv6":            indicator.TypeIP,
	"URL":             indicator.TypeURL,
	"URI":             indicator.TypeURL,
}

// PulseConfig configures a PulseClient.
type PulseConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerMinute uint32
	// RulesDir receives the generated rules file after each fetch.
	RulesDir string
	// PageSize and MaxPages bound one fetch. MaxPages 0 means one page.
	PageSize int
	MaxPages int
}

// PulseStats summarizes pulse client activity.
type PulseStats struct {
	PulsesFetched       uint64    `json:"pulses_fetched"`
	IndicatorsProcessed uint64    `json:"indicators_processed"`
	IndicatorsStored    uint64    `json:"indicators_stored"`
	RulesGenerated      uint64    `json:"rules_generated"`
	LastError           string    `json:"last_error,omitempty"`
	LastUpdate          time.Time `json:"last_update"`
}

// FetchResult describes one completed fetch.
type FetchResult struct {
	Pulses     int
	Processed  int
	Stored     int
	Duplicates int
	Rules      int
	RulesPath  string
}

// PulseClient ingests subscribed pulses into an indicator store and
// regenerates the hash rules file.
type PulseClient struct {
	cfg       PulseConfig
	store     indicator.Store
	transport Transport
	limiter   *ratelimit.Limiter
	generator *signature.Generator
	log       *logrus.Logger
	now       func() time.Time

	// fetchMu keeps fetches from overlapping.
	fetchMu sync.Mutex

	mu    sync.RWMutex
	stats PulseStats
}

// NewPulseClient creates a PulseClient. An empty API key or a zero rate is
// a configuration error.
func NewPulseClient(cfg PulseConfig, store indicator.Store, transport Transport, log *logrus.Logger) (*PulseClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("pulse feed: %w: empty api key", ErrNotConfigured)
	}
	if store == nil || transport == nil {
		return nil, fmt.Errorf("pulse feed: %w: missing store or transport", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPulseBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	limiter, err := ratelimit.PerMinute(cfg.RequestsPerMinute)
	if err != nil {
		return nil, fmt.Errorf("pulse feed: %w", err)
	}
	return &PulseClient{
		cfg:       cfg,
		store:     store,
		transport: transport,
		limiter:   limiter,
		generator: signature.New(log),
		log:       log,
		now:       time.Now,
	}, nil
}

// RulesPath is where the generated rules file is written.
func (c *PulseClient) RulesPath() string {
	return filepath.Join(c.cfg.RulesDir, signature.RulesFileName)
}

// Fetch pulls subscribed pulses, stores their indicators and regenerates
// the rules file. A malformed first page fails the fetch; individual bad
// pulses or indicators are skipped.
func (c *PulseClient) Fetch(ctx context.Context) (*FetchResult, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	res, err := c.fetch(ctx)
	c.mu.Lock()
	if err != nil {
		c.stats.LastError = err.Error()
	} else {
		c.stats.LastError = ""
		c.stats.LastUpdate = c.now()
	}
	c.mu.Unlock()

	if err != nil {
		feedFetches.WithLabelValues(PulseSource, "error").Inc()
		c.log.WithError(err).Warn("Pulse feed fetch failed")
		return res, err
	}
	feedFetches.WithLabelValues(PulseSource, "success").Inc()
	c.log.WithFields(logrus.Fields{
		"pulses":     res.Pulses,
		"processed":  res.Processed,
		"stored":     res.Stored,
		"duplicates": res.Duplicates,
		"rules":      res.Rules,
	}).Info("Pulse feed fetch complete")
	return res, nil
}

func (c *PulseClient) fetch(ctx context.Context) (*FetchResult, error) {
	res := &FetchResult{}
	next := c.firstPageURL()

	for page := 0; page < c.cfg.MaxPages && next != ""; page++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return res, err
		}
		body, err := c.transport.Get(withRetryGate(ctx, c.limiter.Acquire), next, http.Header{"X-OTX-API-KEY": []string{c.cfg.APIKey}})
		if err != nil {
			return res, fmt.Errorf("failed to fetch pulses: %w", err)
		}
		parsed, err := ParsePulses(body, c.now(), c.log)
		if err != nil {
			return res, err
		}
		res.Pulses += parsed.Pulses
		c.mu.Lock()
		c.stats.PulsesFetched += uint64(parsed.Pulses)
		c.mu.Unlock()
		c.ingest(ctx, parsed.Indicators, res)

		next = ""
		if parsed.Next != "" {
			// The API key is only ever sent back to the configured host.
			if strings.HasPrefix(parsed.Next, c.cfg.BaseURL+"/") {
				next = parsed.Next
			} else {
				c.log.WithField("next", parsed.Next).Warn("Ignoring pagination link outside the feed base URL")
			}
		}
	}

	n, err := c.GenerateRules(ctx)
	if err != nil {
		return res, err
	}
	res.Rules = n
	res.RulesPath = c.RulesPath()
	return res, nil
}

func (c *PulseClient) firstPageURL() string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	c.mu.RLock()
	last := c.stats.LastUpdate
	c.mu.RUnlock()
	if !last.IsZero() {
		q.Set("modified_since", last.UTC().Format(time.RFC3339))
	}
	return c.cfg.BaseURL + "/pulses/subscribed?" + q.Encode()
}

func (c *PulseClient) ingest(ctx context.Context, inds []indicator.Indicator, res *FetchResult) {
	stored := 0
	for _, ind := range inds {
		res.Processed++
		err := c.store.Store(ctx, ind)
		switch {
		case err == nil:
			stored++
			indicatorsStored.WithLabelValues(PulseSource, string(ind.Type)).Inc()
		case errors.Is(err, indicator.ErrDuplicate):
			res.Duplicates++
		default:
			c.log.WithError(err).WithField("indicator", ind.Value).Warn("Failed to store indicator")
		}
	}
	res.Stored += stored

	c.mu.Lock()
	c.stats.IndicatorsProcessed += uint64(len(inds))
	c.stats.IndicatorsStored += uint64(stored)
	c.mu.Unlock()
}

// GenerateRules rewrites the rules file from every stored file-hash
// indicator and returns the number of rules written.
func (c *PulseClient) GenerateRules(ctx context.Context) (int, error) {
	hashes, err := c.store.Search(ctx, indicator.Query{Type: indicator.TypeFileHash})
	if err != nil {
		return 0, fmt.Errorf("failed to load hash indicators: %w", err)
	}
	n, err := c.generator.GenerateRulesFile(hashes, c.RulesPath())
	if err != nil {
		return 0, err
	}
	rulesInFile.Set(float64(n))
	c.mu.Lock()
	c.stats.RulesGenerated += uint64(n)
	c.mu.Unlock()
	return n, nil
}

// NewIndicatorsSince returns pulse-feed indicators created after t.
func (c *PulseClient) NewIndicatorsSince(ctx context.Context, t time.Time) ([]indicator.Indicator, error) {
	return c.store.Search(ctx, indicator.Query{Source: PulseSource, Since: t})
}

// Stats returns a snapshot of the client counters.
func (c *PulseClient) Stats() PulseStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// ParsedPulses is the result of parsing one pulse-feed page.
type ParsedPulses struct {
	Pulses     int
	Indicators []indicator.Indicator
	// Next is the URL of the following page, if the feed reported one.
	Next string
}

// ParsePulses extracts indicators from a pulse-feed document. The
// document must be an object with a results array; anything malformed
// below that level is skipped with a warning.
func ParsePulses(body []byte, now time.Time, log *logrus.Logger) (*ParsedPulses, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	rawResults, ok := doc["results"]
	if !ok {
		return nil, fmt.Errorf("%w: missing results array", ErrMalformedDocument)
	}
	var results []json.RawMessage
	if err := json.Unmarshal(rawResults, &results); err != nil || results == nil {
		return nil, fmt.Errorf("%w: results is not an array", ErrMalformedDocument)
	}

	out := &ParsedPulses{Next: stringField(doc, "next")}
	for i, raw := range results {
		var pulse map[string]json.RawMessage
		if err := json.Unmarshal(raw, &pulse); err != nil || pulse == nil {
			log.WithField("index", i).Warn("Skipping malformed pulse")
			continue
		}
		out.Pulses++
		out.Indicators = append(out.Indicators, parsePulse(pulse, now, log)...)
	}
	return out, nil
}

func parsePulse(pulse map[string]json.RawMessage, now time.Time, log *logrus.Logger) []indicator.Indicator {
	name := stringField(pulse, "name")
	pulseDesc := stringField(pulse, "description")
	tags := stringList(pulse["tags"])

	var rawInds []json.RawMessage
	if raw, ok := pulse["indicators"]; ok {
		if err := json.Unmarshal(raw, &rawInds); err != nil {
			log.WithField("pulse", name).Warn("Skipping pulse with malformed indicators")
			return nil
		}
	}

	var out []indicator.Indicator
	for _, raw := range rawInds {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			log.WithField("pulse", name).Warn("Skipping malformed indicator")
			continue
		}
		typ, known := pulseTypes[stringField(fields, "type")]
		if !known {
			continue
		}
		value := stringField(fields, "indicator")
		if strings.TrimSpace(value) == "" {
			log.WithField("pulse", name).Warn("Skipping indicator without value")
			continue
		}

		desc := stringField(fields, "description")
		if desc == "" {
			desc = pulseDesc
		}
		if desc == "" {
			desc = name
		}
		out = append(out, indicator.Indicator{
			Type:        typ,
			Value:       value,
			Description: desc,
			Tags:        append([]string(nil), tags...),
			CreatedAt:   now,
			Source:      PulseSource,
		}.Normalize())
	}
	return out
}

// stringField returns fields[key] when it is a JSON string, else "".
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// stringList keeps only the string elements of a JSON array.
func stringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s *string
		if err := json.Unmarshal(item, &s); err == nil && s != nil {
			out = append(out, *s)
		}
	}
	return out
}
