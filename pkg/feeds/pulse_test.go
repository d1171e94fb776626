package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/pkg/indicator"
)

const (
	testSHA256 = "ed01ebfbc9eb5bbea545af4d01bf5f1071661840480439c6e5babe8e080e41aa"
	testDomain = "malicious-test-domain.com"
)

const mockPulseDocument = `{
  "results": [
    {
      "name": "Test Malware Campaign",
      "description": "Test pulse for unit testing",
      "tags": ["malware", "test"],
      "indicators": [
        {"type": "FileHash-SHA256", "indicator": "` + testSHA256 + `", "description": "Test malware sample"},
        {"type": "domain", "indicator": "` + testDomain + `", "description": "C2 server"}
      ]
    }
  ]
}`

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeResponse struct {
	body string
	err  error
}

// fakeTransport answers by URL prefix and records every request.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
	headers   []http.Header
	gated     []bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string]fakeResponse)}
}

func (f *fakeTransport) on(prefix, body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = fakeResponse{body: body, err: err}
}

func (f *fakeTransport) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	f.headers = append(f.headers, header)
	f.gated = append(f.gated, retryGate(ctx) != nil)
	best := ""
	for prefix := range f.responses {
		if strings.HasPrefix(url, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, &StatusError{StatusCode: http.StatusNotFound}
	}
	r := f.responses[best]
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestPulseClient(t *testing.T, tr Transport, store indicator.Store) *PulseClient {
	t.Helper()
	c, err := NewPulseClient(PulseConfig{
		APIKey:            "test-key",
		BaseURL:           "https://otx.test/api/v1",
		RequestsPerMinute: 60,
		RulesDir:          t.TempDir(),
	}, store, tr, quietLogger())
	if err != nil {
		t.Fatalf("NewPulseClient: %v", err)
	}
	return c
}

func TestParsePulses_MockDocument(t *testing.T) {
	now := time.Unix(1700000000, 0)
	parsed, err := ParsePulses([]byte(mockPulseDocument), now, quietLogger())
	if err != nil {
		t.Fatalf("ParsePulses: %v", err)
	}
	if parsed.Pulses != 1 || len(parsed.Indicators) != 2 {
		t.Fatalf("pulses=%d indicators=%d", parsed.Pulses, len(parsed.Indicators))
	}
	hash := parsed.Indicators[0]
	if hash.Type != indicator.TypeFileHash || hash.Value != testSHA256 {
		t.Errorf("first indicator = %+v", hash)
	}
	if hash.Description != "Test malware sample" || hash.Source != "otx" || !hash.CreatedAt.Equal(now) {
		t.Errorf("first indicator fields = %+v", hash)
	}
	if strings.Join(hash.Tags, ",") != "malware,test" {
		t.Errorf("tags = %v", hash.Tags)
	}
	if parsed.Indicators[1].Type != indicator.TypeDomain || parsed.Indicators[1].Value != testDomain {
		t.Errorf("second indicator = %+v", parsed.Indicators[1])
	}
}

func TestParsePulses_MalformedTopLevel(t *testing.T) {
	for name, body := range map[string]string{
		"not json":        `{"results": [`,
		"array":           `[1,2,3]`,
		"missing results": `{"count": 0}`,
		"results object":  `{"results": {"a": 1}}`,
		"null results":    `{"results": null}`,
	} {
		if _, err := ParsePulses([]byte(body), time.Now(), quietLogger()); !errors.Is(err, ErrMalformedDocument) {
			t.Errorf("%s: err = %v, want ErrMalformedDocument", name, err)
		}
	}
}

func TestParsePulses_SkipsBadUnits(t *testing.T) {
	body := `{"results": [
		"not an object",
		{"name": "Bad indicators", "indicators": "nope"},
		{"name": "Fallbacks", "description": 42, "tags": ["keep", 7, null, "also"], "indicators": [
			17,
			{"type": "Mutex", "indicator": "Global\\evil"},
			{"type": "IPv4", "indicator": "203.0.113.9"},
			{"type": "URL", "indicator": ""},
			{"type": "hostname", "indicator": "C2.Example.NET", "description": ""}
		]},
		{"name": "Pulse level", "description": "pulse desc", "indicators": [
			{"type": "FileHash-MD5", "indicator": "D41D8CD98F00B204E9800998ECF8427E"}
		]}
	]}`
	parsed, err := ParsePulses([]byte(body), time.Now(), quietLogger())
	if err != nil {
		t.Fatalf("ParsePulses: %v", err)
	}
	if parsed.Pulses != 3 {
		t.Errorf("pulses = %d, want 3", parsed.Pulses)
	}
	if len(parsed.Indicators) != 3 {
		t.Fatalf("indicators = %+v", parsed.Indicators)
	}
	ip, host, md5 := parsed.Indicators[0], parsed.Indicators[1], parsed.Indicators[2]
	if ip.Type != indicator.TypeIP || ip.Description != "Fallbacks" {
		t.Errorf("ip = %+v", ip)
	}
	if strings.Join(ip.Tags, ",") != "keep,also" {
		t.Errorf("tags = %v", ip.Tags)
	}
	if host.Type != indicator.TypeDomain || host.Value != "c2.example.net" {
		t.Errorf("hostname = %+v", host)
	}
	if md5.Value != "d41d8cd98f00b204e9800998ecf8427e" || md5.Description != "pulse desc" {
		t.Errorf("md5 = %+v", md5)
	}
}

func TestNewPulseClient_RequiresAPIKey(t *testing.T) {
	_, err := NewPulseClient(PulseConfig{APIKey: "  "}, indicator.NewMemoryStore(), newFakeTransport(), quietLogger())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestPulseClient_FetchEndToEnd(t *testing.T) {
	tr := newFakeTransport()
	tr.on("https://otx.test/api/v1/pulses/subscribed", mockPulseDocument, nil)
	store := indicator.NewMemoryStore()
	c := newTestPulseClient(t, tr, store)

	res, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Pulses != 1 || res.Stored != 2 || res.Rules != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := tr.headers[0].Get("X-OTX-API-KEY"); got != "test-key" {
		t.Errorf("api key header = %q", got)
	}
	if !tr.gated[0] {
		t.Error("pulse requests should carry the rate limiter as retry gate")
	}

	ctx := context.Background()
	hashes, _ := store.Search(ctx, indicator.Query{Type: indicator.TypeFileHash})
	domains, _ := store.Search(ctx, indicator.Query{Type: indicator.TypeDomain})
	if len(hashes) != 1 || len(domains) != 1 {
		t.Fatalf("hashes=%d domains=%d", len(hashes), len(domains))
	}

	data, err := os.ReadFile(c.RulesPath())
	if err != nil {
		t.Fatalf("read rules: %v", err)
	}
	rules := string(data)
	if strings.Count(rules, "\nrule ") != 1 {
		t.Errorf("rules file has %d rules:\n%s", strings.Count(rules, "\nrule "), rules)
	}
	if !strings.Contains(rules, `hash.sha256(0, filesize) == "`+testSHA256+`"`) {
		t.Errorf("rules file missing sha256 condition:\n%s", rules)
	}
	if strings.Contains(rules, testDomain) {
		t.Error("domain indicator produced a rule")
	}

	st := c.Stats()
	if st.PulsesFetched != 1 || st.IndicatorsProcessed != 2 || st.IndicatorsStored != 2 || st.RulesGenerated != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastUpdate.IsZero() || st.LastError != "" {
		t.Errorf("stats after success = %+v", st)
	}

	// A second fetch of the same document stores nothing new and asks
	// only for pulses modified since the last update.
	res, err = c.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 0 || res.Duplicates != 2 {
		t.Errorf("second fetch = %+v", res)
	}
	if !strings.Contains(tr.calls[1], "modified_since=") {
		t.Errorf("second request = %s", tr.calls[1])
	}
}

func TestPulseClient_FetchFailureRecorded(t *testing.T) {
	tr := newFakeTransport()
	tr.on("https://otx.test/", "", fmt.Errorf("connection refused"))
	c := newTestPulseClient(t, tr, indicator.NewMemoryStore())

	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	st := c.Stats()
	if !strings.Contains(st.LastError, "connection refused") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if !st.LastUpdate.IsZero() {
		t.Error("LastUpdate should stay zero after a failed fetch")
	}
}

func TestPulseClient_Pagination(t *testing.T) {
	tr := newFakeTransport()
	page2 := `{"results": [{"name": "p2", "indicators": [{"type": "domain", "indicator": "two.example"}]}]}`
	page1 := `{"next": "https://otx.test/api/v1/pulses/subscribed?page=2", "results": [{"name": "p1", "indicators": [{"type": "domain", "indicator": "one.example"}]}]}`
	tr.on("https://otx.test/api/v1/pulses/subscribed?limit", page1, nil)
	tr.on("https://otx.test/api/v1/pulses/subscribed?page=2", page2, nil)

	store := indicator.NewMemoryStore()
	c, err := NewPulseClient(PulseConfig{
		APIKey: "k", BaseURL: "https://otx.test/api/v1", RequestsPerMinute: 60,
		RulesDir: t.TempDir(), MaxPages: 5,
	}, store, tr, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pulses != 2 || store.Len() != 2 {
		t.Errorf("pulses=%d stored=%d", res.Pulses, store.Len())
	}
}

func TestPulseClient_IgnoresForeignNextLink(t *testing.T) {
	tr := newFakeTransport()
	tr.on("https://otx.test/api/v1/pulses/subscribed", `{"next": "https://attacker.example/steal", "results": []}`, nil)
	c, err := NewPulseClient(PulseConfig{
		APIKey: "k", BaseURL: "https://otx.test/api/v1", RequestsPerMinute: 60,
		RulesDir: t.TempDir(), MaxPages: 3,
	}, indicator.NewMemoryStore(), tr, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.callCount() != 1 {
		t.Errorf("requests = %v", tr.calls)
	}
}

func TestPulseClient_NewIndicatorsSince(t *testing.T) {
	tr := newFakeTransport()
	tr.on("https://otx.test/", mockPulseDocument, nil)
	c := newTestPulseClient(t, tr, indicator.NewMemoryStore())
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base.Add(time.Hour) }

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := c.NewIndicatorsSince(context.Background(), base)
	if err != nil || len(got) != 2 {
		t.Errorf("since base: %v %d", err, len(got))
	}
	got, _ = c.NewIndicatorsSince(context.Background(), base.Add(2*time.Hour))
	if len(got) != 0 {
		t.Errorf("since later: %d", len(got))
	}
}
