// Package feeds contains the threat-intelligence feed clients: the pulse
// feed that supplies indicators and the reputation service used for
// on-demand hash, URL and domain lookups.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/internal/version"
)

var (
	// ErrNotConfigured is returned when a client is built without an API key.
	ErrNotConfigured = errors.New("feed client not configured")
	// ErrMalformedDocument is returned when a response is not the expected JSON shape.
	ErrMalformedDocument = errors.New("malformed feed document")
	// ErrAPI marks error responses from the remote service.
	ErrAPI = errors.New("feed api error")
	// ErrInvalidResource is returned for lookups with an unusable resource id.
	ErrInvalidResource = errors.New("invalid resource identifier")
)

const (
	// maxBodyBytes bounds how much of a response is read into memory.
	maxBodyBytes = 32 << 20
	// maxRetryAfter is the longest server-requested delay honoured within
	// one request; longer ones end the request.
	maxRetryAfter = 2 * time.Minute
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the delay the server asked for, zero if none.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrAPI }

// Transport performs GET requests for the feed clients.
type Transport interface {
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
}

type retryGateKey struct{}

// withRetryGate returns a context under which every retry a transport
// makes first passes gate. Feed clients use it so retries spend request
// quota like first attempts do.
func withRetryGate(ctx context.Context, gate func(context.Context) error) context.Context {
	return context.WithValue(ctx, retryGateKey{}, gate)
}

func retryGate(ctx context.Context) func(context.Context) error {
	gate, _ := ctx.Value(retryGateKey{}).(func(context.Context) error)
	return gate
}

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a network error,
	// a 429 or a 5xx response.
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// HTTPTransport is a Transport over net/http with bounded retries.
type HTTPTransport struct {
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	log        *logrus.Logger
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(cfg TransportConfig, log *logrus.Logger) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		log:        log,
	}
}

// Get fetches url, retrying transient failures. A 429 waits for the
// server's Retry-After when it sends one. Retries pass the context's
// retry gate, if any, before they are sent.
func (t *HTTPTransport) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	delay := t.backoff
	for attempt := 0; ; attempt++ {
		body, err := t.get(ctx, url, header)
		if err == nil || attempt >= t.maxRetries || !retryable(err) || ctx.Err() != nil {
			return body, err
		}
		wait := delay
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			if se.RetryAfter > maxRetryAfter {
				return nil, err
			}
			wait = se.RetryAfter
		}
		t.log.WithError(err).WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt + 1,
			"delay":   wait.String(),
		}).Warn("Feed request failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if gate := retryGate(ctx); gate != nil {
			if err := gate(ctx); err != nil {
				return nil, err
			}
		}
		delay *= 2
	}
}

func (t *HTTPTransport) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "download-sentinel/"+version.Version)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       snippet,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return body, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// parseRetryAfter reads a Retry-After value given in seconds or as an
// HTTP date. Anything else, or a date in the past, is zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
