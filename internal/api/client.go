// Package api is the client for the telehealth backend's REST endpoints:
// chat history, the patient list, message and reply submission, and the
// question and suggestion generator.
//
// Every call goes through an otelhttp-instrumented [http.Client] and a
// [resilience.Breaker]. Server errors and transport failures count against
// the breaker; 4xx answers do not.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/internal/resilience"
)

// Defaults for [Config].
const (
	DefaultBaseURL           = "https://glen3wiz.com/api"
	DefaultTimeout           = 60 * time.Second
	DefaultGenerationTimeout = 90 * time.Second

	maxErrorBody = 4 << 10
)

// ErrNoPatient is returned by calls that need a patient id when none is set.
var ErrNoPatient = errors.New("api: no patient selected")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether the failure is on the server side.
func (e *StatusError) Temporary() bool { return e.Code >= 500 || e.Code == http.StatusTooManyRequests }

// Config configures a [Client].
type Config struct {
	// BaseURL is the API origin including any path prefix.
	BaseURL string

	// Timeout bounds ordinary calls. Default: 60s.
	Timeout time.Duration

	// GenerationTimeout bounds question and suggestion generation.
	// Default: 90s.
	GenerationTimeout time.Duration

	// PatientID selects whose conversation generation requests target.
	PatientID string
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics records outbound request latency in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client calls the backend REST API. It is safe for concurrent use.
type Client struct {
	base              *url.URL
	timeout           time.Duration
	generationTimeout time.Duration
	http              *http.Client
	breaker           *resilience.Breaker
	metrics           *observe.Metrics

	mu           sync.RWMutex
	patientID    string
	lastAnalysis *protocol.Analysis
}

// New returns a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: base url %q must be http or https", cfg.BaseURL)
	}

	c := &Client{
		base:              base,
		timeout:           cfg.Timeout,
		generationTimeout: cfg.GenerationTimeout,
		patientID:         cfg.PatientID,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		// Per-call deadlines come from the context; the generation timeout
		// is the longest any call may take.
		c.http = observe.HTTPClient(c.generationTimeout, c.metrics)
	}
	if c.breaker == nil {
		c.breaker = resilience.New(resilience.Config{Name: "backend-api"},
			resilience.WithFailurePredicate(IsBackendFailure))
	}
	return c, nil
}

// IsBackendFailure reports whether err indicates a backend or network
// fault, as opposed to a rejected request or a cancelled call.
func IsBackendFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// SetPatient changes the patient targeted by generation and reply calls.
func (c *Client) SetPatient(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patientID = id
}

// Patient returns the selected patient id.
func (c *Client) Patient() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patientID
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out, or returns
// the raw body when out is nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("api: %s %s: encode: %w", method, path, err)
		}
	}

	var raw []byte
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), rd)
		if err != nil {
			return fmt.Errorf("api: %s %s: %w", method, path, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("api: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("api: %s %s: read body: %w", method, path, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Debug("api: request rejected by open circuit", "method", method, "path", path)
			return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
		}
		return nil, err
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("api: %s %s: decode: %w", method, path, err)
		}
	}
	return raw, nil
}

// Available reports whether the circuit breaker currently admits calls.
func (c *Client) Available() bool { return c.breaker.State() != resilience.StateOpen }
