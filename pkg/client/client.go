// Package client is the HTTP executor for the civil-registry portal. It keeps
// the XSRF session, gates requests through the rate limiter, retries short
// transient failures, serves repeated requests from the response cache and
// decodes charts into registry records.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/registral-harvester/pkg/cache"
	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/ratelimit"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

// Prometheus metrics for portal requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total portal requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Portal request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_request_errors_total",
		Help: "Total portal errors by class",
	}, []string{"class"})

	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_logins_total",
		Help: "Total session logins by result",
	}, []string{"result"})
)

// DefaultUserAgent is the browser identity the portal expects.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:76.0) Gecko/20100101 Firefox/76.0"

// maxBodySize bounds a response body.
var maxBodySize int64 = 8 << 20

// Config holds the client configuration.
type Config struct {
	// BaseURL of the portal. Defaults to registry.DefaultBaseURL.
	BaseURL string

	// UserAgent header. Defaults to DefaultUserAgent.
	UserAgent string

	// Timeout of one HTTP exchange.
	Timeout time.Duration

	// Layout of decoded records. Defaults to registry.DefaultLayout.
	Layout *registry.Layout

	// RateLimit paces requests and sets cool-down bounds.
	RateLimit ratelimit.Config

	// Retry overrides the per-class retry configuration when MaxAttempts > 0.
	Retry RetryConfig

	// Redis enables the response cache and shares cool-downs between
	// processes. Optional.
	Redis *redis.Client

	// CacheTTL bounds the freshness of cached charts. 0 disables the cache.
	CacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   registry.DefaultBaseURL,
		UserAgent: DefaultUserAgent,
		Timeout:   30 * time.Second,
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Client talks to the portal. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	base        *url.URL
	layout      registry.Layout
	logger      zerolog.Logger

	loginMu    sync.Mutex
	token      atomic.Value // string
	needsLogin atomic.Bool
}

// New creates a new portal client. It does not log in; call Login or use
// Precondition.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = registry.DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("cache_ttl must not be negative (got %s)", cfg.CacheTTL)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	logger := log.With().Str("component", "registry-client").Logger()

	layout := registry.DefaultLayout()
	if cfg.Layout != nil {
		layout = *cfg.Layout
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
		rateLimiter: ratelimit.NewTracker(cfg.RateLimit, cfg.Redis, logger),
		config:      cfg,
		base:        base,
		layout:      layout,
		logger:      logger,
	}
	if cfg.Redis != nil && cfg.CacheTTL > 0 {
		c.cache = cache.NewManager(cfg.Redis, cfg.CacheTTL)
	}
	c.token.Store("")
	c.needsLogin.Store(true)
	return c, nil
}

// Layout returns the layout of decoded records.
func (c *Client) Layout() registry.Layout {
	return c.layout
}

// Builder returns a request builder for this client's portal.
func (c *Client) Builder() registry.Builder {
	return registry.Builder{BaseURL: c.base.String()}
}

// Login opens a session and stores its XSRF token.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	loginURL := c.base.String() + registry.LoginPath

	err := retryWithBackoff(ctx, c.config.Retry, func() error {
		resp, err := c.send(ctx, loginURL, nil, false)
		if err != nil {
			return err
		}
		if resp.status >= 400 {
			return c.statusError(resp)
		}
		return nil
	})
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return toFetchError(err)
	}

	token := ""
	for _, ck := range c.httpClient.Jar.Cookies(c.base) {
		if ck.Name == "XSRF-TOKEN" {
			token = ck.Value
		}
	}
	if token == "" {
		loginsTotal.WithLabelValues("no_token").Inc()
		return fetch.Fatal(fetch.ErrorClassAuth, ErrNoToken)
	}

	c.token.Store(token)
	c.needsLogin.Store(false)
	loginsTotal.WithLabelValues("success").Inc()
	c.logger.Info().Str("base_url", c.base.String()).Msg("Logged in to portal")
	return nil
}

// Precondition logs in when there is no session yet or a response asked for
// a new one. It is meant to run before every block.
func (c *Client) Precondition(ctx context.Context) error {
	if !c.needsLogin.Load() {
		return nil
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if !c.needsLogin.Load() {
		return nil
	}
	return c.login(ctx)
}

// Execute performs one chart request and decodes it into a record.
func (c *Client) Execute(ctx context.Context, q fetch.Query) (registry.Record, error) {
	u, err := url.Parse(q.URL)
	if err != nil {
		return registry.Record{}, fetch.Fatal(fetch.ErrorClassClient, fmt.Errorf("parse query url: %w", err))
	}

	key := cache.KeyFromURL(u)
	var cached *cache.Entry
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil && !entry.IsExpired():
			return c.decode(q, entry.Body)
		case err == nil && cache.ShouldMakeConditionalRequest(entry):
			cached = entry
		case err != nil && !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
		}
	}

	resp, err := c.get(ctx, q.URL, cached)
	if err != nil {
		return registry.Record{}, err
	}

	if resp.status == http.StatusNotModified && cached != nil {
		cache.NotModifiedResponses.Inc()
		if err := c.cache.Refresh(ctx, key, cached); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return c.decode(q, cached.Body)
	}

	record, err := c.decode(q, resp.body)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", q.URL).Msg("Undecodable chart response")
		return record, err
	}

	if c.cache != nil {
		entry := cache.NewEntry(resp.raw, resp.body, c.cache.TTL())
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}
	return record, nil
}

func (c *Client) decode(q fetch.Query, body []byte) (registry.Record, error) {
	counts, err := registry.DecodeChart(c.layout, body)
	if err != nil {
		errorsTotal.WithLabelValues(string(fetch.ErrorClassDecode)).Inc()
		return registry.Record{}, err
	}
	return registry.NewRecord(q.Fields, counts), nil
}

// FetchCities downloads the portal's city list. raw is the response body.
func (c *Client) FetchCities(ctx context.Context) ([]registry.City, []byte, error) {
	resp, err := c.get(ctx, c.base.String()+registry.CitiesPath, nil)
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		Cities []struct {
			UF   string          `json:"uf"`
			Name string          `json:"name"`
			ID   json.RawMessage `json:"id"`
		} `json:"cities"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, nil, fetch.Fatal(fetch.ErrorClassDecode, fmt.Errorf("parse cities: %w", err))
	}

	cities := make([]registry.City, 0, len(payload.Cities))
	for _, city := range payload.Cities {
		id := strings.Trim(string(city.ID), `"`)
		if id == "" || city.UF == "" {
			continue
		}
		cities = append(cities, registry.City{State: city.UF, Name: city.Name, ID: id})
	}
	return cities, resp.body, nil
}

// response is a fully read portal response.
type response struct {
	status int
	body   []byte
	raw    *http.Response
}

// get sends an authenticated GET with in-request retries. Failures are
// returned classified for the scheduler.
func (c *Client) get(ctx context.Context, rawURL string, cached *cache.Entry) (*response, error) {
	var out *response
	err := retryWithBackoff(ctx, c.config.Retry, func() error {
		resp, err := c.send(ctx, rawURL, cached, true)
		if err != nil {
			return err
		}
		if resp.status == http.StatusNotModified && cached != nil {
			out = resp
			return nil
		}
		if resp.status >= 300 {
			return c.statusError(resp)
		}
		out = resp
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, toFetchError(err)
	}
	return out, nil
}

// send performs one exchange through the rate limiter.
func (c *Client) send(ctx context.Context, rawURL string, cached *cache.Entry, withToken bool) (*response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &PortalError{ErrorClass: fetch.ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if withToken {
		req.Header.Set("Accept", "application/json")
		if token, _ := c.token.Load().(string); token != "" {
			req.Header.Set("X-XSRF-TOKEN", token)
		}
	}
	if cached != nil {
		cache.AddConditionalHeaders(req, cached)
	}

	endpoint := req.URL.Path
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errorsTotal.WithLabelValues(string(fetch.ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &PortalError{ErrorClass: fetch.ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		errorsTotal.WithLabelValues(string(fetch.ErrorClassNetwork)).Inc()
		return nil, &PortalError{StatusCode: resp.StatusCode, ErrorClass: fetch.ErrorClassNetwork, Message: "read body", Err: err}
	}

	if _, err := c.rateLimiter.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update throttle state")
	}
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if int64(len(body)) > maxBodySize {
		errorsTotal.WithLabelValues(string(fetch.ErrorClassDecode)).Inc()
		return nil, &PortalError{
			StatusCode: resp.StatusCode,
			ErrorClass: fetch.ErrorClassDecode,
			Message:    fmt.Sprintf("body exceeds %d bytes", maxBodySize),
			Err:        ErrResponseTooLarge,
		}
	}

	return &response{status: resp.StatusCode, body: body, raw: resp}, nil
}

func (c *Client) statusError(resp *response) error {
	errClass := classifyStatus(resp.status)
	errorsTotal.WithLabelValues(string(errClass)).Inc()
	if errClass == fetch.ErrorClassAuth {
		c.needsLogin.Store(true)
	}

	c.logger.Debug().
		Str("endpoint", resp.raw.Request.URL.Path).
		Int("status", resp.status).
		Str("error_class", string(errClass)).
		Msg("Portal request error")

	return &PortalError{
		StatusCode: resp.status,
		ErrorClass: errClass,
		Message:    http.StatusText(resp.status),
	}
}

// classifyStatus categorizes an HTTP status.
func classifyStatus(status int) fetch.ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return fetch.ErrorClassRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == 419:
		return fetch.ErrorClassAuth
	case status >= 400 && status < 500:
		return fetch.ErrorClassClient
	case status >= 500:
		return fetch.ErrorClassServer
	default:
		// unexpected redirect or informational status
		return fetch.ErrorClassServer
	}
}

// SetHTTPClient sets a custom HTTP client (for testing). The client's cookie
// jar is kept when h has none.
func (c *Client) SetHTTPClient(h *http.Client) {
	if h.Jar == nil {
		h.Jar = c.httpClient.Jar
	}
	c.httpClient = h
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var (
	_ fetch.Executor[registry.Record] = (*Client)(nil)
	_ registry.CitySource             = (*Client)(nil)
)
