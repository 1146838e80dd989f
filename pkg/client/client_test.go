package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/registral-harvester/internal/testutil"
	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

var fastRetry = RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2.0,
}

func newTestClient(t *testing.T, mock *testutil.MockRegistry) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: mock.URL(), Retry: fastRetry})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func chartQuery(t *testing.T, c *Client, day string) fetch.Query {
	t.Helper()
	d, err := time.Parse(registry.DateLayout, day)
	if err != nil {
		t.Fatalf("time.Parse() error = %v", err)
	}
	sp, err := registry.Request{Dates: registry.Day(d)}.Space(context.Background(), nil, time.Now())
	if err != nil {
		t.Fatalf("Space() error = %v", err)
	}
	choices, err := sp.Codec().Choices(0)
	if err != nil {
		t.Fatalf("Choices() error = %v", err)
	}
	q, err := c.Builder().Build(choices)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return q
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{"defaults", Config{}, false},
		{"explicit base url", Config{BaseURL: "http://portal.test/"}, false},
		{"relative base url", Config{BaseURL: "/api"}, true},
		{"negative cache ttl", Config{CacheTTL: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if (err != nil) != tt.expectError {
				t.Fatalf("New() error = %v, expectError %v", err, tt.expectError)
			}
			if err == nil && c.config.UserAgent != DefaultUserAgent {
				t.Errorf("UserAgent = %q, want default", c.config.UserAgent)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BaseURL != registry.DefaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", cfg.BaseURL, registry.DefaultBaseURL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want > 0", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected fetch.ErrorClass
	}{
		{http.StatusBadRequest, fetch.ErrorClassClient},
		{http.StatusNotFound, fetch.ErrorClassClient},
		{http.StatusUnauthorized, fetch.ErrorClassAuth},
		{http.StatusForbidden, fetch.ErrorClassAuth},
		{419, fetch.ErrorClassAuth},
		{http.StatusTooManyRequests, fetch.ErrorClassRateLimit},
		{http.StatusInternalServerError, fetch.ErrorClassServer},
		{http.StatusServiceUnavailable, fetch.ErrorClassServer},
		{http.StatusNotModified, fetch.ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestExecute_LoginAndDecode(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	ctx := context.Background()

	if err := c.Precondition(ctx); err != nil {
		t.Fatalf("Precondition() error = %v", err)
	}
	if err := c.Precondition(ctx); err != nil {
		t.Fatalf("second Precondition() error = %v", err)
	}
	if _, _, logins := mock.Counts(); logins != 1 {
		t.Errorf("logins = %d, want 1", logins)
	}

	rec, err := c.Execute(ctx, chartQuery(t, c, "2020-05-07"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	layout := c.Layout()
	if rec.Date != "2020-05-07" {
		t.Errorf("Date = %q, want 2020-05-07", rec.Date)
	}
	if got := rec.Count(layout, "COVID_2020"); got != 7 {
		t.Errorf("COVID_2020 = %d, want 7", got)
	}
	if got := rec.Count(layout, "SRAG_2019"); got != int64(len(registry.Places)) {
		t.Errorf("SRAG_2019 = %d, want %d", got, len(registry.Places))
	}

	h := mock.LastRequestHeader
	if h.Get("X-XSRF-TOKEN") != "token-1" {
		t.Errorf("X-XSRF-TOKEN = %q, want token-1", h.Get("X-XSRF-TOKEN"))
	}
	if h.Get("User-Agent") != DefaultUserAgent || h.Get("Pragma") != "no-cache" || h.Get("Cache-Control") != "no-cache" {
		t.Errorf("headers = %v", h)
	}
}

func TestExecute_ExpiredSessionNeedsAuth(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	mock.ExpireSession()

	q := chartQuery(t, c, "2020-05-01")
	_, err := c.Execute(ctx, q)
	if !fetch.NeedsAuth(err) || fetch.IsFatal(err) {
		t.Fatalf("Execute() error = %v, want transient auth error", err)
	}
	if _, charts, _ := mock.Counts(); charts != 1 {
		t.Errorf("chart requests = %d, want 1 (auth is not retried in-request)", charts)
	}

	if err := c.Precondition(ctx); err != nil {
		t.Fatalf("Precondition() error = %v", err)
	}
	if _, _, logins := mock.Counts(); logins != 2 {
		t.Errorf("logins = %d, want 2", logins)
	}
	if _, err := c.Execute(ctx, q); err != nil {
		t.Errorf("Execute() after re-login error = %v", err)
	}
}

func TestExecute_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	mock.QueueResponses(testutil.ChartPath, testutil.NewServerErrorResponse())
	if _, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, charts, _ := mock.Counts(); charts != 2 {
		t.Errorf("chart requests = %d, want 2", charts)
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	mock.SetResponse(testutil.ChartPath, testutil.NewServerErrorResponse())
	_, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01"))
	if err == nil || fetch.IsFatal(err) {
		t.Fatalf("Execute() error = %v, want transient", err)
	}
	if fetch.ClassOf(err) != fetch.ErrorClassServer || !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Execute() error = %v, want exhausted server error", err)
	}
	if _, charts, _ := mock.Counts(); charts != fastRetry.MaxAttempts {
		t.Errorf("chart requests = %d, want %d", charts, fastRetry.MaxAttempts)
	}
}

func TestExecute_FatalErrors(t *testing.T) {
	tests := []struct {
		name      string
		response  testutil.MockResponse
		wantClass fetch.ErrorClass
	}{
		{
			name:      "bad request",
			response:  testutil.MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error":"bad"}`},
			wantClass: fetch.ErrorClassClient,
		},
		{
			name:      "no chart",
			response:  testutil.NewChartResponse(`{"data":[]}`, `"x"`),
			wantClass: fetch.ErrorClassDecode,
		},
		{
			name:      "html page",
			response:  testutil.MockResponse{StatusCode: http.StatusOK, Body: "<html>maintenance</html>"},
			wantClass: fetch.ErrorClassDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockRegistry()
			defer mock.Close()
			c := newTestClient(t, mock)
			ctx := context.Background()
			if err := c.Login(ctx); err != nil {
				t.Fatalf("Login() error = %v", err)
			}

			mock.SetResponse(testutil.ChartPath, tt.response)
			_, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01"))
			if !fetch.IsFatal(err) || fetch.ClassOf(err) != tt.wantClass {
				t.Errorf("Execute() error = %v, want fatal %s", err, tt.wantClass)
			}
			if _, charts, _ := mock.Counts(); charts != 1 {
				t.Errorf("chart requests = %d, want 1", charts)
			}
		})
	}
}

func TestExecute_ResponseTooLarge(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	prev := maxBodySize
	maxBodySize = 64
	defer func() { maxBodySize = prev }()

	body := `{"chart":{"2020":{"COVID":1}},"pad":"` + strings.Repeat("x", 100) + `"}`
	mock.SetResponse(testutil.ChartPath, testutil.MockResponse{StatusCode: http.StatusOK, Body: body})

	_, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01"))
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("Execute() error = %v, want ErrResponseTooLarge", err)
	}
	if !fetch.IsFatal(err) || fetch.ClassOf(err) != fetch.ErrorClassDecode {
		t.Errorf("Execute() error = %v, want fatal decode error", err)
	}

	mock.SetResponse(testutil.ChartPath, testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"chart":{"2020":{"COVID":1}}}`})
	if _, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01")); err != nil {
		t.Errorf("Execute() within limit error = %v", err)
	}
}

func TestExecute_ThrottledRetries(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	mock.QueueResponses(testutil.ChartPath, testutil.NewThrottledResponse(0))
	if _, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, charts, _ := mock.Counts(); charts != 2 {
		t.Errorf("chart requests = %d, want 2", charts)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	mock.SetResponse(testutil.ChartPath, testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"chart":{}}`, Delay: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, chartQuery(t, c, "2020-05-01"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want deadline exceeded", err)
	}
}

func TestLogin_NoToken(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	mock.SetResponse(testutil.LoginPath, testutil.MockResponse{StatusCode: http.StatusOK, Body: "<html></html>"})
	c := newTestClient(t, mock)

	err := c.Login(context.Background())
	if !fetch.IsFatal(err) || !errors.Is(err, ErrNoToken) {
		t.Errorf("Login() error = %v, want fatal ErrNoToken", err)
	}
}

func TestFetchCities(t *testing.T) {
	mock := testutil.NewMockRegistry()
	defer mock.Close()
	c := newTestClient(t, mock)

	cities, raw, err := c.FetchCities(context.Background())
	if err != nil {
		t.Fatalf("FetchCities() error = %v", err)
	}
	if len(cities) != len(testutil.DefaultCities) {
		t.Fatalf("len(cities) = %d, want %d", len(cities), len(testutil.DefaultCities))
	}
	if cities[2] != (registry.City{State: "SP", Name: "São Paulo", ID: "3550308"}) {
		t.Errorf("cities[2] = %+v", cities[2])
	}
	if len(raw) == 0 {
		t.Error("raw body is empty")
	}

	table := registry.NewCityTable(nil).WithSource(c, "")
	city, err := table.Lookup(context.Background(), "RJ", "niteroi")
	if err != nil || city.ID != "3303302" {
		t.Errorf("Lookup() = %+v, %v, want Niterói 3303302", city, err)
	}
}
