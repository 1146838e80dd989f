// Package testutil provides a mock civil-registry portal for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Portal paths served by MockRegistry.
const (
	LoginPath  = "/registral-covid"
	ChartPath  = "/api/covid-covid-registral"
	CitiesPath = "/api/cities"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCity is one entry of the mock city list.
type MockCity struct {
	UF   string `json:"uf"`
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// DefaultCities is served by the cities endpoint unless replaced.
var DefaultCities = []MockCity{
	{UF: "RJ", Name: "Rio de Janeiro", ID: 3304557},
	{UF: "RJ", Name: "Niterói", ID: 3303302},
	{UF: "SP", Name: "São Paulo", ID: 3550308},
}

// MockRegistry is a configurable mock of the registry portal. The login page
// hands out an XSRF-TOKEN cookie that chart requests must echo in the
// X-XSRF-TOKEN header; the chart endpoint answers with a deterministic chart
// derived from the request.
type MockRegistry struct {
	server *httptest.Server

	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse
	token     string
	cities    []MockCity

	// RequireToken rejects chart requests without the current token with 401.
	RequireToken bool

	// Tracking
	RequestCount      int
	ChartCount        int
	LoginCount        int
	ConditionalCount  int
	LastRequestHeader http.Header
	LastQuery         url.Values
}

// NewMockRegistry starts a mock portal.
func NewMockRegistry() *MockRegistry {
	mock := &MockRegistry{
		handlers:     make(map[string]http.HandlerFunc),
		sequences:    make(map[string][]MockResponse),
		cities:       DefaultCities,
		RequireToken: true,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		if r.URL.Path == ChartPath {
			mock.ChartCount++
			mock.LastQuery = r.URL.Query()
		}

		if seq := mock.sequences[r.URL.Path]; len(seq) > 0 {
			resp := seq[0]
			mock.sequences[r.URL.Path] = seq[1:]
			mock.mu.Unlock()
			writeResponse(w, resp)
			return
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockRegistry) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRegistry) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockRegistry) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ChartCount = 0
	m.LoginCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockRegistry) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockRegistry) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// QueueResponses serves resps, in order, before falling back to the path's
// handler.
func (m *MockRegistry) QueueResponses(path string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = append(m.sequences[path], resps...)
}

// SetCities replaces the city list.
func (m *MockRegistry) SetCities(cities []MockCity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cities = cities
}

// ExpireSession invalidates the current token; the next chart request gets 401.
func (m *MockRegistry) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// Counts returns requests, chart requests and logins served so far.
func (m *MockRegistry) Counts() (requests, charts, logins int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount, m.ChartCount, m.LoginCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockRegistry) GetConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConditionalCount
}

func (m *MockRegistry) defaultHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case LoginPath:
		m.mu.Lock()
		m.LoginCount++
		m.token = fmt.Sprintf("token-%d", m.LoginCount)
		token := m.token
		m.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: token, Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html></html>"))

	case ChartPath:
		m.mu.Lock()
		token, require := m.token, m.RequireToken
		m.mu.Unlock()
		if require && (token == "" || r.Header.Get("X-XSRF-TOKEN") != token) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthenticated"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(ChartFor(r.URL.Query())))

	case CitiesPath:
		m.mu.Lock()
		body, _ := json.Marshal(map[string][]MockCity{"cities": m.cities})
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ChartFor is the chart served for a query: COVID in 2020 equals the day of
// end_date, SRAG in 2019 equals the number of requested places and SRAG in
// 2020 is 1 for a city and 0 otherwise.
func ChartFor(q url.Values) string {
	day := 0
	if end, err := time.Parse("2006-01-02", q.Get("end_date")); err == nil {
		day = end.Day()
	}
	city := 0
	if q.Get("city_id") != "" {
		city = 1
	}
	return `{"chart":{"2019":{"SRAG":` + strconv.Itoa(len(q["places[]"])) + `},` +
		`"2020":{"COVID":` + strconv.Itoa(day) + `,"SRAG":` + strconv.Itoa(city) + `}}}`
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewThrottledResponse creates a 429 Too Many Requests response.
func NewThrottledResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"too many requests"}`,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(retryAfter)},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"internal server error"}`,
	}
}

// NewChartResponse creates a 200 response with the given body and an ETag.
func NewChartResponse(body, etag string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"ETag":         etag,
		},
	}
}

// NewConditionalHandler answers 304 when If-None-Match carries etag.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
