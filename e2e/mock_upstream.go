package e2e

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPayload is a trimmed Visual Crossing timeline response
const DefaultPayload = `{"resolvedAddress":"London, England, United Kingdom","timezone":"Europe/London","days":[{"datetime":"2024-07-01","tempmax":21.3,"tempmin":12.1,"conditions":"Partially cloudy"}]}`

// MockUpstream stands in for the Visual Crossing timeline API
type MockUpstream struct {
	Server *httptest.Server

	calls atomic.Int64

	mu       sync.Mutex
	status   int
	body     string
	delay    time.Duration
	lastPath string
	lastKey  string
}

// NewMockUpstream starts a fake upstream that answers 200 with DefaultPayload
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{status: http.StatusOK, body: DefaultPayload}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL is the base URL to configure the gateway with
func (m *MockUpstream) URL() string {
	return m.Server.URL + "/timeline"
}

// Calls returns the number of requests the upstream has received
func (m *MockUpstream) Calls() int {
	return int(m.calls.Load())
}

// Respond makes later requests answer with status and body
func (m *MockUpstream) Respond(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.body = body
}

// Delay makes later requests wait d before answering
func (m *MockUpstream) Delay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// LastPath returns the path of the most recent request, minus the base
func (m *MockUpstream) LastPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPath
}

// LastKey returns the API key sent with the most recent request
func (m *MockUpstream) LastKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastKey
}

// Close stops the server
func (m *MockUpstream) Close() {
	m.Server.Close()
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)

	m.mu.Lock()
	status, body, delay := m.status, m.body, m.delay
	m.lastPath = strings.TrimPrefix(r.URL.EscapedPath(), "/timeline")
	m.lastKey = r.URL.Query().Get("key")
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
