// Package httputil abstracts outbound HTTP so handlers that download
// track files from remote URLs can be tested without a network.
package httputil

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPClient is the request surface the API server uses to fetch remote
// track files. *http.Client satisfies it; MockHTTPClient backs tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client.
type StandardClient struct {
	*http.Client
}

// NewStandardClient wraps c. A nil c gets a client with a download
// timeout suited to large track files; per-request deadlines still
// come from the request context.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Minute}
	}
	return &StandardClient{Client: c}
}

func (c *StandardClient) Do(req *http.Request) (*http.Response, error) {
	return c.Client.Do(req)
}

// MockHTTPClient replays canned responses in FIFO order and records
// every request it sees.
type MockHTTPClient struct {
	mu       sync.Mutex
	queue    []cannedResponse
	requests []*http.Request
}

type cannedResponse struct {
	status int
	body   string
	err    error
}

// NewMockHTTPClient returns a mock with an empty response queue.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a response with the given status code and body.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, cannedResponse{status: statusCode, body: body})
	return m
}

// AddErrorResponse queues a transport-level failure.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, cannedResponse{err: err})
	return m
}

// Do records req and pops the next canned response. An empty queue is
// a test bug and fails the request loudly.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.queue) == 0 {
		return nil, fmt.Errorf("mock http client: no canned response for %s %s", req.Method, req.URL)
	}
	next := m.queue[0]
	m.queue = m.queue[1:]

	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", next.status, http.StatusText(next.status)),
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// RequestCount returns how many requests the mock has served.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// GetRequest returns the nth recorded request, or nil when out of range.
func (m *MockHTTPClient) GetRequest(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil
	}
	return m.requests[n]
}

// Reset clears the queue and the recorded requests.
func (m *MockHTTPClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.requests = nil
}
