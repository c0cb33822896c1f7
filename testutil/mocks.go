package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockSiteAPI is a test server standing in for the channel site's API.
type MockSiteAPI struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	tokens   []string
}

// NewMockSiteAPI starts a server that answers 404 for unregistered paths.
func NewMockSiteAPI(t *testing.T) *MockSiteAPI {
	t.Helper()
	m := &MockSiteAPI{handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for an exact path.
func (m *MockSiteAPI) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// MockLogout answers POST /auth/session/logout with status and records the
// X-Session-Token header. It returns the endpoint URL.
func (m *MockSiteAPI) MockLogout(status int) string {
	m.Handle("/auth/session/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		m.mu.Lock()
		m.tokens = append(m.tokens, r.Header.Get("X-Session-Token"))
		m.mu.Unlock()
		w.WriteHeader(status)
	})
	return m.URL + "/auth/session/logout"
}

// LogoutTokens returns the session tokens seen by the logout endpoint.
func (m *MockSiteAPI) LogoutTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}
