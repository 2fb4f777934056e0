package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swcache/internal/store"
)

const testOrigin = "http://origin.test"

type originResponse struct {
	status int
	header http.Header
	body   string
}

// fakeOrigin is an http.RoundTripper standing in for the network. It serves
// canned responses, counts calls per request URI and can be switched off.
type fakeOrigin struct {
	mu       sync.Mutex
	routes   map[string]originResponse
	calls    map[string]int
	requests []*http.Request
	bodies   []string

	down atomic.Bool
}

func newFakeOrigin() *fakeOrigin {
	o := &fakeOrigin{routes: map[string]originResponse{}, calls: map[string]int{}}
	for _, p := range DefaultManifest {
		o.serve(p, "text/html", "shell "+p)
	}
	return o
}

func (o *fakeOrigin) serve(uri, contentType, body string) {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	o.serveFull(uri, http.StatusOK, h, body)
}

func (o *fakeOrigin) serveFull(uri string, status int, h http.Header, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[uri] = originResponse{status: status, header: h, body: body}
}

func (o *fakeOrigin) callsTo(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[uri]
}

func (o *fakeOrigin) lastRequest() (*http.Request, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return nil, ""
	}
	return o.requests[len(o.requests)-1], o.bodies[len(o.bodies)-1]
}

func (o *fakeOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}

	o.mu.Lock()
	uri := req.URL.RequestURI()
	o.calls[uri]++
	o.requests = append(o.requests, req)
	o.bodies = append(o.bodies, body)
	route, ok := o.routes[uri]
	o.mu.Unlock()

	if o.down.Load() {
		return nil, errors.New("dial tcp: connect: connection refused")
	}

	rec := httptest.NewRecorder()
	if !ok {
		http.NotFound(rec, req)
		return rec.Result(), nil
	}
	for k, vs := range route.header {
		for _, v := range vs {
			rec.Header().Add(k, v)
		}
	}
	rec.WriteHeader(route.status)
	_, _ = io.WriteString(rec, route.body)
	return rec.Result(), nil
}

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: " + testOrigin + "\n" + extra))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, o *fakeOrigin, cfg Config, opts ...Option) (*Service, store.CacheStore) {
	t.Helper()
	base := []Option{
		WithHTTPClient(&http.Client{Transport: o}),
		WithStore(store.NewMemory(0)),
		WithLogger(zaptest.NewLogger(t)),
	}
	s, err := NewService(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, s.store
}

// activeService returns an installed and activated service.
func activeService(t *testing.T, o *fakeOrigin, opts ...Option) (*Service, store.CacheStore) {
	t.Helper()
	s, st := newTestService(t, o, testConfig(t, ""), opts...)
	require.NoError(t, s.Install(context.Background()))
	require.Equal(t, StateActivated, s.State())
	return s, st
}

func get(t *testing.T, h http.Handler, target, dest string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func cached(t *testing.T, st store.CacheStore, gen, key string) (store.Entry, bool) {
	t.Helper()
	names, err := st.ListGenerations(context.Background())
	require.NoError(t, err)
	found := false
	for _, n := range names {
		found = found || n == gen
	}
	if !found {
		return store.Entry{}, false
	}
	g, err := st.OpenGeneration(context.Background(), gen)
	require.NoError(t, err)
	ent, ok, err := g.Get(context.Background(), key)
	require.NoError(t, err)
	return ent, ok
}

func generations(t *testing.T, st store.CacheStore) []string {
	t.Helper()
	names, err := st.ListGenerations(context.Background())
	require.NoError(t, err)
	return names
}
