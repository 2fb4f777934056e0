package swcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"swcache/internal/store"
)

func TestServeHTTP_DocumentIsStoredInDynamic(t *testing.T) {
	o := newFakeOrigin()
	s, st := activeService(t, o)

	rec := get(t, s, "/", "document")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shell /", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get("X-Swcache"))

	ent, ok := cached(t, st, "dynamic-v1", "/")
	require.True(t, ok)
	assert.Equal(t, "shell /", string(ent.Body))
}

func TestServeHTTP_DocumentOfflineServesCachedCopy(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/courses/42", "text/html", "<h1>Course 42</h1>")
	s, _ := activeService(t, o)

	require.Equal(t, "network", get(t, s, "/courses/42", "document").Header().Get("X-Swcache"))

	o.down.Store(true)
	rec := get(t, s, "/courses/42", "document")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>Course 42</h1>", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get("X-Swcache"))
	assert.False(t, s.Online())
}

func TestServeHTTP_DocumentOfflineWithoutCacheServesOfflinePage(t *testing.T) {
	o := newFakeOrigin()
	s, st := activeService(t, o)
	o.down.Store(true)

	rec := get(t, s, "/courses/never-seen", "document")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "You are offline")
	assert.Equal(t, "offline", rec.Header().Get("X-Swcache"))

	_, ok := cached(t, st, "dynamic-v1", "/courses/never-seen")
	assert.False(t, ok, "fallback content must not be cached")
}

func TestServeHTTP_ImageOfflineWithoutCacheServesPlaceholder(t *testing.T) {
	o := newFakeOrigin()
	s, st := activeService(t, o)
	o.down.Store(true)

	rec := get(t, s, "/logo.png", "image")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<svg")
	assert.Equal(t, "placeholder", rec.Header().Get("X-Swcache"))

	_, ok := cached(t, st, "static-v1", "/logo.png")
	assert.False(t, ok)
}

func TestServeHTTP_StyleAndScriptOfflineWithoutCacheFail(t *testing.T) {
	o := newFakeOrigin()
	s, _ := activeService(t, o)
	o.down.Store(true)

	for _, tc := range []struct{ target, dest string }{
		{"/app.css", "style"},
		{"/app.js", "script"},
	} {
		rec := get(t, s, tc.target, tc.dest)
		assert.Equal(t, http.StatusBadGateway, rec.Code, tc.target)
		assert.Equal(t, "bad-gateway", rec.Header().Get("X-Swcache"), tc.target)
	}
}

func TestServeHTTP_StaticCacheHitSkipsNetwork(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/app.css", "text/css", "body{}")
	s, st := activeService(t, o)

	first := get(t, s, "/app.css", "style")
	require.Equal(t, "network", first.Header().Get("X-Swcache"))
	require.Equal(t, 1, o.callsTo("/app.css"))

	second := get(t, s, "/app.css", "style")
	assert.Equal(t, "cache", second.Header().Get("X-Swcache"))
	assert.Equal(t, "body{}", second.Body.String())
	assert.Equal(t, "text/css", second.Header().Get("Content-Type"))
	assert.Equal(t, 1, o.callsTo("/app.css"), "cache hit must not touch the network")

	_, ok := cached(t, st, "static-v1", "/app.css")
	assert.True(t, ok)
}

func TestServeHTTP_ShellAssetServedFromInstallCache(t *testing.T) {
	o := newFakeOrigin()
	s, _ := activeService(t, o)
	require.Equal(t, 1, o.callsTo("/favicon.ico"))

	rec := get(t, s, "/favicon.ico", "image")

	assert.Equal(t, "cache", rec.Header().Get("X-Swcache"))
	assert.Equal(t, 1, o.callsTo("/favicon.ico"))
}

func TestServeHTTP_StaticRepeatedRequestIsIdempotent(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/logo.png", "image/png", "PNG")
	s, st := activeService(t, o)

	get(t, s, "/logo.png", "image")
	before, ok := cached(t, st, "static-v1", "/logo.png")
	require.True(t, ok)

	get(t, s, "/logo.png", "image")
	after, ok := cached(t, st, "static-v1", "/logo.png")
	require.True(t, ok)

	assert.Equal(t, before.Body, after.Body)
	assert.Equal(t, before.StoredAt, after.StoredAt)
}

func TestServeHTTP_OtherRequestsAreNetworkFirst(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/api/courses", "application/json", `[{"id":1}]`)
	s, st := activeService(t, o)

	rec := get(t, s, "/api/courses", "")
	require.Equal(t, "network", rec.Header().Get("X-Swcache"))
	_, ok := cached(t, st, "dynamic-v1", "/api/courses")
	require.True(t, ok)

	o.down.Store(true)
	rec = get(t, s, "/api/courses", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Swcache"))
	assert.Equal(t, `[{"id":1}]`, rec.Body.String())

	rec = get(t, s, "/api/progress", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad-gateway", rec.Header().Get("X-Swcache"))
}

func TestServeHTTP_OnlySuccessfulResponsesAreCached(t *testing.T) {
	o := newFakeOrigin()
	o.serveFull("/api/broken", http.StatusInternalServerError, http.Header{}, "boom")
	noStore := http.Header{}
	noStore.Set("Cache-Control", "no-store")
	o.serveFull("/api/private", http.StatusOK, noStore, "secret")
	s, st := activeService(t, o)

	rec := get(t, s, "/api/broken", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Swcache"))

	rec = get(t, s, "/api/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/api/private", "")
	assert.Equal(t, "secret", rec.Body.String())

	for _, key := range []string{"/api/broken", "/api/missing", "/api/private"} {
		_, ok := cached(t, st, "dynamic-v1", key)
		assert.False(t, ok, key)
	}
}

func TestServeHTTP_NonGetPassesThroughUntouched(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/api/enroll", "application/json", `{"ok":true}`)
	s, st := activeService(t, o)
	gensBefore := generations(t, st)

	req := httptest.NewRequest(http.MethodPost, "/api/enroll", strings.NewReader(`{"course":42}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "passthrough", rec.Header().Get("X-Swcache"))

	sent, body := o.lastRequest()
	require.NotNil(t, sent)
	assert.Equal(t, http.MethodPost, sent.Method)
	assert.Equal(t, `{"course":42}`, body)
	assert.Equal(t, "application/json", sent.Header.Get("Content-Type"))

	assert.Equal(t, gensBefore, generations(t, st))
	for _, gen := range gensBefore {
		_, ok := cached(t, st, gen, "/api/enroll")
		assert.False(t, ok, gen)
	}
}

func TestServeHTTP_CrossOriginIsRefused(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/lib.js", "text/javascript", "lib()")
	o.serve("/latest/meta-data", "text/plain", "secret")
	s, st := activeService(t, o)

	for _, target := range []string{"http://cdn.other.test/lib.js", "http://169.254.169.254/latest/meta-data"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Sec-Fetch-Dest", "script")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code, target)
		assert.Equal(t, "refused", rec.Header().Get("X-Swcache"), target)
	}

	req := httptest.NewRequest(http.MethodPost, "http://169.254.169.254/latest/meta-data", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Zero(t, o.callsTo("/lib.js"))
	assert.Zero(t, o.callsTo("/latest/meta-data"))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("other", "refused")))
	_, ok := cached(t, st, "static-v1", "/lib.js")
	assert.False(t, ok)
}

func TestServeHTTP_PartialContentIsNotCached(t *testing.T) {
	o := newFakeOrigin()
	h := http.Header{}
	h.Set("Content-Type", "image/png")
	h.Set("Content-Range", "bytes 0-3/8")
	o.serveFull("/img/intro.png", http.StatusPartialContent, h, "PART")
	s, st := activeService(t, o)

	req := httptest.NewRequest(http.MethodGet, "/img/intro.png", nil)
	req.Header.Set("Sec-Fetch-Dest", "image")
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "PART", rec.Body.String())
	_, ok := cached(t, st, "static-v1", "/img/intro.png")
	assert.False(t, ok)

	o.serve("/img/intro.png", "image/png", "FULLBODY")
	rec = get(t, s, "/img/intro.png", "image")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FULLBODY", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get("X-Swcache"))
	assert.Equal(t, 2, o.callsTo("/img/intro.png"))
}

func TestServeHTTP_CookiesAreNotReplayed(t *testing.T) {
	o := newFakeOrigin()
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	h.Set("Set-Cookie", "session=alice; HttpOnly")
	o.serveFull("/dashboard", http.StatusOK, h, "welcome")
	s, st := activeService(t, o)

	rec := get(t, s, "/dashboard", "document")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session=alice; HttpOnly", rec.Header().Get("Set-Cookie"))

	ent, ok := cached(t, st, "dynamic-v1", "/dashboard")
	require.True(t, ok)
	assert.Empty(t, ent.Header.Values("Set-Cookie"))

	o.down.Store(true)
	rec = get(t, s, "/dashboard", "document")
	assert.Equal(t, "cache", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "welcome", rec.Body.String())
	assert.Empty(t, rec.Header().Values("Set-Cookie"))
}

func TestServeHTTP_PrivateResponsesAreNotCached(t *testing.T) {
	o := newFakeOrigin()
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "private, max-age=60")
	o.serveFull("/api/me", http.StatusOK, h, `{"name":"alice"}`)
	s, st := activeService(t, o)

	rec := get(t, s, "/api/me", "")
	assert.Equal(t, `{"name":"alice"}`, rec.Body.String())
	_, ok := cached(t, st, "dynamic-v1", "/api/me")
	assert.False(t, ok)
}

func TestServeHTTP_CacheHitOmitsHopHeaders(t *testing.T) {
	o := newFakeOrigin()
	s, st := activeService(t, o)

	g, err := st.OpenGeneration(context.Background(), "static-v1")
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Content-Type", "text/css")
	h.Set("Connection", "keep-alive")
	h.Set("Keep-Alive", "timeout=5")
	require.NoError(t, g.Put(context.Background(), "/old.css", store.NewEntry("/old.css", http.StatusOK, h, []byte("a{}"))))

	rec := get(t, s, "/old.css", "style")

	assert.Equal(t, "cache", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
	assert.Zero(t, o.callsTo("/old.css"))
}

func TestServeHTTP_PassesThroughUntilActivated(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/app.css", "text/css", "body{}")
	s, st := newTestService(t, o, testConfig(t, "lifecycle:\n  skipWaiting: false\n"))

	require.NoError(t, s.Install(context.Background()))
	require.Equal(t, StateInstalled, s.State())

	rec := get(t, s, "/app.css", "style")
	assert.Equal(t, "passthrough", rec.Header().Get("X-Swcache"))
	_, ok := cached(t, st, "static-v1", "/app.css")
	assert.False(t, ok)

	h := s.Handler()
	act := httptest.NewRecorder()
	h.ServeHTTP(act, httptest.NewRequest(http.MethodPost, "/_swcache/activate", nil))
	require.Equal(t, http.StatusOK, act.Code)
	assert.JSONEq(t, `{"state":"activated"}`, act.Body.String())

	rec = get(t, h, "/app.css", "style")
	assert.Equal(t, "network", rec.Header().Get("X-Swcache"))
	_, ok = cached(t, st, "static-v1", "/app.css")
	assert.True(t, ok)
}

func TestServeHTTP_BypassRule(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/api/live/feed", "application/json", "[]")
	s, st := newTestService(t, o, testConfig(t, `rules:
  - match: PathPrefix(/api/live)
    class: bypass
`))
	require.NoError(t, s.Install(context.Background()))

	rec := get(t, s, "/api/live/feed", "")
	assert.Equal(t, "bypass", rec.Header().Get("X-Swcache"))
	_, ok := cached(t, st, "dynamic-v1", "/api/live/feed")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("bypass", "bypass")))
}

func TestServeHTTP_ConcurrentRequests(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/app.js", "text/javascript", "app()")
	o.serve("/api/me", "application/json", "{}")
	s, _ := activeService(t, o)

	var wg sync.WaitGroup
	statuses := make(chan int, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			statuses <- get(t, s, "/app.js", "script").Code
		}()
		go func() {
			defer wg.Done()
			statuses <- get(t, s, "/api/me", "").Code
		}()
	}
	wg.Wait()
	close(statuses)
	for c := range statuses {
		assert.Equal(t, http.StatusOK, c)
	}
}

func TestServeHTTP_ExposesSourceHeader(t *testing.T) {
	o := newFakeOrigin()
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Access-Control-Expose-Headers", "X-Request-Id")
	o.serveFull("/api/me", http.StatusOK, h, "{}")
	s, _ := activeService(t, o)

	rec := get(t, s, "/api/me", "")

	assert.Equal(t, "X-Request-Id, X-Swcache", rec.Header().Get("Access-Control-Expose-Headers"))
}

type failingStore struct {
	store.CacheStore
	failGen string
}

func (f failingStore) OpenGeneration(ctx context.Context, name string) (store.Generation, error) {
	g, err := f.CacheStore.OpenGeneration(ctx, name)
	if err != nil || name != f.failGen {
		return g, err
	}
	return failingGeneration{g}, nil
}

type failingGeneration struct{ store.Generation }

func (failingGeneration) Put(context.Context, string, store.Entry) error {
	return errors.New("disk full")
}

func TestServeHTTP_CacheWriteFailureStillAnswers(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/api/courses", "application/json", "[]")
	s, _ := activeService(t, o, WithStore(failingStore{CacheStore: store.NewMemory(0), failGen: "dynamic-v1"}))

	rec := get(t, s, "/api/courses", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get("X-Swcache"))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheWrites.WithLabelValues("dynamic-v1", "error")))
}

func TestInstall_StoresManifestAndActivates(t *testing.T) {
	o := newFakeOrigin()
	s, st := activeService(t, o)

	for _, p := range DefaultManifest {
		ent, ok := cached(t, st, "static-v1", p)
		require.True(t, ok, p)
		assert.Equal(t, "shell "+p, string(ent.Body))
	}
	assert.Equal(t, []string{"static-v1", "dynamic-v1"}, generations(t, st))
	assert.True(t, s.Online())
}

func TestInstall_IsAllOrNothing(t *testing.T) {
	o := newFakeOrigin()
	o.serveFull("/favicon.svg", http.StatusNotFound, http.Header{}, "missing")
	s, st := newTestService(t, o, testConfig(t, ""))

	err := s.Install(context.Background())

	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindStatus, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.False(t, IsNetworkError(err))

	assert.Equal(t, StateRedundant, s.State())
	assert.Empty(t, generations(t, st))

	rec := get(t, s, "/favicon.ico", "image")
	assert.Equal(t, "passthrough", rec.Header().Get("X-Swcache"))
}

func TestInstall_NetworkFailure(t *testing.T) {
	o := newFakeOrigin()
	o.down.Store(true)
	s, st := newTestService(t, o, testConfig(t, ""))

	err := s.Install(context.Background())

	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, StateRedundant, s.State())
	assert.Empty(t, generations(t, st))
}

func TestInstall_OnlyOnce(t *testing.T) {
	o := newFakeOrigin()
	s, _ := activeService(t, o)

	assert.Error(t, s.Install(context.Background()))
	assert.Equal(t, StateActivated, s.State())
}

func TestInstall_RetriesAfterFailure(t *testing.T) {
	o := newFakeOrigin()
	o.down.Store(true)
	s, st := newTestService(t, o, testConfig(t, ""))

	require.Error(t, s.Install(context.Background()))
	require.Equal(t, StateRedundant, s.State())

	o.down.Store(false)
	require.NoError(t, s.Install(context.Background()))
	assert.Equal(t, StateActivated, s.State())
	assert.Equal(t, []string{"static-v1", "dynamic-v1"}, generations(t, st))
}

func TestInstall_RetriesWhenOriginReturns(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/api/ping", "application/json", "{}")
	o.down.Store(true)
	s, _ := newTestService(t, o, testConfig(t, ""))

	require.Error(t, s.Install(context.Background()))
	require.False(t, s.Online())

	o.down.Store(false)
	rec := get(t, s, "/api/ping", "")
	assert.Equal(t, "passthrough", rec.Header().Get("X-Swcache"))

	require.Eventually(t, func() bool { return s.State() == StateActivated }, 2*time.Second, 10*time.Millisecond)
}

func TestInstall_RetryLoop(t *testing.T) {
	o := newFakeOrigin()
	o.serveFull("/favicon.svg", http.StatusServiceUnavailable, http.Header{}, "busy")
	s, _ := newTestService(t, o, testConfig(t, "install:\n  retryEvery: 20ms\n"))

	require.Error(t, s.Install(context.Background()))
	require.Equal(t, StateRedundant, s.State())

	o.serve("/favicon.svg", "image/svg+xml", "<svg/>")
	require.Eventually(t, func() bool { return s.State() == StateActivated }, 2*time.Second, 10*time.Millisecond)
}

func TestActivate_RequiresInstall(t *testing.T) {
	s, _ := newTestService(t, newFakeOrigin(), testConfig(t, ""))

	assert.Error(t, s.Activate(context.Background()))
	assert.Equal(t, StateInstalling, s.State())
}

func TestActivate_DeletesOnlyStaleGenerations(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(0)
	for _, name := range []string{"static-v1", "dynamic-v1", "multilearn-v1"} {
		g, err := mem.OpenGeneration(ctx, name)
		require.NoError(t, err)
		require.NoError(t, g.Put(ctx, "/old", store.NewEntry("/old", http.StatusOK, nil, []byte(name))))
	}

	o := newFakeOrigin()
	s, st := activeService(t, o, WithStore(mem))

	assert.Equal(t, []string{"static-v1", "dynamic-v1"}, generations(t, st))
	ent, ok := cached(t, st, "dynamic-v1", "/old")
	require.True(t, ok)
	assert.Equal(t, "dynamic-v1", string(ent.Body))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.generationsDeleted))
}

func TestActivate_DeletesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(0)
	for _, name := range []string{"static-v1", "dynamic-v1"} {
		_, err := mem.OpenGeneration(ctx, name)
		require.NoError(t, err)
	}

	s, st := newTestService(t, newFakeOrigin(), testConfig(t, "cache:\n  version: v2\n"), WithStore(mem))
	require.NoError(t, s.Install(ctx))

	assert.Equal(t, []string{"static-v2", "dynamic-v2"}, generations(t, st))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.generationsDeleted))
}

func TestActivate_Idempotent(t *testing.T) {
	s, st := activeService(t, newFakeOrigin())

	require.NoError(t, s.Activate(context.Background()))
	assert.Equal(t, []string{"static-v1", "dynamic-v1"}, generations(t, st))
}

func TestServeHTTP_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	o := newFakeOrigin()
	s, _ := activeService(t, o, WithTracerProvider(tp))
	o.down.Store(true)

	get(t, s, "/logo.png", "image")
	get(t, s, "/app.css", "style")

	spans := sr.Ended()
	require.Len(t, spans, 2)

	img := spans[0]
	assert.Equal(t, "swcache.fetch", img.Name())
	assert.Equal(t, "static", spanAttr(img.Attributes(), "swcache.class"))
	assert.Equal(t, "cache-first", spanAttr(img.Attributes(), "swcache.strategy"))
	assert.Equal(t, "image", spanAttr(img.Attributes(), "swcache.destination"))
	assert.Equal(t, "placeholder", spanAttr(img.Attributes(), "swcache.source"))

	css := spans[1]
	assert.Equal(t, codes.Error, css.Status().Code)
	assert.Equal(t, "", spanAttr(css.Attributes(), "swcache.source"))
}

func spanAttr(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestMetrics(t *testing.T) {
	o := newFakeOrigin()
	o.serve("/app.css", "text/css", "body{}")
	s, _ := activeService(t, o)
	h := s.Handler()

	get(t, h, "/app.css", "style")
	get(t, h, "/app.css", "style")
	o.down.Store(true)
	get(t, h, "/api/x", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("static", "network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("static", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("other", "bad-gateway")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.networkFailures.WithLabelValues("other")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.cacheWrites.WithLabelValues("static-v1", "ok")))

	rec := get(t, h, "/_swcache/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swcache_requests_total")
	assert.Contains(t, rec.Body.String(), "swcache_generations_deleted_total")
}

func TestStatsCollector(t *testing.T) {
	s, _ := activeService(t, newFakeOrigin())

	s.stats.Observe(100, SourceNetwork)
	s.stats.Observe(300, SourceCache)
	s.stats.Observe(999, SourcePlaceholder)
	s.stats.Observe(999, SourcePassthrough)

	snap := s.stats.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalResponses)
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.Fallbacks)
	assert.Equal(t, uint64(100), snap.MinRespBytes)
	assert.Equal(t, uint64(300), snap.MaxRespBytes)
	assert.Equal(t, uint64(200), snap.AvgRespBytes)

	s.logStats()
}
