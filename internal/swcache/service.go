package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"swcache/internal/store"
)

const adminPrefix = "/_swcache/"

// Lifecycle is the set of host events the manager reacts to.
type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	ServeHTTP(w http.ResponseWriter, r *http.Request)
	Push(ctx context.Context, payload []byte) (Notification, error)
	NotificationClick(ctx context.Context, id, action string) (string, error)
	Sync(ctx context.Context, tag string) error
}

var _ Lifecycle = (*Service)(nil)

type Service struct {
	cfg Config

	httpClient  *http.Client
	store       store.CacheStore
	ownsStore   bool
	notifier    Notifier
	syncHandler SyncHandler
	tracer      trace.Tracer

	log     *zap.Logger
	warnLog *throttledLogger
	metrics *metrics
	stats   *statsCollector

	lifecycleMu sync.Mutex
	state       atomic.Int32
	offline     atomic.Bool
	retrying    atomic.Bool
	strategy    map[Class]Strategy

	baseCtx   context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	bgMu      sync.Mutex
	closing   bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithStore injects the generation store. The caller keeps ownership.
func WithStore(st store.CacheStore) Option { return func(s *Service) { s.store = st } }

func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithSyncHandler(h SyncHandler) Option { return func(s *Service) { s.syncHandler = h } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer("swcache") }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Server.originURL == nil {
		if err := cfg.normalize(); err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.warnLog = newThrottledLogger(s.log, time.Minute)
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.Server.timeoutDur}
	}
	if s.notifier == nil {
		s.notifier = NewInbox(cfg.Push.MaxPending)
	}
	if s.syncHandler == nil {
		s.syncHandler = noopSync(s.log)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("swcache")
	}
	if s.store == nil {
		st, err := openStore(context.Background(), cfg.Storage)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownsStore = true
	}
	s.metrics = newMetrics()
	s.stats = newStatsCollector()
	s.strategy = s.strategies()
	s.state.Store(int32(StateInstalling))
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	if d := cfg.Logging.statsEveryDur; d > 0 {
		s.spawn(func(context.Context) { s.statsLoop(d) })
	}
	if d := cfg.Sync.checkEveryDur; d > 0 {
		s.spawn(func(context.Context) { s.reachabilityLoop(d) })
	}
	if d := cfg.Install.retryEveryDur; d > 0 {
		s.spawn(func(context.Context) { s.installRetryLoop(d) })
	}
	return s, nil
}

// spawn runs fn on a goroutine that Close waits for. Once Close has started
// it does nothing.
func (s *Service) spawn(fn func(ctx context.Context)) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.baseCtx)
	}()
	return true
}

func openStore(ctx context.Context, sc StorageConfig) (store.CacheStore, error) {
	switch sc.Backend {
	case "leveldb":
		return store.OpenLevelDB(sc.LevelDB.Path)
	case "redis":
		return store.NewRedis(ctx, store.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		})
	case "layered":
		disk, err := store.OpenLevelDB(sc.LevelDB.Path)
		if err != nil {
			return nil, err
		}
		return store.NewLayered(store.NewMemory(sc.ramMax), disk), nil
	}
	return store.NewMemory(sc.ramMax), nil
}

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.bgMu.Lock()
		s.closing = true
		s.bgMu.Unlock()

		s.cancel()
		close(s.stopCh)
		s.wg.Wait()
		if s.ownsStore {
			err = s.store.Close()
		}
	})
	return err
}

func (s *Service) State() State { return State(s.state.Load()) }

// Install fetches the manifest into the static generation. Either every
// manifest path is stored or install fails and the service turns redundant.
// A redundant service may be installed again.
func (s *Service) Install(ctx context.Context) error {
	s.lifecycleMu.Lock()
	switch st := s.State(); st {
	case StateInstalling, StateRedundant:
	default:
		s.lifecycleMu.Unlock()
		return fmt.Errorf("install: unexpected state %s", st)
	}
	s.state.Store(int32(StateInstalling))

	err := s.install(ctx)
	if err != nil {
		s.state.Store(int32(StateRedundant))
		s.lifecycleMu.Unlock()
		s.log.Error("install failed", zap.Error(err))
		return err
	}
	s.state.Store(int32(StateInstalled))
	s.lifecycleMu.Unlock()

	s.log.Info("installed",
		zap.String("static", s.cfg.StaticCacheName()),
		zap.Int("assets", len(s.cfg.Install.Manifest)),
	)
	s.precacheSitemaps(ctx)

	if *s.cfg.Lifecycle.SkipWaiting {
		return s.Activate(ctx)
	}
	return nil
}

// retryInstall reinstalls in the background after a failed install. At most
// one retry runs at a time.
func (s *Service) retryInstall() {
	if s.State() != StateRedundant || !s.retrying.CompareAndSwap(false, true) {
		return
	}
	started := s.spawn(func(ctx context.Context) {
		defer s.retrying.Store(false)
		if s.State() != StateRedundant {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := s.Install(ctx); err != nil {
			s.log.Warn("install retry failed", zap.Error(err))
		}
	})
	if !started {
		s.retrying.Store(false)
	}
}

func (s *Service) installRetryLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.retryInstall()
		}
	}
}

func (s *Service) install(ctx context.Context) error {
	entries := make([]store.Entry, 0, len(s.cfg.Install.Manifest))
	for _, p := range s.cfg.Install.Manifest {
		ent, err := s.fetchPath(ctx, p)
		if err != nil {
			return fmt.Errorf("install %s: %w", p, err)
		}
		entries = append(entries, ent)
	}

	g, err := s.store.OpenGeneration(ctx, s.cfg.StaticCacheName())
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.StaticCacheName(), err)
	}
	for i, p := range s.cfg.Install.Manifest {
		if err := g.Put(ctx, p, entries[i].Storable()); err != nil {
			return &FetchError{Kind: KindStore, URL: p, Err: err}
		}
	}
	return nil
}

// Activate removes every generation other than the current static and
// dynamic ones, then claims: from here on requests are intercepted.
func (s *Service) Activate(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch st := s.State(); st {
	case StateActivated:
		return nil
	case StateInstalled:
	default:
		return fmt.Errorf("activate: unexpected state %s", st)
	}
	s.state.Store(int32(StateActivating))

	names, err := s.store.ListGenerations(ctx)
	if err != nil {
		s.state.Store(int32(StateInstalled))
		return fmt.Errorf("activate: list generations: %w", err)
	}
	keep := map[string]bool{
		s.cfg.StaticCacheName():  true,
		s.cfg.DynamicCacheName(): true,
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := s.store.DeleteGeneration(ctx, name); err != nil {
			s.state.Store(int32(StateInstalled))
			return fmt.Errorf("activate: delete %s: %w", name, err)
		}
		s.metrics.generationsDeleted.Inc()
		s.log.Info("deleted stale generation", zap.String("name", name), zap.Bool("legacy", s.cfg.isLegacy(name)))
	}
	if _, err := s.store.OpenGeneration(ctx, s.cfg.DynamicCacheName()); err != nil {
		s.state.Store(int32(StateInstalled))
		return fmt.Errorf("activate: open %s: %w", s.cfg.DynamicCacheName(), err)
	}

	s.state.Store(int32(StateActivated))
	s.log.Info("activated", zap.String("static", s.cfg.StaticCacheName()), zap.String("dynamic", s.cfg.DynamicCacheName()))
	return nil
}

// Handler returns the proxy handler with the admin endpoints mounted.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+adminPrefix+"push", s.handlePush)
	mux.HandleFunc("GET "+adminPrefix+"notifications", s.handleNotifications)
	mux.HandleFunc("POST "+adminPrefix+"notifications/{id}/click", s.handleNotificationClick)
	mux.HandleFunc("POST "+adminPrefix+"activate", s.handleActivate)
	mux.HandleFunc("POST "+adminPrefix+"sync", s.handleSync)
	mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics.handler())
	mux.Handle("/", s)
	return mux
}

// ServeHTTP is the fetch event.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.sameOrigin(r) {
		s.metrics.requests.WithLabelValues(string(ClassOther), string(SourceRefused)).Inc()
		s.refuseCrossOrigin(w, r)
		return
	}
	if r.Method != http.MethodGet || s.State() != StateActivated {
		s.passThrough(w, r, SourcePassthrough)
		return
	}

	class, dest := s.classify(r)
	if class == ClassBypass {
		s.metrics.requests.WithLabelValues(string(class), string(SourceBypass)).Inc()
		s.passThrough(w, r, SourceBypass)
		return
	}
	st := s.strategy[class]

	ctx, span := s.tracer.Start(r.Context(), "swcache.fetch", trace.WithAttributes(
		attribute.String("swcache.class", string(class)),
		attribute.String("swcache.strategy", st.Name),
		attribute.String("swcache.destination", dest),
		attribute.String("http.target", r.URL.RequestURI()),
	))
	defer span.End()

	resp, err := s.fetchWithFallback(ctx, r, st, dest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.requests.WithLabelValues(string(class), string(SourceBadGateway)).Inc()
		s.badGateway(w, err)
		return
	}
	span.SetAttributes(attribute.String("swcache.source", string(resp.Source)))
	s.metrics.requests.WithLabelValues(string(class), string(resp.Source)).Inc()
	s.metrics.responseBytes.Observe(float64(len(resp.Entry.Body)))
	s.stats.Observe(len(resp.Entry.Body), resp.Source)
	writeEntry(w, resp.Entry, resp.Source)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	n, err := s.Push(r.Context(), b)
	if errors.Is(err, ErrBadPushPayload) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := s.notifier.Pending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	route, err := s.NotificationClick(r.Context(), r.PathValue("id"), r.URL.Query().Get("action"))
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		http.NotFound(w, r)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case route != "":
		http.Redirect(w, r, route, http.StatusSeeOther)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.Activate(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.State().String()})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "tag is required", http.StatusBadRequest)
		return
	}
	if err := s.Sync(r.Context(), tag); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
