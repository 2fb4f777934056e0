package swcache

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"swcache/internal/store"
)

// Strategy describes how one request class is served. The three strategies
// differ only in data; fetchWithFallback runs them all.
type Strategy struct {
	Name  string
	Class Class
	// CacheFirst checks the generations before the network. Otherwise the
	// generations are consulted only when the network fails.
	CacheFirst bool
	// Store is the generation that successful network responses go to.
	Store string
	// Fallback produces synthetic content when network and cache both miss.
	Fallback func(url, dest string) (Response, bool)
}

func (s *Service) strategies() map[Class]Strategy {
	return map[Class]Strategy{
		ClassDocument: {
			Name:     "network-first",
			Class:    ClassDocument,
			Store:    s.cfg.DynamicCacheName(),
			Fallback: offlineFallback,
		},
		ClassStatic: {
			Name:       "cache-first",
			Class:      ClassStatic,
			CacheFirst: true,
			Store:      s.cfg.StaticCacheName(),
			Fallback:   imageFallback,
		},
		ClassOther: {
			Name:  "network-first",
			Class: ClassOther,
			Store: s.cfg.DynamicCacheName(),
		},
	}
}

// fetchWithFallback resolves r with st. The error is always a *FetchError
// and is only returned when nothing (network, cache or fallback) answered.
func (s *Service) fetchWithFallback(ctx context.Context, r *http.Request, st Strategy, dest string) (Response, error) {
	key := cacheKey(r)

	if st.CacheFirst {
		if ent, ok := s.lookup(ctx, key); ok {
			return Response{Entry: ent, Source: SourceCache}, nil
		}
	}

	ent, err := s.fetchFromOrigin(ctx, r)
	if err == nil {
		if ent.Cacheable() {
			s.storeEntry(ctx, st.Store, key, ent)
		}
		return Response{Entry: ent, Source: SourceNetwork}, nil
	}
	s.metrics.networkFailures.WithLabelValues(string(st.Class)).Inc()

	if !st.CacheFirst {
		if ent, ok := s.lookup(ctx, key); ok {
			return Response{Entry: ent, Source: SourceCache}, nil
		}
	}
	if st.Fallback != nil {
		if resp, ok := st.Fallback(key, dest); ok {
			return resp, nil
		}
	}
	return Response{}, err
}

// lookup searches every generation. Store failures count as a miss.
func (s *Service) lookup(ctx context.Context, key string) (store.Entry, bool) {
	ent, ok, err := s.store.Match(ctx, key)
	if err != nil {
		s.warnLog.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return store.Entry{}, false
	}
	return ent, ok
}

// storeEntry writes into the named generation. It runs on a context detached
// from the client so a disconnect does not cancel the write, and failures are
// logged rather than returned.
func (s *Service) storeEntry(ctx context.Context, gen, key string, ent store.Entry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Storage.writeTimeoutDur)
	defer cancel()

	err := s.put(wctx, gen, key, ent)
	if err != nil {
		s.metrics.cacheWrites.WithLabelValues(gen, "error").Inc()
		s.warnLog.Warn("cache write failed",
			zap.String("generation", gen),
			zap.String("key", key),
			zap.Error(&FetchError{Kind: KindStore, URL: key, Err: err}),
		)
		return
	}
	s.metrics.cacheWrites.WithLabelValues(gen, "ok").Inc()
}

func (s *Service) put(ctx context.Context, gen, key string, ent store.Entry) error {
	g, err := s.store.OpenGeneration(ctx, gen)
	if err != nil {
		return err
	}
	return g.Put(ctx, key, ent.Storable())
}
