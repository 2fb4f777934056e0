package swcache

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	cacheHits atomic.Uint64
	fallbacks atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int, source Source) {
	switch source {
	case SourceCache:
		s.cacheHits.Add(1)
	case SourceOffline, SourcePlaceholder:
		s.fallbacks.Add(1)
		return
	case SourceNetwork:
	default:
		return
	}

	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	CacheHits      uint64
	Fallbacks      uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	snap := statsSnapshot{
		TotalResponses: s.totalResponses.Load(),
		CacheHits:      s.cacheHits.Load(),
		Fallbacks:      s.fallbacks.Load(),
	}
	if snap.TotalResponses == 0 {
		return snap
	}
	snap.MinRespBytes = s.minRespBytes.Load()
	snap.MaxRespBytes = s.maxRespBytes.Load()
	snap.AvgRespBytes = s.totalRespBytes.Load() / snap.TotalResponses
	return snap
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := []zap.Field{zap.String("state", s.State().String())}
	names, err := s.store.ListGenerations(ctx)
	if err != nil {
		s.log.Warn("stats: list generations", zap.Error(err))
		return
	}
	for _, n := range names {
		g, err := s.store.OpenGeneration(ctx, n)
		if err != nil {
			continue
		}
		keys, err := g.Keys(ctx)
		if err != nil {
			continue
		}
		fields = append(fields, zap.Int("entries."+n, len(keys)))
	}

	ss := s.stats.Snapshot()
	fields = append(fields,
		zap.Uint64("responses", ss.TotalResponses),
		zap.Uint64("cacheHits", ss.CacheHits),
		zap.Uint64("fallbacks", ss.Fallbacks),
		zap.String("respMin", formatBytes(ss.MinRespBytes)),
		zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
		zap.String("respMax", formatBytes(ss.MaxRespBytes)),
	)
	s.log.Info("cache stats", fields...)
}
