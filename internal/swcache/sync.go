package swcache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SyncHandler runs deferred work once connectivity to the origin returns.
type SyncHandler interface {
	OnSync(ctx context.Context, tag string) error
}

// SyncFunc adapts a function to SyncHandler.
type SyncFunc func(ctx context.Context, tag string) error

func (f SyncFunc) OnSync(ctx context.Context, tag string) error { return f(ctx, tag) }

func noopSync(log *zap.Logger) SyncHandler {
	return SyncFunc(func(_ context.Context, tag string) error {
		log.Debug("background sync", zap.String("tag", tag))
		return nil
	})
}

// Sync runs the sync handler for one tag.
func (s *Service) Sync(ctx context.Context, tag string) error {
	return s.syncHandler.OnSync(ctx, tag)
}

// Online reports the last observed origin reachability.
func (s *Service) Online() bool { return !s.offline.Load() }

func (s *Service) markOffline(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if s.offline.CompareAndSwap(false, true) {
		s.log.Warn("origin unreachable, serving offline", zap.Error(err))
	}
}

func (s *Service) markOnline() {
	if s.offline.CompareAndSwap(true, false) {
		s.log.Info("origin reachable again")
		s.fireSync()
		s.retryInstall()
	}
}

func (s *Service) fireSync() {
	tags := s.cfg.Sync.Tags
	if len(tags) == 0 {
		return
	}
	s.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		for _, tag := range tags {
			if err := s.Sync(ctx, tag); err != nil {
				s.log.Warn("background sync failed", zap.String("tag", tag), zap.Error(err))
			}
		}
	})
}

// reachabilityLoop checks the origin while offline so sync fires even when no
// client request arrives.
func (s *Service) reachabilityLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.Online() {
				continue
			}
			s.checkOrigin()
		}
	}
}

func (s *Service) checkOrigin() {
	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Server.Origin+"/", nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
	s.markOnline()
}
