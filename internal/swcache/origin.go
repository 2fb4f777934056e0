package swcache

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"swcache/internal/store"
)

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// fetchFromOrigin issues a GET for r against the origin and snapshots the
// answer. Any status is a successful fetch; only transport failures are
// errors, and those are always KindNetwork.
func (s *Service) fetchFromOrigin(ctx context.Context, r *http.Request) (store.Entry, error) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return store.Entry{}, &FetchError{Kind: KindNetwork, URL: originURL, Err: err}
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.markOffline(err)
		return store.Entry{}, &FetchError{Kind: KindNetwork, URL: originURL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.markOffline(err)
		return store.Entry{}, &FetchError{Kind: KindNetwork, URL: originURL, Err: err}
	}
	s.markOnline()

	return store.NewEntry(r.URL.RequestURI(), resp.StatusCode, resp.Header, body), nil
}

// fetchPath GETs a root-relative path with no client headers, for install and
// precache.
func (s *Service) fetchPath(ctx context.Context, p string) (store.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
	if err != nil {
		return store.Entry{}, &FetchError{Kind: KindNetwork, URL: p, Err: err}
	}
	ent, err := s.fetchFromOrigin(ctx, req)
	if err != nil {
		return store.Entry{}, err
	}
	if !ent.OK() {
		return ent, &FetchError{Kind: KindStatus, URL: p, Status: ent.Status}
	}
	return ent, nil
}

// passThrough forwards r unchanged (method, body, headers) to the origin and
// streams the response back. No generation is read or written.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, source Source) {
	target := s.cfg.Server.Origin + r.URL.RequestURI()

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.markOffline(err)
		s.badGateway(w, err)
		return
	}
	defer resp.Body.Close()
	s.markOnline()

	copyHeaders(w.Header(), resp.Header)
	setSwcacheHeaders(w.Header(), source)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Debug("pass-through copy interrupted", zap.String("url", target), zap.Error(err))
	}
}

// refuseCrossOrigin answers absolute-form requests for other hosts. Only the
// configured origin is ever dialed.
func (s *Service) refuseCrossOrigin(w http.ResponseWriter, r *http.Request) {
	s.warnLog.Warn("refusing cross-origin request", zap.String("host", r.URL.Host))
	setSwcacheHeaders(w.Header(), SourceRefused)
	http.Error(w, "cross-origin requests are not proxied", http.StatusForbidden)
}

func (s *Service) badGateway(w http.ResponseWriter, err error) {
	s.log.Debug("origin unreachable", zap.Error(err))
	setSwcacheHeaders(w.Header(), SourceBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func writeEntry(w http.ResponseWriter, ent store.Entry, source Source) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Swcache") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSwcacheHeaders(h http.Header, source Source) {
	if source != "" {
		h.Set("X-Swcache", string(source))
	}
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
