package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheSitemaps walks the configured sitemaps and stores every same-origin
// page they list into the dynamic generation. It is best-effort: a failing
// sitemap or page is logged and skipped.
func (s *Service) precacheSitemaps(ctx context.Context) (stored, skipped int) {
	if len(s.cfg.Install.Sitemaps) == 0 {
		return 0, 0
	}

	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Install.Sitemaps))
	for _, sm := range s.cfg.Install.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.absoluteURL(sm))
		}
	}

	pages := map[string]struct{}{}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			break
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			s.log.Warn("precache: sitemap skipped", zap.String("sitemap", smURL), zap.Error(err))
			continue
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.absoluteURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			uri, ok := s.sameOriginURI(loc)
			if !ok {
				skipped++
				continue
			}
			pages[uri] = struct{}{}
		}
	}

	dynamic := s.cfg.DynamicCacheName()
	for uri := range pages {
		if ctx.Err() != nil {
			break
		}
		ent, err := s.fetchPath(ctx, uri)
		if err != nil || !ent.Cacheable() {
			skipped++
			continue
		}
		s.storeEntry(ctx, dynamic, uri, ent)
		stored++
	}
	s.log.Info("precache done", zap.Int("stored", stored), zap.Int("skipped", skipped))
	return stored, skipped
}

func (s *Service) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

// sameOriginURI turns a sitemap loc into a request URI on the origin.
func (s *Service) sameOriginURI(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() && !strings.EqualFold(u.Host, s.cfg.Server.originURL.Host) {
		return "", false
	}
	uri := u.RequestURI()
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return uri, true
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may already be decoded by the transport.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || bytes.HasPrefix(body, []byte{0x1f, 0x8b}) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
