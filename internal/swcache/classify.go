package swcache

import (
	"net/http"
	"path"
	"strings"
)

var extDestinations = map[string]string{
	".png":   "image",
	".jpg":   "image",
	".jpeg":  "image",
	".gif":   "image",
	".webp":  "image",
	".avif":  "image",
	".svg":   "image",
	".ico":   "image",
	".bmp":   "image",
	".css":   "style",
	".js":    "script",
	".mjs":   "script",
	".woff":  "font",
	".woff2": "font",
	".ttf":   "font",
	".otf":   "font",
	".json":  "",
}

// destination returns the declared request destination. Browsers send it as
// Sec-Fetch-Dest; an explicit "empty" (fetch/XHR) is kept as "". Without the
// header it is inferred from the extension and then from Accept.
func destination(r *http.Request) string {
	if vs, ok := r.Header["Sec-Fetch-Dest"]; ok && len(vs) > 0 {
		d := strings.ToLower(strings.TrimSpace(vs[0]))
		if d == "empty" {
			return ""
		}
		return d
	}

	if d, ok := extDestinations[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return d
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return "document"
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	switch {
	case strings.Contains(accept, "text/html"):
		return "document"
	case strings.HasPrefix(accept, "image/"):
		return "image"
	case strings.HasPrefix(accept, "text/css"):
		return "style"
	}
	return ""
}

func classForDestination(dest string) Class {
	switch dest {
	case "document":
		return ClassDocument
	case "image", "style", "script":
		return ClassStatic
	}
	return ClassOther
}

func (s *Service) classify(r *http.Request) (Class, string) {
	dest := destination(r)
	if rule := s.pickRule(r.URL.Path); rule != nil {
		return rule.class, dest
	}
	return classForDestination(dest), dest
}

func (s *Service) pickRule(p string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(p) {
			return r
		}
	}
	return nil
}

// sameOrigin reports whether r targets the proxied origin. Origin-form
// requests always do; absolute-form requests only when the host matches.
func (s *Service) sameOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Host, s.cfg.Server.originURL.Host)
}

func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}
