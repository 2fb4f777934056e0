package swcache

import (
	"net/http"
	"time"

	"swcache/internal/store"
)

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f7f7f7; color: #333; }
main { text-align: center; padding: 2rem; }
</style>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not available offline. Check your connection and try again.</p>
</main>
</body>
</html>
`

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">` +
	`<rect width="400" height="300" fill="#eeeeee"/>` +
	`<text x="200" y="150" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="20" fill="#999999">Image unavailable</text>` +
	`</svg>`

func syntheticEntry(url, contentType, body string) store.Entry {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	return store.Entry{
		URL:      url,
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

func offlineFallback(url, _ string) (Response, bool) {
	return Response{
		Entry:  syntheticEntry(url, "text/html", offlinePage),
		Source: SourceOffline,
	}, true
}

// imageFallback only answers for images; styles and scripts have no safe
// substitute.
func imageFallback(url, dest string) (Response, bool) {
	if dest != "image" {
		return Response{}, false
	}
	return Response{
		Entry:  syntheticEntry(url, "image/svg+xml", placeholderSVG),
		Source: SourcePlaceholder,
	}, true
}
