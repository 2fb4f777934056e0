// Package store holds the named cache generations used by the offline proxy.
//
// A generation is an independently creatable and deletable key to response
// mapping. Keys are request URIs; values are snapshots of successful origin
// responses. Writes are last-write-wins and there is no per-entry expiry:
// entries go away only when their generation is deleted.
package store

import (
	"context"
	"errors"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store: closed")

// ErrGenerationGone is returned when writing into a generation that was
// deleted after it was opened.
var ErrGenerationGone = errors.New("store: generation deleted")

// Entry is a snapshot of an origin response.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"storedAt"` // unix seconds
	Hash32   uint32      `json:"hash32"`

	// Generation is filled on reads that search several generations.
	Generation string `json:"-"`
}

// NewEntry snapshots a response. The header map is copied and
// Content-Length dropped since the body is written back whole.
func NewEntry(url string, status int, h http.Header, body []byte) Entry {
	ent := Entry{
		URL:      url,
		Status:   status,
		Header:   CloneHeader(h),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// OK reports whether the snapshot is in the 2xx range.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Cacheable reports whether the entry may be written into a generation.
// Partial content is never stored under the full URL, and neither is
// anything marked no-store or private.
func (e Entry) Cacheable() bool {
	if !e.OK() || e.Status == http.StatusPartialContent {
		return false
	}
	cc := strings.ToLower(e.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

// unstoredHeaders belong to a single client or a single connection.
var unstoredHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Storable returns the copy of e that goes into a generation: the header is
// cloned without cookies and hop-by-hop fields.
func (e Entry) Storable() Entry {
	out := e
	out.Header = CloneHeader(e.Header)
	for _, h := range unstoredHeaders {
		out.Header.Del(h)
	}
	out.Generation = ""
	return out
}

// Size approximates the memory held by the entry.
func (e Entry) Size() int64 {
	n := int64(len(e.URL) + len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Generation is one named cache.
type Generation interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, ent Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// CacheStore owns the set of generations.
type CacheStore interface {
	// OpenGeneration returns the named generation, creating it when absent.
	OpenGeneration(ctx context.Context, name string) (Generation, error)
	// DeleteGeneration drops the generation and all its entries. It reports
	// whether the generation existed.
	DeleteGeneration(ctx context.Context, name string) (bool, error)
	// ListGenerations returns generation names in creation order.
	ListGenerations(ctx context.Context) ([]string, error)
	// Match looks the key up in every generation, in creation order, and
	// returns the first hit.
	Match(ctx context.Context, key string) (Entry, bool, error)
	Close() error
}

// CloneHeader deep-copies h. A nil header yields an empty one.
func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
