package swcache

import (
	"errors"
	"fmt"

	"swcache/internal/store"
)

// Class selects the fetch strategy for a request.
type Class string

const (
	ClassDocument Class = "document"
	ClassStatic   Class = "static"
	ClassOther    Class = "other"
	// ClassBypass is only reachable through rules.
	ClassBypass Class = "bypass"
)

func parseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case ClassDocument, ClassStatic, ClassOther, ClassBypass:
		return c, nil
	}
	return "", fmt.Errorf("unknown class %q", s)
}

// Source tells where a response came from. It is echoed in X-Swcache.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourcePlaceholder Source = "placeholder"
	SourcePassthrough Source = "passthrough"
	SourceBypass      Source = "bypass"
	SourceBadGateway  Source = "bad-gateway"
	SourceRefused     Source = "refused"
)

// State is the lifecycle state of the manager.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Response is what a strategy produced for one request.
type Response struct {
	Entry  store.Entry
	Source Source
}

// FetchErrorKind classifies why a fetch produced no response.
type FetchErrorKind string

const (
	// KindNetwork: the origin could not be reached.
	KindNetwork FetchErrorKind = "network"
	// KindStatus: the origin answered outside 2xx where 2xx was required.
	KindStatus FetchErrorKind = "status"
	// KindStore: a cache generation could not be written.
	KindStore FetchErrorKind = "store"
)

type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) an unreachable-origin failure.
func IsNetworkError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindNetwork
}
