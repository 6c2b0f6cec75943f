package cache

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// Key is the logically relevant part of an inbound request.
type Key struct {
	// Path is the upstream resource path (e.g. "/taxa").
	Path string

	// Query holds the query parameters.
	Query url.Values

	// Exclude lists parameters that only matter to the caller (routing,
	// credentials) and must not fragment the cache.
	Exclude []string
}

// NewKey builds a key from a raw path and query.
func NewKey(rawPath string, query url.Values, exclude ...string) Key {
	return Key{
		Path:    rawPath,
		Query:   query,
		Exclude: exclude,
	}
}

// String generates the canonical cache key.
// Format: /path?k1=v1&k2=v2
//
// The path is cleaned and loses any trailing slash, parameters are sorted by
// name and then by value, excluded and empty-named parameters are dropped.
// The query part is omitted when no parameters remain.
//
// Example:
//
//	/taxa/?rank=species&id=5&api_key=x  ->  /taxa?id=5&rank=species
func (k Key) String() string {
	p := normalizePath(k.Path)

	if len(k.Query) == 0 {
		return p
	}

	excluded := make(map[string]struct{}, len(k.Exclude))
	for _, name := range k.Exclude {
		excluded[name] = struct{}{}
	}

	names := make([]string, 0, len(k.Query))
	for name := range k.Query {
		if name == "" {
			continue
		}
		if _, skip := excluded[name]; skip {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return p
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(p)
	sep := byte('?')
	for _, name := range names {
		values := append([]string(nil), k.Query[name]...)
		if len(values) == 0 {
			values = []string{""}
		}
		sort.Strings(values)
		for _, v := range values {
			b.WriteByte(sep)
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			sep = '&'
		}
	}
	return b.String()
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	// path.Clean removes duplicate and trailing slashes as well as dot segments.
	return path.Clean(p)
}
