package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/cache-relay/pkg/cache"
)

// Normalizer derives the cache key and the upstream URL from an inbound
// request. Implementations must be pure: equal logical requests yield equal
// keys.
type Normalizer interface {
	Normalize(r *http.Request) (cacheKey, upstreamURL string, err error)
}

// PathNormalizer maps {StripPrefix}/path?query onto {BaseURL}/path?query.
type PathNormalizer struct {
	base        *url.URL
	stripPrefix string
	exclude     []string
}

// NewPathNormalizer creates a normalizer for the given upstream base URL.
// Query parameters named in exclude are dropped from both the key and the
// upstream URL.
func NewPathNormalizer(baseURL, stripPrefix string, exclude ...string) (*PathNormalizer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url has no host: %q", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	return &PathNormalizer{
		base:        u,
		stripPrefix: strings.TrimRight(stripPrefix, "/"),
		exclude:     append([]string(nil), exclude...),
	}, nil
}

// Normalize implements Normalizer.
func (n *PathNormalizer) Normalize(r *http.Request) (string, string, error) {
	if r == nil || r.URL == nil {
		return "", "", fmt.Errorf("request has no url")
	}

	p := r.URL.Path
	if n.stripPrefix != "" {
		rest, ok := strings.CutPrefix(p, n.stripPrefix)
		if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
			return "", "", fmt.Errorf("path %q is outside %q", p, n.stripPrefix)
		}
		p = rest
	}

	key := cache.NewKey(p, r.URL.Query(), n.exclude...).String()
	cleanPath := cache.NewKey(p, nil).String()

	u := *n.base
	u.Path = n.base.Path + cleanPath
	u.RawQuery = strings.TrimPrefix(key[len(cleanPath):], "?")

	return key, u.String(), nil
}
