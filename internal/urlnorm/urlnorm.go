// Package urlnorm canonicalizes feed and article URLs so they can be
// compared for equality.
package urlnorm

import (
	"net/url"
	"sort"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Normalize returns the canonical form of rawURL: lowercase scheme and host,
// default port dropped, fragment dropped, trailing slashes removed from a
// non-root path and query parameters sorted by key then value.
//
// Every trailing slash is removed, not just the last one, so "/a//", "/a/"
// and "/a" all normalize to "/a".
//
// Input that is not an absolute URL is returned unchanged.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); port != "" && defaultPorts[u.Scheme] == port {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	} else if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.RawPath != "" {
			u.RawPath = strings.TrimRight(u.RawPath, "/")
		}
		if u.Path == "" {
			u.Path = "/"
			u.RawPath = ""
		}
	}

	u.ForceQuery = false
	if u.RawQuery != "" {
		params, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return rawURL
		}
		for key := range params {
			sort.Strings(params[key])
		}
		// Encode sorts by key.
		u.RawQuery = params.Encode()
	}

	return u.String()
}

// Resolve resolves ref against base. If either fails to parse, ref is
// returned as is.
func Resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// Hostname returns the lowercase host of rawURL without port, or "" when
// rawURL does not parse as an absolute URL.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
