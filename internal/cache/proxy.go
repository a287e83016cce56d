package cache

import (
	"net/url"
	"strings"
)

// EncodeProxyURL wraps target in the local proxy convention:
// <origin><proxyPath>?url=<percent-encoded target>.
func EncodeProxyURL(origin *url.URL, proxyPath, target string) string {
	u := url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     proxyPath,
		RawQuery: "url=" + url.QueryEscape(target),
	}
	return u.String()
}

// DecodeProxyURL recovers the external target from a proxy-wrapped URL.
// Returns false when u is not a wrapper for an absolute http(s) URL.
func DecodeProxyURL(u *url.URL, proxyPath string) (*url.URL, bool) {
	if u.Path != proxyPath {
		return nil, false
	}
	raw := u.Query().Get("url")
	if raw == "" {
		return nil, false
	}
	target, err := url.Parse(raw)
	if err != nil || target.Host == "" {
		return nil, false
	}
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		return nil, false
	}
	target.Fragment = ""
	target.RawFragment = ""
	return target, true
}

// canonicalKey is the cache key for a request URL: the URL without its
// fragment, with proxy wrappers re-encoded so that equivalent spellings of
// the same wrapper share an entry.
func canonicalKey(u *url.URL, origin *url.URL, proxyPath string) string {
	if target, ok := DecodeProxyURL(u, proxyPath); ok {
		return EncodeProxyURL(origin, proxyPath, target.String())
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
