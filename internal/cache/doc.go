// Package cache implements the caching request router.
//
// Router is an http.RoundTripper. Every outgoing read passes through it and
// is classified against an ordered rule list; the first matching rule picks
// the bucket and strategy:
//
//   - CacheFirst: serve a fresh cached copy, otherwise fetch, store and serve
//   - NetworkFirst: fetch under a timeout, fall back to the cached copy
//   - NetworkOnly: passthrough, never stored
//
// Requests that match no rule pass through uncached. Callers cannot tell a
// cached response from a live one except by the X-Readsync-Cache header.
//
// The router shares nothing with the executor. It reads and writes the
// cache tables of the store and listens for skip_waiting on the bridge.
package cache
