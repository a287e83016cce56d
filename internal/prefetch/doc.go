// Package prefetch warms the cache for the probable next navigations.
//
// It only runs in installed mode. The Capability passed to New is computed
// once at startup; when it is not Installed, New returns a planner that
// holds nothing and does nothing.
package prefetch
