package cache

import "time"

const day = 24 * time.Hour

// Built-in bucket names.
const (
	BucketShell     = "app-shell"
	BucketPrecache  = "precache"
	DefaultShell    = "/"
	DefaultProxy    = "/api/proxy"
	defaultRulesVer = 1
)

// DefaultRules is the built-in rule list, in evaluation order.
//
// The recitation catalog must precede quran-text: both live on
// api.quran.com, and the catalog has its own bucket and shorter lifetime.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "audio-catalog",
			Strategy:   CacheFirst,
			MaxAge:     Duration(7 * day),
			MaxEntries: 100,
			Match: []Match{
				{Hosts: []string{"api.quran.com"}, PathPrefixes: []string{"/api/v4/resources/recitations"}},
				{Domains: []string{"mp3quran.net"}, PathPrefixes: []string{"/api/"}},
			},
		},
		{
			Name:       "quran-text",
			Strategy:   CacheFirst,
			MaxAge:     Duration(30 * day),
			MaxEntries: 1000,
			Match: []Match{
				{Hosts: []string{"api.quran.com", "api.alquran.cloud"}},
			},
		},
		{
			Name:       "static-metadata",
			Strategy:   CacheFirst,
			MaxAge:     Duration(365 * day),
			MaxEntries: 200,
			Match: []Match{
				{AppOrigin: true, PathPrefixes: []string{"/data/", "/_next/static/"}},
			},
		},
		{
			Name:       "images",
			Strategy:   CacheFirst,
			MaxAge:     Duration(30 * day),
			MaxEntries: 300,
			Match: []Match{
				{Extensions: []string{"png", "jpg", "jpeg", "svg", "webp", "gif", "ico"}},
			},
		},
		{
			Name:           "prayer-times",
			Strategy:       NetworkFirst,
			NetworkTimeout: Duration(5 * time.Second),
			MaxAge:         Duration(day),
			MaxEntries:     60,
			Match: []Match{
				{Hosts: []string{"api.aladhan.com"}},
			},
		},
		{
			Name:     "radio-streams",
			Strategy: NetworkOnly,
			Match: []Match{
				{Domains: []string{"mp3quran.net"}, PathPattern: `^/(radio|live)`},
				{PathPrefixes: []string{"/stream"}, Extensions: []string{"mp3", "m3u8"}},
			},
		},
	}
}

// DefaultRuleSet compiles DefaultRules.
func DefaultRuleSet() *RuleSet {
	return MustCompile(defaultRulesVer, DefaultRules())
}
