package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/weppos/publicsuffix-go/publicsuffix"
	"gopkg.in/yaml.v3"
)

// Strategy selects how a matched request is served.
type Strategy string

const (
	CacheFirst   Strategy = "cache_first"
	NetworkFirst Strategy = "network_first"
	NetworkOnly  Strategy = "network_only"
)

// DefaultNetworkTimeout applies to NetworkFirst rules that set none.
const DefaultNetworkTimeout = 5 * time.Second

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid cache rule")

// Duration is a time.Duration that also accepts a "d" (day) suffix in YAML,
// e.g. "30d" or "36h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses a Go duration or a whole number of days ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return v, nil
}

// Match is one predicate clause. Every field that is set must hold; an
// unset field matches anything.
type Match struct {
	// Hosts match the target host exactly.
	Hosts []string `yaml:"hosts,omitempty"`

	// Domains match the target's registrable domain (public-suffix aware),
	// so "mp3quran.net" covers "server8.mp3quran.net".
	Domains []string `yaml:"domains,omitempty"`

	// AppOrigin restricts the clause to requests for the app's own origin.
	AppOrigin bool `yaml:"app_origin,omitempty"`

	PathPrefixes []string `yaml:"path_prefixes,omitempty"`
	PathPattern  string   `yaml:"path_pattern,omitempty"`

	// Extensions match the path's file extension, without the dot.
	Extensions []string `yaml:"extensions,omitempty"`
}

// Rule maps matching requests to a bucket and strategy.
type Rule struct {
	Name           string   `yaml:"name"`
	Bucket         string   `yaml:"bucket,omitempty"`
	Strategy       Strategy `yaml:"strategy"`
	MaxAge         Duration `yaml:"max_age,omitempty"`
	MaxEntries     int      `yaml:"max_entries,omitempty"`
	NetworkTimeout Duration `yaml:"network_timeout,omitempty"`
	Match          []Match  `yaml:"match"`
}

// BucketName returns Bucket, or Name when Bucket is empty.
func (r Rule) BucketName() string {
	if r.Bucket != "" {
		return r.Bucket
	}
	return r.Name
}

// Target is the request target a rule is evaluated against, after any
// proxy wrapper has been decoded.
type Target struct {
	Host      string // lowercase, no port
	Path      string
	AppOrigin bool // host is the application's own origin
}

// NewTarget builds a Target from u relative to the app origin host.
func NewTarget(u *url.URL, appHost string) Target {
	host := strings.ToLower(u.Hostname())
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return Target{Host: host, Path: p, AppOrigin: host == strings.ToLower(appHost)}
}

type compiledMatch struct {
	Match
	pattern    *regexp.Regexp
	extensions map[string]bool
}

func (m compiledMatch) matches(t Target) bool {
	if m.AppOrigin && !t.AppOrigin {
		return false
	}
	if len(m.Hosts) > 0 && !containsFold(m.Hosts, t.Host) {
		return false
	}
	if len(m.Domains) > 0 && !matchesDomain(m.Domains, t.Host) {
		return false
	}
	if len(m.PathPrefixes) > 0 && !hasAnyPrefix(t.Path, m.PathPrefixes) {
		return false
	}
	if m.pattern != nil && !m.pattern.MatchString(t.Path) {
		return false
	}
	if len(m.extensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(t.Path), "."))
		if !m.extensions[ext] {
			return false
		}
	}
	return true
}

// CompiledRule is a validated rule with compiled predicates.
type CompiledRule struct {
	Rule
	clauses []compiledMatch
}

// Matches reports whether any clause of the rule holds for t.
func (r *CompiledRule) Matches(t Target) bool {
	for _, c := range r.clauses {
		if c.matches(t) {
			return true
		}
	}
	return false
}

// RuleSet is an immutable, ordered list of compiled rules.
type RuleSet struct {
	Version int
	rules   []*CompiledRule
}

// Compile validates rules and compiles their predicates, preserving order.
func Compile(version int, rules []Rule) (*RuleSet, error) {
	seen := make(map[string]bool, len(rules))
	rs := &RuleSet{Version: version}

	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("%w: rule %d has no name", ErrInvalidRule, i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true

		switch r.Strategy {
		case CacheFirst, NetworkOnly:
		case NetworkFirst:
			if r.NetworkTimeout == 0 {
				r.NetworkTimeout = Duration(DefaultNetworkTimeout)
			}
		default:
			return nil, fmt.Errorf("%w: rule %q: unknown strategy %q", ErrInvalidRule, r.Name, r.Strategy)
		}
		if r.MaxAge < 0 || r.MaxEntries < 0 || r.NetworkTimeout < 0 {
			return nil, fmt.Errorf("%w: rule %q: limits must not be negative", ErrInvalidRule, r.Name)
		}
		if len(r.Match) == 0 {
			return nil, fmt.Errorf("%w: rule %q has no match clauses", ErrInvalidRule, r.Name)
		}

		cr := &CompiledRule{Rule: r}
		for _, m := range r.Match {
			cm := compiledMatch{Match: m}
			if m.PathPattern != "" {
				re, err := regexp.Compile(m.PathPattern)
				if err != nil {
					return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, err)
				}
				cm.pattern = re
			}
			if len(m.Extensions) > 0 {
				cm.extensions = make(map[string]bool, len(m.Extensions))
				for _, ext := range m.Extensions {
					cm.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
				}
			}
			cr.clauses = append(cr.clauses, cm)
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// MustCompile is Compile that panics on error. Used for the built-in rules.
func MustCompile(version int, rules []Rule) *RuleSet {
	rs, err := Compile(version, rules)
	if err != nil {
		panic(err)
	}
	return rs
}

// Match returns the first rule matching t, or nil.
func (rs *RuleSet) Match(t Target) *CompiledRule {
	if rs == nil {
		return nil
	}
	for _, r := range rs.rules {
		if r.Matches(t) {
			return r
		}
	}
	return nil
}

// Rules returns the compiled rules in declaration order.
func (rs *RuleSet) Rules() []*CompiledRule {
	if rs == nil {
		return nil
	}
	out := make([]*CompiledRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func matchesDomain(domains []string, host string) bool {
	if host == "" {
		return false
	}
	registrable, err := publicsuffix.Domain(host)
	if err != nil {
		// IPs and bare hosts have no registrable domain.
		registrable = host
	}
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || registrable == d {
			return true
		}
	}
	return false
}
