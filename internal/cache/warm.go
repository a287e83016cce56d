package cache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"
)

// WarmResult reports what Warm did.
type WarmResult string

const (
	// WarmSkipped means no cacheable rule matches the URL.
	WarmSkipped WarmResult = "skipped"
	// WarmFresh means a fresh entry already existed.
	WarmFresh WarmResult = "fresh"
	// WarmStored means the URL was fetched and stored.
	WarmStored WarmResult = "stored"
)

// Warm populates the bucket a GET for rawURL would use, under the same
// expiry policy. Proxy-wrapped URLs are keyed exactly as the page would
// request them.
func (r *Router) Warm(ctx context.Context, rawURL string) (WarmResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("warm %q: %w", rawURL, err)
	}
	res := r.resolve(u)
	if res.rule == nil || res.rule.Strategy == NetworkOnly {
		return WarmSkipped, nil
	}
	return r.warm(ctx, u, res, res.rule.BucketName(), res.rule.MaxEntries)
}

func (r *Router) warm(ctx context.Context, u *url.URL, res resolved, bucket string, maxEntries int) (WarmResult, error) {
	if entry, err := r.store.GetCacheEntry(ctx, bucket, res.key); err == nil {
		if res.rule == nil || r.fresh(entry, res.rule) {
			return WarmFresh, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("warm request: %w", err)
	}
	resp, err := r.upstream.RoundTrip(r.upstreamRequest(ctx, req, res.fetch))
	if err != nil {
		return "", fmt.Errorf("warm %s: %w", res.key, err)
	}
	entry, err := readEntry(resp, bucket, res.key, r.clock.Now())
	if err != nil {
		return "", fmt.Errorf("warm %s: %w", res.key, err)
	}
	if entry.Status != http.StatusOK {
		return "", fmt.Errorf("warm %s: upstream status %d", res.key, entry.Status)
	}
	if err := r.put(ctx, entry, maxEntries); err != nil {
		return "", fmt.Errorf("warm %s: %w", res.key, err)
	}
	return WarmStored, nil
}

// AssetResult is the outcome for one precached asset.
type AssetResult struct {
	URL    string     `json:"url"`
	Bucket string     `json:"bucket"`
	Result WarmResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// PrecacheReport summarises a Precache run.
type PrecacheReport struct {
	Shell  string        `json:"shell"`
	Assets []AssetResult `json:"assets"`
}

// Precache refreshes the application shell and warms the same-origin
// scripts, stylesheets, icons, manifest and images it references.
//
// Assets covered by a rule go to that rule's bucket; the rest go to the
// precache bucket, which is consulted for app-origin requests no rule
// matches. Individual asset failures are reported, not returned.
func (r *Router) Precache(ctx context.Context) (PrecacheReport, error) {
	report := PrecacheReport{Shell: r.ShellURL()}

	shell, err := r.fetchShell(ctx, nil)
	if err != nil {
		return report, err
	}
	if shell.Status != http.StatusOK {
		return report, fmt.Errorf("fetch shell: upstream status %d", shell.Status)
	}

	assets, err := shellAssets(shell.Body, r.origin, report.Shell)
	if err != nil {
		return report, err
	}

	for _, asset := range assets {
		u, _ := url.Parse(asset)
		res := r.resolve(u)
		ar := AssetResult{URL: asset, Bucket: BucketPrecache}

		var (
			result WarmResult
			werr   error
		)
		switch {
		case res.rule == nil:
			result, werr = r.warm(ctx, u, res, BucketPrecache, 0)
		case res.rule.Strategy == NetworkOnly:
			ar.Bucket = res.rule.BucketName()
			result = WarmSkipped
		default:
			ar.Bucket = res.rule.BucketName()
			result, werr = r.warm(ctx, u, res, ar.Bucket, res.rule.MaxEntries)
		}
		ar.Result = result
		if werr != nil {
			ar.Error = werr.Error()
			r.logger.Warn("precache asset failed", "url", asset, "error", werr)
		}
		report.Assets = append(report.Assets, ar)
	}

	r.logger.Info("precache complete", "shell", report.Shell, "assets", len(report.Assets))
	return report, nil
}

var assetSelectors = []struct {
	selector string
	attr     string
}{
	{"script[src]", "src"},
	{`link[rel~="stylesheet"][href]`, "href"},
	{`link[rel~="manifest"][href]`, "href"},
	{`link[rel~="icon"][href]`, "href"},
	{"img[src]", "src"},
}

// shellAssets lists the same-origin asset URLs referenced by an HTML
// document, absolute, de-duplicated, in selector then document order.
func shellAssets(html []byte, origin *url.URL, base string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse shell: %w", err)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse shell url: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, sel := range assetSelectors {
		doc.Find(sel.selector).Each(func(_ int, s *goquery.Selection) {
			ref, ok := s.Attr(sel.attr)
			if !ok || ref == "" {
				return
			}
			u, err := baseURL.Parse(ref)
			if err != nil || u.Host != origin.Host {
				return
			}
			u.Fragment = ""
			abs := u.String()
			if !seen[abs] {
				seen[abs] = true
				out = append(out, abs)
			}
		})
	}
	return out, nil
}
