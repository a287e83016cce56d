package prefetch

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidCollection is wrapped by every collection validation failure.
var ErrInvalidCollection = errors.New("invalid prefetch collection")

// Ranged is a collection of units numbered Min..Max, such as the 114
// chapters. URLTemplate contains {n}.
type Ranged struct {
	Name        string `yaml:"name"`
	Min         int    `yaml:"min"`
	Max         int    `yaml:"max"`
	URLTemplate string `yaml:"url"`
	// Proxied wraps external URLs in the app's proxy path.
	Proxied bool `yaml:"proxied,omitempty"`
}

// Group is one grouping of a paginated collection, such as a book.
type Group struct {
	ID    string `yaml:"id"`
	Pages int    `yaml:"pages"`
}

// Paginated is a collection of ordered groups, each with numbered pages
// starting at 1. URLTemplate contains {group} and {page}.
type Paginated struct {
	Name        string  `yaml:"name"`
	Groups      []Group `yaml:"groups"`
	URLTemplate string  `yaml:"url"`
	Proxied     bool    `yaml:"proxied,omitempty"`
}

// Neighbours returns the units to warm for unit n: n-1, n+1 and n+2,
// clamped to [Min, Max], without n and without duplicates.
func (r Ranged) Neighbours(n int) []int {
	var out []int
	seen := map[int]bool{n: true}
	for _, c := range []int{n - 1, n + 1, n + 2} {
		c = max(r.Min, min(r.Max, c))
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Page is a position in a paginated collection.
type Page struct {
	Group string
	Page  int
}

// Next returns the next page of the current group, if any, and the first
// page of the following group, if any.
func (p Paginated) Next(group string, page int) []Page {
	var out []Page
	for i, g := range p.Groups {
		if g.ID != group {
			continue
		}
		if page+1 <= g.Pages {
			out = append(out, Page{Group: g.ID, Page: page + 1})
		}
		if i+1 < len(p.Groups) && p.Groups[i+1].Pages > 0 {
			out = append(out, Page{Group: p.Groups[i+1].ID, Page: 1})
		}
		break
	}
	return out
}

func (r Ranged) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: ranged collection has no name", ErrInvalidCollection)
	case r.Min > r.Max:
		return fmt.Errorf("%w: %s: min %d > max %d", ErrInvalidCollection, r.Name, r.Min, r.Max)
	case !strings.Contains(r.URLTemplate, "{n}"):
		return fmt.Errorf("%w: %s: url template lacks {n}", ErrInvalidCollection, r.Name)
	}
	return checkTemplate(r.Name, r.URLTemplate)
}

func (p Paginated) validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: paginated collection has no name", ErrInvalidCollection)
	case len(p.Groups) == 0:
		return fmt.Errorf("%w: %s: no groups", ErrInvalidCollection, p.Name)
	case !strings.Contains(p.URLTemplate, "{group}") || !strings.Contains(p.URLTemplate, "{page}"):
		return fmt.Errorf("%w: %s: url template lacks {group} or {page}", ErrInvalidCollection, p.Name)
	}
	return checkTemplate(p.Name, p.URLTemplate)
}

func checkTemplate(name, tmpl string) error {
	probe := strings.NewReplacer("{n}", "1", "{group}", "g", "{page}", "1").Replace(tmpl)
	if _, err := url.Parse(probe); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCollection, name, err)
	}
	return nil
}

func expandRanged(tmpl string, n int) string {
	return strings.ReplaceAll(tmpl, "{n}", strconv.Itoa(n))
}

func expandPage(tmpl string, p Page) string {
	return strings.NewReplacer("{group}", url.PathEscape(p.Group), "{page}", strconv.Itoa(p.Page)).Replace(tmpl)
}

// DefaultRanged is the built-in ranged collection list.
func DefaultRanged() []Ranged {
	return []Ranged{
		{
			Name:        "surah",
			Min:         1,
			Max:         114,
			URLTemplate: "https://api.quran.com/api/v4/verses/by_chapter/{n}?words=false&per_page=300",
			Proxied:     true,
		},
		{
			Name:        "juz",
			Min:         1,
			Max:         30,
			URLTemplate: "https://api.quran.com/api/v4/verses/by_juz/{n}?words=false&per_page=300",
			Proxied:     true,
		},
	}
}

// DefaultPaginated is the built-in paginated collection list.
func DefaultPaginated() []Paginated {
	return []Paginated{
		{
			Name: "hadith",
			Groups: []Group{
				{ID: "bukhari", Pages: 97},
				{ID: "muslim", Pages: 56},
				{ID: "abudawud", Pages: 43},
				{ID: "tirmidhi", Pages: 49},
				{ID: "nasai", Pages: 51},
				{ID: "ibnmajah", Pages: 37},
			},
			URLTemplate: "/data/hadith/{group}/{page}.json",
		},
	}
}
