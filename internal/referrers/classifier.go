// Package referrers classifies HTTP referrers into direct, internal,
// external and search traffic.
package referrers

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"wikistats/internal/searchengines"
)

// Kind is the traffic source of a page view.
type Kind string

const (
	KindDirect   Kind = "direct"
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
	KindSearch   Kind = "search"
)

// StoredValue returns the value persisted in the access log. Direct
// traffic is stored as the empty string.
func (k Kind) StoredValue() string {
	if k == KindDirect {
		return ""
	}
	return string(k)
}

// KindFromStored is the inverse of StoredValue.
func KindFromStored(value string) Kind {
	switch value {
	case "":
		return KindDirect
	case string(KindInternal):
		return KindInternal
	case string(KindSearch):
		return KindSearch
	default:
		return KindExternal
	}
}

// genericParams are tried when no catalog engine yields a query.
var genericParams = []string{"search", "query", "q", "keywords", "keyword"}

var tldSuffix = regexp.MustCompile(`(\.co)?\.([a-z]{2,5})$`)

// Result is the classification of a single referrer.
// EngineKey and Query are only set for KindSearch.
type Result struct {
	Kind      Kind   `json:"kind"`
	EngineKey string `json:"engine,omitempty"`
	Query     string `json:"query,omitempty"`
	Host      string `json:"host,omitempty"`
}

// IsSearch reports whether the referrer was a search engine result page.
func (r Result) IsSearch() bool {
	return r.Kind == KindSearch
}

// Classifier turns raw referrer strings into Results using an engine catalog.
type Classifier struct {
	catalog *searchengines.Catalog
}

// NewClassifier returns a classifier backed by catalog.
func NewClassifier(catalog *searchengines.Catalog) *Classifier {
	return &Classifier{catalog: catalog}
}

// Catalog returns the engine catalog used for matching.
func (c *Classifier) Catalog() *searchengines.Catalog {
	return c.catalog
}

// Classify determines where a visit came from. selfHost is the wiki's own
// hostname; when empty the catalog's resolved self entry is used.
// Classify never fails: malformed input ends up as external traffic.
func (c *Classifier) Classify(referrer, selfHost string) Result {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return Result{Kind: KindDirect}
	}

	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return Result{Kind: KindExternal}
	}
	host := strings.ToLower(u.Hostname())

	if c.isSelf(host, selfHost) {
		return Result{Kind: KindInternal, Host: host}
	}

	params := u.Query()
	if len(params) == 0 && u.Fragment != "" {
		// some engines put the query into the fragment
		params, _ = url.ParseQuery(u.EscapedFragment())
	}

	if c.catalog != nil {
		if matches := c.catalog.Match(host); len(matches) > 0 {
			if query := firstQuery(params, matches[0].QueryParamNames); query != "" {
				return Result{Kind: KindSearch, EngineKey: matches[0].Key, Query: query, Host: host}
			}
		}
	}

	if query := firstQuery(params, genericParams); query != "" {
		return Result{Kind: KindSearch, EngineKey: GenericEngineKey(host), Query: query, Host: host}
	}

	return Result{Kind: KindExternal, Host: host}
}

func (c *Classifier) isSelf(host, selfHost string) bool {
	selfHost = strings.ToLower(strings.TrimSpace(selfHost))
	if selfHost != "" {
		if h, _, err := net.SplitHostPort(selfHost); err == nil {
			selfHost = h
		}
		return host == selfHost
	}
	return c.catalog != nil && c.catalog.IsSelf(host)
}

// GenericEngineKey synthesizes an engine key for a search host missing
// from the catalog, e.g. search.example.com becomes generic_example.
func GenericEngineKey(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	host = tldSuffix.ReplaceAllString(host, "")
	labels := strings.Split(host, ".")
	return searchengines.GenericPrefix + labels[len(labels)-1]
}

func firstQuery(params url.Values, names []string) string {
	for _, name := range names {
		if query := CleanQuery(params.Get(name)); query != "" {
			return query
		}
	}
	return ""
}
