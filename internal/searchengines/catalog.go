// Package searchengines holds the catalog of known search engines used to
// recognise search traffic in referrer URLs.
package searchengines

import (
	_ "embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	// SelfKey identifies the wiki's own search.
	SelfKey = "dokuwiki"
	// GenericPrefix marks engine keys synthesized for engines not in the catalog.
	GenericPrefix = "generic_"
)

//go:embed engines.yml
var enginesYAML []byte

// Signature describes one search engine.
type Signature struct {
	Key             string   `yaml:"key" json:"key"`
	DisplayName     string   `yaml:"name" json:"name"`
	HomepageURL     string   `yaml:"url" json:"url,omitempty"`
	DomainPattern   string   `yaml:"regex" json:"-"`
	QueryParamNames []string `yaml:"params" json:"params"`
	// Self marks the entry matched against the wiki's own host.
	Self bool `yaml:"self" json:"-"`

	re *pcre.Regexp
}

// Matches reports whether host satisfies the signature's domain pattern.
func (s Signature) Matches(host string) bool {
	if s.re == nil {
		return false
	}
	return s.re.MatchString(strings.ToLower(host))
}

// Catalog is an ordered, read-mostly list of engine signatures.
// ResolveSelf is expected once at startup; all other methods are safe for
// concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	signatures []Signature
	byKey      map[string]int
}

var (
	defaultOnce       sync.Once
	defaultSignatures []Signature
	defaultErr        error
)

// Default returns a catalog built from the embedded engine list.
// Each call returns an independent catalog so ResolveSelf never leaks
// between callers.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultSignatures, defaultErr = parse(enginesYAML)
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return New(defaultSignatures...)
}

// Load builds a catalog from a YAML document in the embedded format.
func Load(data []byte) (*Catalog, error) {
	signatures, err := parse(data)
	if err != nil {
		return nil, err
	}
	return New(signatures...)
}

func parse(data []byte) ([]Signature, error) {
	var signatures []Signature
	if err := yaml.Unmarshal(data, &signatures); err != nil {
		return nil, fmt.Errorf("error parsing search engine catalog: %w", err)
	}
	return signatures, nil
}

// New builds a catalog from signatures, keeping their order.
func New(signatures ...Signature) (*Catalog, error) {
	c := &Catalog{
		signatures: make([]Signature, 0, len(signatures)),
		byKey:      make(map[string]int, len(signatures)),
	}

	for _, sig := range signatures {
		if sig.Key == "" {
			return nil, fmt.Errorf("search engine signature without key")
		}
		if _, exists := c.byKey[sig.Key]; exists {
			return nil, fmt.Errorf("duplicate search engine key %q", sig.Key)
		}
		sig.QueryParamNames = append([]string(nil), sig.QueryParamNames...)
		sig.re = nil
		if sig.DomainPattern != "" {
			re, err := compile(sig.DomainPattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for search engine %q: %w", sig.Key, err)
			}
			sig.re = re
		}
		c.byKey[sig.Key] = len(c.signatures)
		c.signatures = append(c.signatures, sig)
	}

	return c, nil
}

func compile(pattern string) (*pcre.Regexp, error) {
	return pcre.Compile("(?i)" + pattern)
}

// ResolveSelf derives the self entry's pattern from the wiki base URL.
// The pattern matches the base URL's host exactly.
func (c *Catalog) ResolveSelf(baseURL string) error {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("base url %q has no host", baseURL)
	}

	re, err := compile("^" + regexp.QuoteMeta(host) + "$")
	if err != nil {
		return fmt.Errorf("error compiling self pattern: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.signatures {
		if !c.signatures[i].Self {
			continue
		}
		c.signatures[i].DomainPattern = "^" + regexp.QuoteMeta(host) + "$"
		c.signatures[i].HomepageURL = baseURL
		c.signatures[i].re = re
		return nil
	}

	// Catalogs without a self entry get one appended.
	c.byKey[SelfKey] = len(c.signatures)
	c.signatures = append(c.signatures, Signature{
		Key:             SelfKey,
		DisplayName:     "DokuWiki Internal Search",
		HomepageURL:     baseURL,
		DomainPattern:   "^" + regexp.QuoteMeta(host) + "$",
		QueryParamNames: []string{"q"},
		Self:            true,
		re:              re,
	})
	return nil
}

// IsSelf reports whether host is the wiki's own host.
func (c *Catalog) IsSelf(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sig := range c.signatures {
		if sig.Self {
			return sig.Matches(host)
		}
	}
	return false
}

// Match returns the external engines whose pattern matches host, in
// declared order. The first element is the winning match.
func (c *Catalog) Match(host string) []Signature {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []Signature
	for _, sig := range c.signatures {
		if sig.Self {
			continue
		}
		if sig.Matches(host) {
			matches = append(matches, sig)
		}
	}
	return matches
}

// Get returns the signature for key.
func (c *Catalog) Get(key string) (Signature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byKey[key]
	if !ok {
		return Signature{}, false
	}
	return c.signatures[idx], true
}

// Signatures returns a copy of all entries in declared order.
func (c *Catalog) Signatures() []Signature {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Signature, len(c.signatures))
	copy(out, c.signatures)
	return out
}

// LookupName returns the display name for key. Unknown keys, including
// synthesized generic ones, fall back to the capitalized key.
func (c *Catalog) LookupName(key string) string {
	if sig, ok := c.Get(key); ok && sig.DisplayName != "" {
		return sig.DisplayName
	}
	label := strings.TrimPrefix(key, GenericPrefix)
	if label == "" {
		return ""
	}
	return cases.Title(language.Und).String(label)
}

// LookupURL returns the engine's homepage, if the catalog knows one.
func (c *Catalog) LookupURL(key string) (string, bool) {
	sig, ok := c.Get(key)
	if !ok || sig.HomepageURL == "" {
		return "", false
	}
	return sig.HomepageURL, true
}
