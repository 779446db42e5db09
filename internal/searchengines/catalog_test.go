package searchengines_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikistats/internal/searchengines"
)

func defaultCatalog(t *testing.T) *searchengines.Catalog {
	t.Helper()
	catalog, err := searchengines.Default()
	require.NoError(t, err)
	require.NoError(t, catalog.ResolveSelf("https://wiki.example.org/doku/"))
	return catalog
}

func TestDefaultCatalogOrderAndKeys(t *testing.T) {
	catalog := defaultCatalog(t)

	var keys []string
	for _, sig := range catalog.Signatures() {
		keys = append(keys, sig.Key)
	}

	assert.Equal(t, []string{
		"google", "bing", "yandex", "yahoo", "naver", "baidu", "ask",
		"ask_search_results", "babylon", "aol", "duckduckgo", "ecosia",
		"qwant", "google_avg", "dokuwiki",
	}, keys)
}

func TestMatch(t *testing.T) {
	catalog := defaultCatalog(t)

	tests := []struct {
		host     string
		expected string
	}{
		{"www.google.com", "google"},
		{"google.co.uk", "google"},
		{"WWW.GOOGLE.DE", "google"},
		{"www.bing.com", "bing"},
		{"yandex.ru", "yandex"},
		{"search.yahoo.com", "yahoo"},
		{"search.naver.com", "naver"},
		{"www.baidu.com", "baidu"},
		{"www.ask.com", "ask"},
		{"www.search-results.com", "ask_search_results"},
		{"search.babylon.com", "babylon"},
		{"search.aol.com", "aol"},
		{"search.aol.co.uk", "aol"},
		{"duckduckgo.com", "duckduckgo"},
		{"www.ecosia.org", "ecosia"},
		{"www.qwant.com", "qwant"},
		{"search.avg.com", "google_avg"},
		{"www.example.com", ""},
		{"notgoogle.example", ""},
		{"wiki.example.org", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			matches := catalog.Match(tt.host)
			if tt.expected == "" {
				assert.Empty(t, matches)
				return
			}
			require.NotEmpty(t, matches)
			assert.Equal(t, tt.expected, matches[0].Key)
		})
	}
}

func TestMatchKeepsDeclaredOrder(t *testing.T) {
	catalog, err := searchengines.New(
		searchengines.Signature{Key: "second", DomainPattern: `^(\w+\.)*example\.com$`, QueryParamNames: []string{"q"}},
		searchengines.Signature{Key: "first", DomainPattern: `^search\.example\.com$`, QueryParamNames: []string{"q"}},
	)
	require.NoError(t, err)

	matches := catalog.Match("search.example.com")
	require.Len(t, matches, 2)
	assert.Equal(t, "second", matches[0].Key)
	assert.Equal(t, "first", matches[1].Key)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := searchengines.New(
		searchengines.Signature{Key: "dup", DomainPattern: `^a$`},
		searchengines.Signature{Key: "dup", DomainPattern: `^b$`},
	)
	assert.Error(t, err)

	_, err = searchengines.New(searchengines.Signature{Key: "broken", DomainPattern: `^(unclosed$`})
	assert.Error(t, err)

	_, err = searchengines.New(searchengines.Signature{DomainPattern: `^a$`})
	assert.Error(t, err)
}

func TestResolveSelf(t *testing.T) {
	catalog, err := searchengines.Default()
	require.NoError(t, err)

	assert.False(t, catalog.IsSelf("wiki.example.org"), "self is unknown before resolving")

	require.NoError(t, catalog.ResolveSelf("https://Wiki.Example.org:8080/doku/"))
	assert.True(t, catalog.IsSelf("wiki.example.org"))
	assert.True(t, catalog.IsSelf("WIKI.example.org"))
	assert.False(t, catalog.IsSelf("wikixexample.org"), "dots are literal")
	assert.False(t, catalog.IsSelf("sub.wiki.example.org"))

	url, ok := catalog.LookupURL(searchengines.SelfKey)
	assert.True(t, ok)
	assert.Equal(t, "https://Wiki.Example.org:8080/doku/", url)

	assert.Error(t, catalog.ResolveSelf("/relative/path"))
}

func TestResolveSelfIsPerCatalog(t *testing.T) {
	a, err := searchengines.Default()
	require.NoError(t, err)
	b, err := searchengines.Default()
	require.NoError(t, err)

	require.NoError(t, a.ResolveSelf("https://a.example.org/"))
	require.NoError(t, b.ResolveSelf("https://b.example.org/"))

	assert.True(t, a.IsSelf("a.example.org"))
	assert.False(t, a.IsSelf("b.example.org"))
	assert.True(t, b.IsSelf("b.example.org"))
}

func TestResolveSelfAppendsMissingEntry(t *testing.T) {
	catalog, err := searchengines.New(searchengines.Signature{Key: "google", DomainPattern: `^google\.com$`})
	require.NoError(t, err)

	require.NoError(t, catalog.ResolveSelf("https://wiki.local/"))
	assert.True(t, catalog.IsSelf("wiki.local"))
	assert.Empty(t, catalog.Match("wiki.local"), "self is not an external engine")
}

func TestLookupName(t *testing.T) {
	catalog := defaultCatalog(t)

	tests := []struct {
		key      string
		expected string
	}{
		{"google", "Google"},
		{"yahoo", "Yahoo!"},
		{"yandex", "Яндекс (Yandex)"},
		{"naver", "네이버 (Naver)"},
		{"baidu", "百度 (Baidu)"},
		{"ask_search_results", "Ask"},
		{"dokuwiki", "DokuWiki Internal Search"},
		{"generic_example", "Example"},
		{"generic_testsite", "Testsite"},
		{"unknown", "Unknown"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, catalog.LookupName(tt.key))
		})
	}
}

func TestLookupURL(t *testing.T) {
	catalog := defaultCatalog(t)

	url, ok := catalog.LookupURL("duckduckgo")
	assert.True(t, ok)
	assert.Equal(t, "http://duckduckgo.com", url)

	_, ok = catalog.LookupURL("generic_example")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	catalog, err := searchengines.Load([]byte(`
- key: internal
  name: Intranet Search
  regex: '^search\.corp$'
  params: [term, q]
`))
	require.NoError(t, err)

	matches := catalog.Match("search.corp")
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"term", "q"}, matches[0].QueryParamNames)

	_, err = searchengines.Load([]byte("not: [a list"))
	assert.Error(t, err)
}
