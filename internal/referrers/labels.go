package referrers

import (
	"net/url"
	"strings"
)

// Well known non-search referrer hosts and their display labels.
var knownSites = map[string]string{
	"x.com":                "X/Twitter",
	"twitter.com":          "X/Twitter",
	"t.co":                 "X/Twitter",
	"facebook.com":         "Facebook",
	"l.facebook.com":       "Facebook",
	"linkedin.com":         "LinkedIn",
	"lnkd.in":              "LinkedIn",
	"reddit.com":           "Reddit",
	"mastodon.social":      "Mastodon",
	"bsky.app":             "Bluesky",
	"news.ycombinator.com": "Hacker News",
	"lobste.rs":            "Lobsters",
	"github.com":           "GitHub",
	"gitlab.com":           "GitLab",
	"stackoverflow.com":    "Stack Overflow",
	"superuser.com":        "Super User",
	"serverfault.com":      "Server Fault",
	"wikipedia.org":        "Wikipedia",
	"dokuwiki.org":         "DokuWiki.org",
	"forum.dokuwiki.org":   "DokuWiki Forum",
	"mail.google.com":      "Gmail",
	"outlook.live.com":     "Outlook",
	"outlook.office.com":   "Outlook",
}

// Label returns a display label for a referrer URL or bare hostname.
// Unknown hosts are shown without a leading "www.".
func Label(referrer string) string {
	host := referrer
	if u, err := url.Parse(referrer); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(strings.TrimSpace(host))

	if name, ok := knownSites[host]; ok {
		return name
	}

	host = strings.TrimPrefix(host, "www.")
	if name, ok := knownSites[host]; ok {
		return name
	}

	// subdomains such as de.wikipedia.org or m.facebook.com
	for labels := strings.Split(host, "."); len(labels) > 2; labels = labels[1:] {
		if name, ok := knownSites[strings.Join(labels[1:], ".")]; ok {
			return name
		}
	}

	return host
}
