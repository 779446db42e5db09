package user_agent

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Type is the traffic class of a user agent. Only Browser traffic counts
// towards visitor metrics; Robot traffic is not logged at all.
type Type int

const (
	Browser Type = iota
	FeedReader
	Robot
)

// String returns the value stored in the ua_type column.
func (t Type) String() string {
	switch t {
	case FeedReader:
		return "feedreader"
	case Robot:
		return "robot"
	default:
		return "browser"
	}
}

type UserAgent struct {
	UserAgent string
	Type      Type
	// Browser is the client name; for robots and feed readers it is the
	// agent's name.
	Browser string
	// Version is the major version of the browser.
	Version string
	OS      string
	Mobile  bool
}

// IsRobot reports whether the agent should be excluded from logging.
func (ua UserAgent) IsRobot() bool {
	return ua.Type == Robot
}

//go:embed database/bots.yml
//go:embed database/feed_readers.yml
//go:embed database/browsers.yml
//go:embed database/oss.yml
var databaseFiles embed.FS

// ClientEntry describes a browser or feed reader.
type ClientEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type OSEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

type BotEntry struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

// Compiled regex cache
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

var (
	parser *Parser
	once   sync.Once
)

// Parser classifies user agents using the embedded regex database.
type Parser struct {
	bots        []BotEntry
	feedReaders []ClientEntry
	browsers    []ClientEntry
	oss         []OSEntry
	regexCache  *RegexCache
}

func loadEntries(file string, out interface{}) {
	data, err := databaseFiles.ReadFile(file)
	if err != nil {
		slog.Default().Error("Failed to read user agent database", slog.String("file", file), slog.Any("error", err))
		return
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		slog.Default().Error("Failed to parse user agent database", slog.String("file", file), slog.Any("error", err))
	}
}

func getParser() *Parser {
	once.Do(func() {
		parser = &Parser{regexCache: newRegexCache()}
		loadEntries("database/bots.yml", &parser.bots)
		loadEntries("database/feed_readers.yml", &parser.feedReaders)
		loadEntries("database/browsers.yml", &parser.browsers)
		loadEntries("database/oss.yml", &parser.oss)
	})
	return parser
}

func (p *Parser) parseBot(userAgent string) *BotEntry {
	for i := range p.bots {
		if regex, err := p.regexCache.get(p.bots[i].Regex); err == nil {
			if regex.MatchString(userAgent) {
				return &p.bots[i]
			}
		}
	}
	return nil
}

func (p *Parser) parseClient(entries []ClientEntry, userAgent string) (string, string, bool) {
	for _, entry := range entries {
		regex, err := p.regexCache.get(entry.Regex)
		if err != nil {
			continue
		}
		matches := regex.FindStringSubmatch(userAgent)
		if len(matches) == 0 {
			continue
		}
		version := ""
		if entry.Version != "" && len(matches) > 1 {
			// Replace $1, $2, etc. with actual match groups
			version = entry.Version
			for i := len(matches) - 1; i >= 1; i-- {
				placeholder := fmt.Sprintf("$%d", i)
				version = strings.ReplaceAll(version, placeholder, matches[i])
			}
		}
		return entry.Name, majorVersion(version), true
	}
	return "", "", false
}

func (p *Parser) parseOS(userAgent string) string {
	for _, entry := range p.oss {
		if regex, err := p.regexCache.get(entry.Regex); err == nil {
			if regex.MatchString(userAgent) {
				return entry.Name
			}
		}
	}
	return "Unknown"
}

func majorVersion(version string) string {
	if idx := strings.IndexByte(version, '.'); idx >= 0 {
		return version[:idx]
	}
	return version
}

func isMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet") {
		return false
	}
	return strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "windows phone")
}

// ParseUserAgent classifies userAgent. An empty agent is treated as a
// robot since real browsers always send one.
func ParseUserAgent(userAgent string) UserAgent {
	if strings.TrimSpace(userAgent) == "" {
		return UserAgent{Type: Robot, Browser: "Unknown", OS: "Unknown"}
	}

	p := getParser()

	if bot := p.parseBot(userAgent); bot != nil {
		return UserAgent{
			UserAgent: userAgent,
			Type:      Robot,
			Browser:   bot.Name,
			OS:        "Unknown",
		}
	}

	// Feed readers are checked before browsers since many embed a browser
	// token in their agent string.
	if name, version, ok := p.parseClient(p.feedReaders, userAgent); ok {
		return UserAgent{
			UserAgent: userAgent,
			Type:      FeedReader,
			Browser:   name,
			Version:   version,
			OS:        p.parseOS(userAgent),
		}
	}

	browser, version, ok := p.parseClient(p.browsers, userAgent)
	if !ok {
		browser = "Unknown"
	}

	return UserAgent{
		UserAgent: userAgent,
		Type:      Browser,
		Browser:   browser,
		Version:   version,
		OS:        p.parseOS(userAgent),
		Mobile:    isMobile(userAgent),
	}
}
