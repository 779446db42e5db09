// Package seeder fills the statistics store with synthetic wiki traffic
// for demos and local development. Every hit goes through the regular
// event recorder, so referrer classification, sessions and search words
// are produced exactly as for real traffic.
package seeder

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge"

	"wikistats/internal/events"
	"wikistats/internal/referrers"
	"wikistats/internal/visitors"
)

// Seeder generates visits spread over the last Days days.
type Seeder struct {
	DBManager  cartridge.DBManager
	Logger     *slog.Logger
	Classifier *referrers.Classifier
	Options    events.Options
	BaseURL    string
	Visits     int
	Days       int

	rand *rand.Rand
	now  func() time.Time
}

// Stats counts what a run produced.
type Stats struct {
	Visits    int `json:"visits"`
	Pageviews int `json:"pageviews"`
	Outlinks  int `json:"outlinks"`
	Edits     int `json:"edits"`
	Logins    int `json:"logins"`
}

// NewSeeder creates a seeder. seed makes runs reproducible; 0 picks a
// random one.
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger, classifier *referrers.Classifier, opts events.Options, baseURL string, visits, days int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	if days <= 0 {
		days = 30
	}
	return &Seeder{
		DBManager:  dbManager,
		Logger:     logger,
		Classifier: classifier,
		Options:    opts,
		BaseURL:    baseURL,
		Visits:     visits,
		Days:       days,
		rand:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:        time.Now,
	}
}

var journeys = [][]string{
	{"start", "wiki:syntax", "wiki:welcome"},
	{"start", "playground:playground"},
	{"wiki:syntax", "wiki:syntax#tables"},
	{"start", "devel:plugins", "plugin:statistics", "plugin:statistics#configuration"},
	{"install", "install:upgrade", "faq:permissions"},
	{"start"},
	{"faq:start", "faq:permissions", "faq:cache"},
	{"tips:start", "tips:maintenance", "tips:backup"},
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// entryReferrers are used for the first page of a visit. An empty string
// is a direct visit.
var entryReferrers = []string{
	"",
	"",
	"https://www.google.com/search?q=dokuwiki+syntax",
	"https://www.google.de/search?q=wiki+tabellen",
	"https://www.bing.com/search?q=dokuwiki+plugins",
	"https://duckduckgo.com/?q=dokuwiki+install",
	"https://search.example.net/find?query=wiki+backup",
	"https://forum.dokuwiki.org/d/123-statistics",
	"https://news.ycombinator.com/item?id=1",
}

var outlinks = []string{
	"https://www.dokuwiki.org/plugins",
	"https://github.com/splitbrain/dokuwiki",
	"https://www.php.net/downloads",
}

var screens = [][2]int{{1920, 1080}, {2560, 1440}, {1366, 768}, {390, 844}}

var users = []struct {
	name   string
	groups []string
}{
	{"alice", []string{"user", "admin"}},
	{"bob", []string{"user"}},
	{"carol", []string{"user", "editors"}},
}

// Run generates the configured number of visits.
func (s *Seeder) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	s.Logger.Info("Seeding statistics...", slog.Int("visits", s.Visits), slog.Int("days", s.Days))

	env := events.Env{
		DB:         s.DBManager.GetConnection(),
		Logger:     s.Logger,
		Classifier: s.Classifier,
		Options:    s.Options,
	}

	var stats Stats
	for i := 0; i < s.Visits; i++ {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := s.visit(ctx, env, &stats); err != nil {
			return stats, err
		}
	}

	s.Logger.Info("Seeding completed",
		slog.Int("visits", stats.Visits),
		slog.Int("pageviews", stats.Pageviews),
		slog.Duration("elapsed", time.Since(start)))
	return stats, nil
}

func (s *Seeder) pick(list []string) string {
	return list[s.rand.IntN(len(list))]
}

func (s *Seeder) pageURL(page string) string {
	return s.BaseURL + "doku.php?id=" + url.QueryEscape(page)
}

// visit logs one session: a journey of page views, maybe an outgoing
// link, and for signed-in users a login and the occasional edit.
func (s *Seeder) visit(ctx context.Context, env events.Env, stats *Stats) error {
	journey := journeys[s.rand.IntN(len(journeys))]
	screen := screens[s.rand.IntN(len(screens))]
	base := s.now().Add(-time.Duration(s.rand.Int64N(int64(s.Days) * int64(24*time.Hour))))

	req := events.Request{
		IP:        fmt.Sprintf("203.0.113.%d", s.rand.IntN(254)+1),
		UserAgent: s.pick(userAgents),
		Session:   visitors.NewID(),
		UID:       visitors.NewID(),
		ScreenX:   screen[0],
		ScreenY:   screen[1],
		ViewX:     screen[0],
		ViewY:     screen[1] - 120,
		JS:        true,
	}

	signedIn := s.rand.IntN(4) == 0
	if signedIn {
		u := users[s.rand.IntN(len(users))]
		req.User, req.Groups = u.name, u.groups
	}

	at := base
	if signedIn {
		req.Time = at
		recorder := events.NewRecorder(env, req)
		err := recorder.Transaction(ctx, func(tx *events.Tx) error {
			return tx.LogLogin(events.LoginNormal, req.User)
		})
		if err != nil {
			return err
		}
		stats.Logins++
	}

	referrer := s.pick(entryReferrers)
	for _, page := range journey {
		req.Page = page
		req.Referrer = referrer
		req.Time = at

		recorder := events.NewRecorder(env, req)
		err := recorder.Transaction(ctx, func(tx *events.Tx) error {
			if err := tx.LogLastseen(); err != nil {
				return err
			}
			if _, err := tx.LogAccess(); err != nil {
				return err
			}
			return tx.LogSession(1)
		})
		if err != nil {
			return err
		}
		stats.Pageviews++

		referrer = s.pageURL(page)
		at = at.Add(time.Duration(20+s.rand.IntN(180)) * time.Second)
	}

	if s.rand.IntN(5) == 0 {
		req.Time = at
		recorder := events.NewRecorder(env, req)
		err := recorder.Transaction(ctx, func(tx *events.Tx) error {
			if err := tx.LogOutgoing(s.pick(outlinks)); err != nil {
				return err
			}
			return tx.LogSession(0)
		})
		if err != nil {
			return err
		}
		stats.Outlinks++
	}

	if signedIn && s.rand.IntN(2) == 0 {
		req.Time = at.Add(time.Minute)
		editType := events.EditEdited
		if s.rand.IntN(4) == 0 {
			editType = events.EditMinor
		}
		recorder := events.NewRecorder(env, req)
		err := recorder.Transaction(ctx, func(tx *events.Tx) error {
			return tx.LogEdit(journey[len(journey)-1], editType)
		})
		if err != nil {
			return err
		}
		stats.Edits++
	}

	stats.Visits++
	return nil
}
