// Package events owns the event store and the logging path that writes it.
package events

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"wikistats/internal/config"
	"wikistats/internal/pkg/user_agent"
	"wikistats/internal/referrers"
)

// ErrStore wraps any failure inside a logging transaction. The whole
// transaction has been rolled back when it is returned.
var ErrStore = errors.New("event store failure")

// Request carries everything known about the hit being logged. It replaces
// any ambient request or session state.
type Request struct {
	IP        string
	UserAgent string
	User      string
	Groups    []string
	Session   string
	UID       string
	Page      string
	Referrer  string
	ScreenX   int
	ScreenY   int
	ViewX     int
	ViewY     int
	JS        bool
	// Time defaults to now.
	Time time.Time
}

// Options are the privacy and filtering switches of the logging path.
type Options struct {
	SelfHost     string
	LogGroups    []string
	AnonymizeIPs bool
	NoUsers      bool
	NoLocation   bool
	// IPSecret keys the hash used for anonymized IPs.
	IPSecret string
}

// OptionsFromConfig reads the logging switches from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SelfHost:     cfg.SelfHost(),
		LogGroups:    cfg.LogGroups(),
		AnonymizeIPs: cfg.AnonymizeIPs,
		NoUsers:      cfg.NoUsers,
		NoLocation:   cfg.NoLocation,
		IPSecret:     cfg.PrivateKey,
	}
}

// Env holds the long-lived collaborators shared by all recorders.
type Env struct {
	DB         *gorm.DB
	Logger     *slog.Logger
	Classifier *referrers.Classifier
	Locator    *Locator
	Options    Options
}

// Recorder logs the facts of a single request.
type Recorder struct {
	env     Env
	req     Request
	agent   user_agent.UserAgent
	storeIP string
}

// NewRecorder classifies the request's user agent and applies the privacy
// switches. The request is not logged until Transaction is called.
func NewRecorder(env Env, req Request) *Recorder {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}
	req.Time = req.Time.UTC()

	if env.Options.NoUsers {
		req.User = ""
		req.Groups = nil
	}

	r := &Recorder{
		env:   env,
		req:   req,
		agent: user_agent.ParseUserAgent(req.UserAgent),
	}
	r.storeIP = r.anonymize(req.IP)
	return r
}

func (r *Recorder) anonymize(ip string) string {
	if !r.env.Options.AnonymizeIPs || ip == "" {
		return ip
	}
	mac := hmac.New(sha256.New, []byte(r.env.Options.IPSecret))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// ShouldLog is false for robots. Callers skip logging entirely in that case.
func (r *Recorder) ShouldLog() bool {
	return !r.agent.IsRobot()
}

// Agent returns the classified user agent.
func (r *Recorder) Agent() user_agent.UserAgent {
	return r.agent
}

// Request returns the request after privacy switches were applied.
func (r *Recorder) Request() Request {
	return r.req
}

// StoredIP is the IP value written to the store, hashed when anonymizing.
func (r *Recorder) StoredIP() string {
	return r.storeIP
}

// Transaction runs fn inside one write transaction. Any error rolls back
// every row fn wrote and is returned wrapped in ErrStore. Geolocation runs
// after a successful commit and never affects the result.
func (r *Recorder) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{r: r}
	err := sqlite.PerformWrite(r.env.Logger, r.env.DB.WithContext(ctx), func(db *gorm.DB) error {
		tx.db = db
		return fn(tx)
	})
	if err != nil {
		r.env.Logger.Error("Logging transaction failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	if tx.locate && r.env.Locator != nil && !r.env.Options.NoLocation {
		r.env.Locator.Locate(ctx, r.req.IP, r.storeIP)
	}
	return nil
}

// Tx writes the facts of one request. It is only valid inside the
// Transaction callback.
type Tx struct {
	db     *gorm.DB
	r      *Recorder
	locate bool
}

func (t *Tx) now() time.Time {
	return t.r.req.Time
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// LogAccess records a page view with its referrer classification, the
// search that led to it and the viewer's groups.
func (t *Tx) LogAccess() (referrers.Result, error) {
	req := t.r.req
	result := t.r.env.Classifier.Classify(req.Referrer, t.r.env.Options.SelfHost)

	ref := strings.TrimSpace(req.Referrer)
	refMD5 := ""
	if result.Kind == referrers.KindDirect {
		ref = ""
	} else {
		refMD5 = md5Hex(ref)
	}

	agent := t.r.agent
	access := Access{
		Dt:      t.now(),
		Page:    req.Page,
		IP:      t.r.storeIP,
		UA:      req.UserAgent,
		UAInfo:  agent.Browser,
		UAType:  agent.Type.String(),
		UAVer:   agent.Version,
		OS:      agent.OS,
		Ref:     ref,
		RefMD5:  refMD5,
		RefType: result.Kind.StoredValue(),
		ScreenX: req.ScreenX,
		ScreenY: req.ScreenY,
		ViewX:   req.ViewX,
		ViewY:   req.ViewY,
		JS:      req.JS,
		User:    req.User,
		Session: req.Session,
		UID:     req.UID,
	}
	if err := t.db.Create(&access).Error; err != nil {
		return result, fmt.Errorf("failed to store access: %w", err)
	}

	if result.Kind == referrers.KindExternal {
		err := t.db.Exec("INSERT INTO refseen (ref_md5, dt) VALUES (?, ?) ON CONFLICT(ref_md5) DO NOTHING", refMD5, t.now()).Error
		if err != nil {
			return result, fmt.Errorf("failed to store referrer first seen: %w", err)
		}
	}

	if result.IsSearch() {
		if err := t.LogSearch(req.Page, result.Query, result.EngineKey); err != nil {
			return result, err
		}
	}

	if err := t.LogGroups(GroupView, req.Groups); err != nil {
		return result, err
	}

	t.locate = true
	return result, nil
}

// LogSession adds addViews page views to the current session, creating it
// on first sight. Only browsers have sessions.
func (t *Tx) LogSession(addViews int) error {
	if t.r.agent.Type != user_agent.Browser || t.r.req.Session == "" {
		return nil
	}

	err := t.db.Exec(`
		INSERT INTO sessions (dt, end_dt, session, views, uid, user, ua_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session) DO UPDATE SET
			views = views + excluded.views,
			end_dt = excluded.end_dt,
			user = CASE WHEN excluded.user != '' THEN excluded.user ELSE sessions.user END
	`, t.now(), t.now(), t.r.req.Session, addViews, t.r.req.UID, t.r.req.User, t.r.agent.Type.String()).Error
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// LogSearch records a search and the words it consists of.
func (t *Tx) LogSearch(page, query, engine string) error {
	query = referrers.CleanQuery(query)
	if query == "" {
		return nil
	}

	search := Search{Dt: t.now(), Page: page, Query: query, Engine: engine}
	if err := t.db.Create(&search).Error; err != nil {
		return fmt.Errorf("failed to store search: %w", err)
	}

	words := referrers.SearchWords(query)
	if len(words) == 0 {
		return nil
	}
	rows := make([]SearchWord, 0, len(words))
	for _, word := range words {
		rows = append(rows, SearchWord{SID: search.ID, Word: strings.ToLower(word)})
	}
	if err := t.db.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to store search words: %w", err)
	}
	return nil
}

// LogOutgoing records a click on an external link.
func (t *Tx) LogOutgoing(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil
	}
	outlink := Outlink{Dt: t.now(), Session: t.r.req.Session, Link: link, LinkMD5: md5Hex(link)}
	if err := t.db.Create(&outlink).Error; err != nil {
		return fmt.Errorf("failed to store outgoing link: %w", err)
	}
	return nil
}

// LogMedia records a media download or inline display.
func (t *Tx) LogMedia(media, mime string, inline bool, size int64) error {
	mime1, mime2, _ := strings.Cut(strings.ToLower(mime), "/")
	agent := t.r.agent
	row := Media{
		Dt:      t.now(),
		Media:   media,
		IP:      t.r.storeIP,
		UA:      t.r.req.UserAgent,
		UAInfo:  agent.Browser,
		UAType:  agent.Type.String(),
		UAVer:   agent.Version,
		OS:      agent.OS,
		User:    t.r.req.User,
		Session: t.r.req.Session,
		UID:     t.r.req.UID,
		Mime1:   mime1,
		Mime2:   mime2,
		Inline:  inline,
		Size:    size,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store media access: %w", err)
	}
	t.locate = true
	return nil
}

// LogEdit records a page change and the editor's groups.
func (t *Tx) LogEdit(page string, editType EditType) error {
	edit := Edit{
		Dt:      t.now(),
		Page:    page,
		Type:    string(editType),
		IP:      t.r.storeIP,
		User:    t.r.req.User,
		Session: t.r.req.Session,
		UID:     t.r.req.UID,
	}
	if err := t.db.Create(&edit).Error; err != nil {
		return fmt.Errorf("failed to store edit: %w", err)
	}
	return t.LogGroups(GroupEdit, t.r.req.Groups)
}

// LogLogin records an authentication event. An empty user falls back to
// the request's user.
func (t *Tx) LogLogin(loginType LoginType, user string) error {
	if user == "" || t.r.env.Options.NoUsers {
		user = t.r.req.User
	}
	login := Login{Dt: t.now(), IP: t.r.storeIP, User: user, Type: string(loginType)}
	if err := t.db.Create(&login).Error; err != nil {
		return fmt.Errorf("failed to store login: %w", err)
	}
	return nil
}

// LogLastseen stamps the authenticated user's last activity.
func (t *Tx) LogLastseen() error {
	if t.r.req.User == "" {
		return nil
	}
	err := t.db.Exec("INSERT INTO lastseen (user, dt) VALUES (?, ?) ON CONFLICT(user) DO UPDATE SET dt = excluded.dt",
		t.r.req.User, t.now()).Error
	if err != nil {
		return fmt.Errorf("failed to store last seen: %w", err)
	}
	return nil
}

// LogGroups records the given groups, restricted to the configured logged
// groups when any are configured.
func (t *Tx) LogGroups(groupType GroupType, groups []string) error {
	toLog := filterGroups(groups, t.r.env.Options.LogGroups)
	if len(toLog) == 0 {
		return nil
	}
	rows := make([]Group, 0, len(toLog))
	for _, name := range toLog {
		rows = append(rows, Group{Dt: t.now(), Type: string(groupType), Name: name})
	}
	if err := t.db.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to store groups: %w", err)
	}
	return nil
}

func filterGroups(groups, allowed []string) []string {
	var out []string
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		if len(allowed) > 0 && !slices.Contains(allowed, g) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// LogHistory stores today's value of a wiki-wide metric, replacing an
// earlier value for the same day.
func (t *Tx) LogHistory(info string, value int64) error {
	return SaveHistory(t.db, t.now(), info, value)
}

// SaveHistory upserts the value of info for the calendar day of day.
func SaveHistory(db *gorm.DB, day time.Time, info string, value int64) error {
	err := db.Exec("INSERT INTO history (info, dt, value) VALUES (?, ?, ?) ON CONFLICT(info, dt) DO UPDATE SET value = excluded.value",
		info, day.Format("2006-01-02"), value).Error
	if err != nil {
		return fmt.Errorf("failed to store history %s: %w", info, err)
	}
	return nil
}
