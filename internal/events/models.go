package events

import "time"

// EditType is the kind of page change recorded in the edits table.
type EditType string

const (
	EditCreated EditType = "C"
	EditEdited  EditType = "E"
	EditDeleted EditType = "D"
	// EditMinor is a minor edit; it is reported together with EditEdited.
	EditMinor EditType = "e"
)

// LoginType is the kind of authentication event recorded in logins.
type LoginType string

const (
	LoginNormal    LoginType = "l"
	LoginPermanent LoginType = "p"
	LoginLogout    LoginType = "o"
	LoginFailed    LoginType = "f"
	LoginCreated   LoginType = "C"
)

// GroupType tells whether a group row belongs to a view or an edit.
type GroupType string

const (
	GroupView GroupType = "view"
	GroupEdit GroupType = "edit"
)

// History info keys recorded by the daily snapshot job.
const (
	HistoryPageCount  = "page_count"
	HistoryPageSize   = "page_size"
	HistoryMediaCount = "media_count"
	HistoryMediaSize  = "media_size"
)

// Access is a single page view.
type Access struct {
	ID      uint      `gorm:"primaryKey"`
	Dt      time.Time `gorm:"index;not null"`
	Page    string    `gorm:"index"`
	IP      string    `gorm:"column:ip;index"`
	UA      string    `gorm:"column:ua"`
	UAInfo  string    `gorm:"column:ua_info;index"`
	UAType  string    `gorm:"column:ua_type;index"`
	UAVer   string    `gorm:"column:ua_ver"`
	OS      string    `gorm:"column:os;index"`
	Ref     string    `gorm:"column:ref"`
	RefMD5  string    `gorm:"column:ref_md5;index"`
	RefType string    `gorm:"column:ref_type;index"`
	ScreenX int       `gorm:"column:screen_x"`
	ScreenY int       `gorm:"column:screen_y"`
	ViewX   int       `gorm:"column:view_x"`
	ViewY   int       `gorm:"column:view_y"`
	JS      bool      `gorm:"column:js"`
	User    string    `gorm:"column:user;index"`
	Session string    `gorm:"column:session;index"`
	UID     string    `gorm:"column:uid;index"`
}

func (Access) TableName() string { return "access" }

// Session tracks one visit. Views and EndDt are updated in place on every
// hit; all other rows in the store are append-only.
type Session struct {
	ID      uint      `gorm:"primaryKey"`
	Dt      time.Time `gorm:"index;not null"`
	EndDt   time.Time `gorm:"column:end_dt;index;not null"`
	Session string    `gorm:"column:session;uniqueIndex;not null"`
	Views   int       `gorm:"not null;default:0"`
	UID     string    `gorm:"column:uid;index"`
	User    string    `gorm:"column:user"`
	UAType  string    `gorm:"column:ua_type;index"`
}

func (Session) TableName() string { return "sessions" }

type Search struct {
	ID     uint      `gorm:"primaryKey"`
	Dt     time.Time `gorm:"index;not null"`
	Page   string
	Query  string `gorm:"index"`
	Engine string `gorm:"index"`
}

func (Search) TableName() string { return "search" }

type SearchWord struct {
	ID   uint   `gorm:"primaryKey"`
	SID  uint   `gorm:"column:sid;index;not null"`
	Word string `gorm:"index"`
}

func (SearchWord) TableName() string { return "searchwords" }

type Edit struct {
	ID      uint      `gorm:"primaryKey"`
	Dt      time.Time `gorm:"index;not null"`
	Page    string    `gorm:"index"`
	Type    string    `gorm:"index;size:1"`
	IP      string    `gorm:"column:ip"`
	User    string    `gorm:"column:user;index"`
	Session string    `gorm:"column:session"`
	UID     string    `gorm:"column:uid"`
}

func (Edit) TableName() string { return "edits" }

type Login struct {
	ID   uint      `gorm:"primaryKey"`
	Dt   time.Time `gorm:"index;not null"`
	IP   string    `gorm:"column:ip"`
	User string    `gorm:"column:user;index"`
	Type string    `gorm:"index;size:1"`
}

func (Login) TableName() string { return "logins" }

type Outlink struct {
	ID      uint      `gorm:"primaryKey"`
	Dt      time.Time `gorm:"index;not null"`
	Session string    `gorm:"column:session"`
	Link    string
	LinkMD5 string `gorm:"column:link_md5;index"`
}

func (Outlink) TableName() string { return "outlinks" }

type Media struct {
	ID      uint      `gorm:"primaryKey"`
	Dt      time.Time `gorm:"index;not null"`
	Media   string    `gorm:"index"`
	IP      string    `gorm:"column:ip"`
	UA      string    `gorm:"column:ua"`
	UAInfo  string    `gorm:"column:ua_info"`
	UAType  string    `gorm:"column:ua_type"`
	UAVer   string    `gorm:"column:ua_ver"`
	OS      string    `gorm:"column:os"`
	User    string    `gorm:"column:user"`
	Session string    `gorm:"column:session"`
	UID     string    `gorm:"column:uid"`
	Mime1   string    `gorm:"column:mime1;index"`
	Mime2   string    `gorm:"column:mime2"`
	Inline  bool
	Size    int64
}

func (Media) TableName() string { return "media" }

// Group is one group membership of the user behind a view or edit.
type Group struct {
	ID   uint      `gorm:"primaryKey"`
	Dt   time.Time `gorm:"index;not null"`
	Type string    `gorm:"index"`
	Name string    `gorm:"column:name;index"`
}

func (Group) TableName() string { return "usergroups" }

// RefSeen records when an external referrer was first seen.
type RefSeen struct {
	RefMD5 string    `gorm:"column:ref_md5;primaryKey"`
	Dt     time.Time `gorm:"index;not null"`
}

func (RefSeen) TableName() string { return "refseen" }

// LastSeen holds the most recent activity per user.
type LastSeen struct {
	User string    `gorm:"column:user;primaryKey"`
	Dt   time.Time `gorm:"not null"`
}

func (LastSeen) TableName() string { return "lastseen" }

// IPLocation caches geolocation results keyed by the stored IP value.
type IPLocation struct {
	IP      string    `gorm:"column:ip;primaryKey"`
	Code    string    `gorm:"size:2;index"`
	Country string
	City    string
	Host    string
	LastUpd time.Time `gorm:"column:lastupd;not null"`
}

func (IPLocation) TableName() string { return "iplocation" }

// History is a daily snapshot of a wiki-wide value such as page count.
type History struct {
	ID    uint   `gorm:"primaryKey"`
	Info  string `gorm:"uniqueIndex:idx_history_info_dt;not null"`
	Dt    string `gorm:"uniqueIndex:idx_history_info_dt;size:10;not null"`
	Value int64  `gorm:"not null"`
}

func (History) TableName() string { return "history" }

// Models lists every table of the event store.
func Models() []any {
	return []any{
		&Access{},
		&Session{},
		&Search{},
		&SearchWord{},
		&Edit{},
		&Login{},
		&Outlink{},
		&Media{},
		&Group{},
		&RefSeen{},
		&LastSeen{},
		&IPLocation{},
		&History{},
	}
}

// RetentionTables are pruned by age using their dt column.
var RetentionTables = []string{
	"access", "sessions", "search", "edits", "logins", "outlinks",
	"media", "usergroups", "refseen", "lastseen", "history",
}
