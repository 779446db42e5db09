package analytics

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ActiveWindow is how far back a visitor counts as currently online.
const ActiveWindow = 10 * time.Minute

// ReferrerBreakdown counts page views per traffic source.
type ReferrerBreakdown struct {
	Direct   int64 `json:"direct"`
	Search   int64 `json:"search"`
	External int64 `json:"external"`
	Internal int64 `json:"internal"`
}

// Summary holds the headline figures for a window.
type Summary struct {
	Sessions  int64             `json:"sessions"`
	Pageviews int64             `json:"pageviews"`
	Visitors  int64             `json:"visitors"`
	Users     int64             `json:"users"`
	Referrers ReferrerBreakdown `json:"referrers"`
	Bounces   int64             `json:"bounces"`
	// BounceRate is the percentage of sessions with a single view, 0..100.
	BounceRate float64 `json:"bounce_rate"`
	AvgPages   float64 `json:"avg_pages"`
	// AvgTimeSpent is in minutes, over sessions that ended the day they
	// started and saw more than one hit.
	AvgTimeSpent    float64 `json:"avg_time_spent"`
	Logins          int64   `json:"logins"`
	Registrations   int64   `json:"registrations"`
	CurrentlyActive int64   `json:"currently_active"`
}

// GetSummary computes every headline figure in a single statement so all
// of them come from the same snapshot and share the session denominator.
func GetSummary(db *gorm.DB, params QueryParams) (Summary, error) {
	w := params.Window
	accessCond, accessArgs := w.Condition("dt")
	sessionCond, sessionArgs := w.Condition("dt")
	loginCond, loginArgs := w.Condition("dt")

	sameDay := fmt.Sprintf("date(%s) = date(%s)", w.Adjust("dt"), w.Adjust("end_dt"))

	query := `
    WITH a AS (
        SELECT
            COUNT(*) AS pageviews,
            COUNT(DISTINCT uid) AS visitors,
            COUNT(DISTINCT NULLIF(user, '')) AS users,
            COALESCE(SUM(CASE WHEN ref_type = '' THEN 1 ELSE 0 END), 0) AS direct,
            COALESCE(SUM(CASE WHEN ref_type = 'search' THEN 1 ELSE 0 END), 0) AS search,
            COALESCE(SUM(CASE WHEN ref_type = 'external' THEN 1 ELSE 0 END), 0) AS external,
            COALESCE(SUM(CASE WHEN ref_type = 'internal' THEN 1 ELSE 0 END), 0) AS internal
        FROM access
        WHERE ua_type = 'browser' AND ` + accessCond + `
    ),
    s AS (
        SELECT
            COUNT(*) AS sessions,
            COALESCE(SUM(CASE WHEN views = 1 THEN 1 ELSE 0 END), 0) AS bounces,
            COALESCE(AVG(views), 0) AS avg_pages,
            COALESCE(AVG(CASE WHEN dt != end_dt AND ` + sameDay + `
                THEN (julianday(end_dt) - julianday(dt)) * 1440 END), 0) AS avg_time_spent
        FROM sessions
        WHERE ua_type = 'browser' AND views > 0 AND ` + sessionCond + `
    ),
    l AS (
        SELECT
            COALESCE(SUM(CASE WHEN type IN ('l', 'p') THEN 1 ELSE 0 END), 0) AS logins,
            COALESCE(SUM(CASE WHEN type = 'C' THEN 1 ELSE 0 END), 0) AS registrations
        FROM logins
        WHERE ` + loginCond + `
    ),
    c AS (
        SELECT COUNT(DISTINCT uid) AS currently_active
        FROM access
        WHERE ua_type = 'browser' AND datetime(dt) >= ?
    )
    SELECT a.*, s.*, l.*, c.* FROM a, s, l, c
    `

	args := make([]any, 0, 7)
	args = append(args, accessArgs...)
	args = append(args, sessionArgs...)
	args = append(args, loginArgs...)
	args = append(args, time.Now().UTC().Add(-ActiveWindow).Format("2006-01-02 15:04:05"))

	var raw struct {
		Pageviews       int64
		Visitors        int64
		Users           int64
		Direct          int64
		Search          int64
		External        int64
		Internal        int64
		Sessions        int64
		Bounces         int64
		AvgPages        float64
		AvgTimeSpent    float64
		Logins          int64
		Registrations   int64
		CurrentlyActive int64
	}
	if err := db.Raw(strings.TrimSpace(query), args...).Scan(&raw).Error; err != nil {
		return Summary{}, fmt.Errorf("error fetching summary: %w", err)
	}

	summary := Summary{
		Sessions:  raw.Sessions,
		Pageviews: raw.Pageviews,
		Visitors:  raw.Visitors,
		Users:     raw.Users,
		Referrers: ReferrerBreakdown{
			Direct:   raw.Direct,
			Search:   raw.Search,
			External: raw.External,
			Internal: raw.Internal,
		},
		Bounces:         raw.Bounces,
		AvgPages:        raw.AvgPages,
		AvgTimeSpent:    raw.AvgTimeSpent,
		Logins:          raw.Logins,
		Registrations:   raw.Registrations,
		CurrentlyActive: raw.CurrentlyActive,
	}
	summary.BounceRate = bounceRate(raw.Bounces, raw.Sessions)

	return summary, nil
}

func bounceRate(bounces, sessions int64) float64 {
	if sessions <= 0 {
		return 0
	}
	rate := float64(bounces) * 100 / float64(sessions)
	return min(max(rate, 0), 100)
}
