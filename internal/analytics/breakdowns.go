package analytics

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"wikistats/internal/referrers"
	"wikistats/internal/searchengines"
)

// MediaTotal sums all media rows of a breakdown, not just the current page.
type MediaTotal struct {
	Count int64 `json:"count"`
	Size  int64 `json:"size"`
}

// BreakdownResult is one page of a categorical breakdown.
type BreakdownResult struct {
	Metric  string              `json:"metric"`
	Rows    []MetricCountResult `json:"rows"`
	HasMore bool                `json:"has_more"`
	Total   *MediaTotal         `json:"total,omitempty"`
}

func newBreakdownResult(metric string, page Page[MetricCountResult]) BreakdownResult {
	return BreakdownResult{Metric: metric, Rows: page.Rows, HasMore: page.HasMore}
}

// fetchPage runs query with the pagination clause appended.
func fetchPage(db *gorm.DB, what, query string, args []any, p Pagination) (Page[MetricCountResult], error) {
	limit, limitArgs := p.SQL()
	args = append(args, limitArgs...)

	var rows []MetricCountResult
	if err := db.Raw(strings.TrimSpace(query)+"\n    "+limit, args...).Scan(&rows).Error; err != nil {
		return Page[MetricCountResult]{}, fmt.Errorf("error fetching %s: %w", what, err)
	}
	return Paginate(rows, p), nil
}

// topBy counts rows of table per column value. filter is ANDed to the
// window condition.
func topBy(db *gorm.DB, params QueryParams, what, table, column, filter string, filterArgs ...any) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("dt")
	if filter != "" {
		cond = filter + " AND " + cond
		args = append(filterArgs, args...)
	}

	query := fmt.Sprintf(`
    SELECT %s AS name, COUNT(*) AS count
    FROM %s
    WHERE %s
    GROUP BY %s
    ORDER BY count DESC, name
    `, column, table, cond, column)

	return fetchPage(db, what, query, args, params.Pagination)
}

func searchEngineFilter(params QueryParams) string {
	if params.Internal {
		return "engine = '" + searchengines.SelfKey + "'"
	}
	return "engine != '" + searchengines.SelfKey + "'"
}

// GetSearchEngines counts searches per engine key. Names are engine keys;
// callers resolve display names through the catalog.
func GetSearchEngines(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("dt")
	query := `
    SELECT engine AS name, engine AS "key", COUNT(*) AS count
    FROM search
    WHERE ` + cond + `
    GROUP BY engine
    ORDER BY count DESC, engine
    `
	return fetchPage(db, "search engines", query, args, params.Pagination)
}

// GetSearchPhrases counts full search queries.
func GetSearchPhrases(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "search phrases", "search", "query", searchEngineFilter(params))
}

// GetSearchWords counts the individual words of search queries.
func GetSearchWords(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("S.dt")
	query := `
    SELECT W.word AS name, COUNT(*) AS count
    FROM search S
    JOIN searchwords W ON W.sid = S.id
    WHERE S.` + searchEngineFilter(params) + ` AND ` + cond + `
    GROUP BY W.word
    ORDER BY count DESC, name
    `
	return fetchPage(db, "search words", query, args, params.Pagination)
}

func GetOutboundLinks(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "outbound links", "outlinks", "link", "")
}

func GetTopPages(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "top pages", "access", "page", "ua_type = 'browser'")
}

func GetTopEdits(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "top edits", "edits", "page", "")
}

func GetTopUsers(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "top users", "access", "user", "ua_type = 'browser' AND user != ''")
}

func GetTopEditors(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "top editors", "edits", "user", "user != ''")
}

func GetTopGroups(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "top groups", "usergroups", "name", "type = ?", "view")
}

func GetTopGroupEdits(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return topBy(db, params, "top group edits", "usergroups", "name", "type = ?", "edit")
}

// GetCountries counts sessions per country of the visitor's address.
// Addresses that were never located are left out.
func GetCountries(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("A.dt")
	query := `
    SELECT L.country AS name, L.code AS "key", COUNT(DISTINCT A.session) AS count
    FROM access A
    JOIN iplocation L ON L.ip = A.ip
    WHERE A.ua_type = 'browser' AND L.code != '' AND ` + cond + `
    GROUP BY L.code
    ORDER BY count DESC, name
    `
	return fetchPage(db, "countries", query, args, params.Pagination)
}

// GetBrowsers counts sessions per browser and major version.
func GetBrowsers(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("dt")
	query := `
    SELECT TRIM(ua_info || ' ' || ua_ver) AS name, ua_info AS "key", COUNT(DISTINCT session) AS count
    FROM access
    WHERE ua_type = 'browser' AND ` + cond + `
    GROUP BY ua_info, ua_ver
    ORDER BY count DESC, name
    `
	return fetchPage(db, "browsers", query, args, params.Pagination)
}

func GetOperatingSystems(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("dt")
	query := `
    SELECT os AS name, COUNT(DISTINCT session) AS count
    FROM access
    WHERE ua_type = 'browser' AND ` + cond + `
    GROUP BY os
    ORDER BY count DESC, name
    `
	return fetchPage(db, "operating systems", query, args, params.Pagination)
}

// dimensions counts visitors per width x height, rounded to 100 pixels.
func dimensions(db *gorm.DB, params QueryParams, what, xCol, yCol string) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("dt")
	query := fmt.Sprintf(`
    SELECT
        CAST(ROUND(%[1]s / 100.0) * 100 AS INTEGER) || 'x' || CAST(ROUND(%[2]s / 100.0) * 100 AS INTEGER) AS name,
        COUNT(DISTINCT uid) AS count
    FROM access
    WHERE ua_type = 'browser' AND %[1]s != 0 AND %[2]s != 0 AND %[3]s
    GROUP BY name
    ORDER BY count DESC, name
    `, xCol, yCol, cond)
	return fetchPage(db, what, query, args, params.Pagination)
}

func GetScreenResolutions(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return dimensions(db, params, "screen resolutions", "screen_x", "screen_y")
}

func GetViewportSizes(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	return dimensions(db, params, "viewport sizes", "view_x", "view_y")
}

// GetKnownReferrers counts external referrers by URL.
func GetKnownReferrers(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	cond, args := params.Window.Condition("dt")
	query := `
    SELECT MIN(ref) AS url, COUNT(*) AS count
    FROM access
    WHERE ua_type = 'browser' AND ref_type = 'external' AND ` + cond + `
    GROUP BY ref_md5
    ORDER BY count DESC, url
    `
	page, err := fetchPage(db, "known referrers", query, args, params.Pagination)
	if err != nil {
		return page, err
	}
	labelReferrers(page.Rows)
	return page, nil
}

// GetNewReferrers is GetKnownReferrers limited to referrers first seen
// inside the window.
func GetNewReferrers(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	w := params.Window
	accessCond, accessArgs := w.Condition("A.dt")
	seenCond, seenArgs := w.Condition("R.dt")
	query := `
    SELECT MIN(A.ref) AS url, COUNT(*) AS count, ` + w.Adjust("MIN(R.dt)") + ` AS seen
    FROM access A
    JOIN refseen R ON R.ref_md5 = A.ref_md5
    WHERE A.ua_type = 'browser' AND A.ref_type = 'external' AND ` + accessCond + ` AND ` + seenCond + `
    GROUP BY A.ref_md5
    ORDER BY count DESC, url
    `
	page, err := fetchPage(db, "new referrers", query, append(accessArgs, seenArgs...), params.Pagination)
	if err != nil {
		return page, err
	}
	labelReferrers(page.Rows)
	return page, nil
}

func labelReferrers(rows []MetricCountResult) {
	for i := range rows {
		rows[i].Key = rows[i].URL
		rows[i].Name = referrers.Label(rows[i].URL)
	}
}

func mediaFilter(images bool) string {
	if images {
		return "mime1 = 'image'"
	}
	return "mime1 != 'image'"
}

// media counts media requests per file and sums their sizes.
func media(db *gorm.DB, params QueryParams, what string, images bool) (Page[MetricCountResult], MediaTotal, error) {
	cond, args := params.Window.Condition("dt")
	filter := mediaFilter(images)

	query := `
    SELECT media AS name, COUNT(*) AS count, COALESCE(SUM(size), 0) AS size
    FROM media
    WHERE ` + filter + ` AND ` + cond + `
    GROUP BY media
    ORDER BY count DESC, name
    `
	page, err := fetchPage(db, what, query, args, params.Pagination)
	if err != nil {
		return page, MediaTotal{}, err
	}

	var total MediaTotal
	totalQuery := `
    SELECT COUNT(*) AS count, COALESCE(SUM(size), 0) AS size
    FROM media
    WHERE ` + filter + ` AND ` + cond
	if err := db.Raw(totalQuery, args...).Scan(&total).Error; err != nil {
		return page, MediaTotal{}, fmt.Errorf("error fetching %s total: %w", what, err)
	}
	return page, total, nil
}

func GetImages(db *gorm.DB, params QueryParams) (Page[MetricCountResult], MediaTotal, error) {
	return media(db, params, "images", true)
}

func GetDownloads(db *gorm.DB, params QueryParams) (Page[MetricCountResult], MediaTotal, error) {
	return media(db, params, "downloads", false)
}

// GetSeenUsers lists users by their last activity, newest first. It
// ignores the window's dates but shows times in its zone.
func GetSeenUsers(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error) {
	query := `
    SELECT user AS name, ` + params.Window.Adjust("dt") + ` AS seen
    FROM lastseen
    ORDER BY dt DESC, user
    `
	return fetchPage(db, "seen users", query, nil, params.Pagination)
}
