package analytics

import (
	"fmt"

	"gorm.io/gorm"

	"wikistats/internal/timeframe"
)

// ViewsPoint is one bucket of the traffic trend.
type ViewsPoint struct {
	Bucket    string `json:"bucket"`
	Sessions  int64  `json:"sessions"`
	Pageviews int64  `json:"pageviews"`
	Visitors  int64  `json:"visitors"`
}

// EditsPoint is one bucket of the wiki change trend. Minor edits count as
// edits.
type EditsPoint struct {
	Bucket  string `json:"bucket"`
	Created int64  `json:"created"`
	Edited  int64  `json:"edited"`
	Deleted int64  `json:"deleted"`
}

// GetViewsOverTime returns browser traffic per bucket. Every bucket in the
// window is present; empty ones are zero.
func GetViewsOverTime(db *gorm.DB, params QueryParams, g timeframe.Granularity) ([]ViewsPoint, error) {
	w := params.Window
	cond, args := w.Condition("dt")
	bucket := w.BucketExpression(g, "dt")

	query := fmt.Sprintf(`
    SELECT
        %s AS bucket,
        COUNT(DISTINCT session) AS sessions,
        COUNT(*) AS pageviews,
        COUNT(DISTINCT uid) AS visitors
    FROM access
    WHERE ua_type = 'browser' AND %s
    GROUP BY bucket
    ORDER BY bucket
    `, bucket, cond)

	var rows []ViewsPoint
	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("error fetching views over time: %w", err)
	}

	byBucket := make(map[string]ViewsPoint, len(rows))
	for _, r := range rows {
		byBucket[r.Bucket] = r
	}

	keys := w.Buckets(g)
	points := make([]ViewsPoint, len(keys))
	for i, key := range keys {
		p := byBucket[key]
		p.Bucket = key
		points[i] = p
	}
	return points, nil
}

// GetEditsOverTime returns page changes per bucket, zero filled like
// GetViewsOverTime.
func GetEditsOverTime(db *gorm.DB, params QueryParams, g timeframe.Granularity) ([]EditsPoint, error) {
	w := params.Window
	cond, args := w.Condition("dt")
	bucket := w.BucketExpression(g, "dt")

	query := fmt.Sprintf(`
    SELECT
        %s AS bucket,
        COALESCE(SUM(CASE WHEN type = 'C' THEN 1 ELSE 0 END), 0) AS created,
        COALESCE(SUM(CASE WHEN type IN ('E', 'e') THEN 1 ELSE 0 END), 0) AS edited,
        COALESCE(SUM(CASE WHEN type = 'D' THEN 1 ELSE 0 END), 0) AS deleted
    FROM edits
    WHERE %s
    GROUP BY bucket
    ORDER BY bucket
    `, bucket, cond)

	var rows []EditsPoint
	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("error fetching edits over time: %w", err)
	}

	byBucket := make(map[string]EditsPoint, len(rows))
	for _, r := range rows {
		byBucket[r.Bucket] = r
	}

	keys := w.Buckets(g)
	points := make([]EditsPoint, len(keys))
	for i, key := range keys {
		p := byBucket[key]
		p.Bucket = key
		points[i] = p
	}
	return points, nil
}
