package analytics

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"wikistats/internal/events"
	"wikistats/internal/timeframe"
)

var ErrUnknownHistoryInfo = errors.New("unknown history info")

const megabyte = 1024 * 1024

// historyDivisors lists the recorded snapshot keys and the unit each one
// is reported in.
var historyDivisors = map[string]float64{
	events.HistoryPageCount:  1,
	events.HistoryMediaCount: 1,
	events.HistoryPageSize:   megabyte,
	events.HistoryMediaSize:  megabyte,
}

// HistoryPoint is the average snapshot value in a bucket. Sizes are in
// megabytes.
type HistoryPoint struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
}

// IsHistoryInfo reports whether info is a recorded snapshot key.
func IsHistoryInfo(info string) bool {
	_, ok := historyDivisors[info]
	return ok
}

// GetHistorySeries returns the snapshot series for info. Days without a
// snapshot are left out.
func GetHistorySeries(db *gorm.DB, params QueryParams, info string, g timeframe.Granularity) ([]HistoryPoint, error) {
	divisor, ok := historyDivisors[info]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHistoryInfo, info)
	}

	// Snapshots are keyed by calendar day, so they are compared as is.
	w := params.Window.WithTimezone("+00:00")
	cond, args := w.Condition("dt")
	bucket := w.BucketExpression(g, "dt")

	query := fmt.Sprintf(`
    SELECT
        %s AS bucket,
        AVG(value) / ? AS value
    FROM history
    WHERE info = ? AND %s
    GROUP BY bucket
    ORDER BY bucket
    `, bucket, cond)

	queryArgs := append([]any{divisor, info}, args...)

	var points []HistoryPoint
	if err := db.Raw(query, queryArgs...).Scan(&points).Error; err != nil {
		return nil, fmt.Errorf("error fetching %s history: %w", info, err)
	}
	if points == nil {
		points = []HistoryPoint{}
	}
	return points, nil
}
