package analytics

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"wikistats/internal/pkg/async"
	"wikistats/internal/timeframe"
)

// Dashboard is the overview page: headline figures and both trends.
type Dashboard struct {
	Granularity timeframe.Granularity `json:"granularity"`
	Summary     Summary               `json:"summary"`
	Views       []ViewsPoint          `json:"views"`
	Edits       []EditsPoint          `json:"edits"`
}

const (
	taskSummary = "summary"
	taskViews   = "views"
	taskEdits   = "edits"
)

// GetDashboard runs the overview queries concurrently. When several fail
// the error of the first task in the list is returned.
func GetDashboard(ctx context.Context, db *gorm.DB, params QueryParams) (Dashboard, error) {
	g := params.Window.Granularity()

	tasks := []async.Task{
		{Name: taskSummary, Run: func(ctx context.Context) (any, error) {
			return GetSummary(db.WithContext(ctx), params)
		}},
		{Name: taskViews, Run: func(ctx context.Context) (any, error) {
			return GetViewsOverTime(db.WithContext(ctx), params, g)
		}},
		{Name: taskEdits, Run: func(ctx context.Context) (any, error) {
			return GetEditsOverTime(db.WithContext(ctx), params, g)
		}},
	}

	results := async.NewPool(len(tasks)).Execute(ctx, tasks)
	if err := results.FirstError(ctx, tasks); err != nil {
		return Dashboard{}, fmt.Errorf("error fetching dashboard: %w", err)
	}

	return Dashboard{
		Granularity: g,
		Summary:     results[taskSummary].Data.(Summary),
		Views:       results[taskViews].Data.([]ViewsPoint),
		Edits:       results[taskEdits].Data.([]EditsPoint),
	}, nil
}
