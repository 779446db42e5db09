package analytics

import (
	"wikistats/internal/timeframe"
)

// QueryParams scopes every report to a time window.
type QueryParams struct {
	Window     timeframe.TimeWindow
	Pagination Pagination
	// Internal switches the search phrase and word reports to the wiki's
	// own search instead of external engines.
	Internal bool
}

// NewQueryParams creates params for window with the default pagination.
func NewQueryParams(window timeframe.TimeWindow) QueryParams {
	return QueryParams{
		Window:     window,
		Pagination: DefaultPagination(),
	}
}

// MetricCountResult is one row of a categorical breakdown.
type MetricCountResult struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	// Key identifies the row for clients, e.g. an engine key, a country
	// code or the full referrer URL.
	Key  string `json:"key,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
	// Seen is a timestamp in the window's zone, e.g. when a referrer was
	// first seen.
	Seen string `json:"seen,omitempty"`
}
