package analytics

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"
)

var ErrUnknownMetric = errors.New("unknown metric")

type breakdownFunc func(db *gorm.DB, params QueryParams) (Page[MetricCountResult], error)

var breakdowns = map[string]breakdownFunc{
	"search_engines":    GetSearchEngines,
	"search_phrases":    GetSearchPhrases,
	"search_words":      GetSearchWords,
	"outbound_links":    GetOutboundLinks,
	"top_pages":         GetTopPages,
	"top_edits":         GetTopEdits,
	"top_users":         GetTopUsers,
	"top_editors":       GetTopEditors,
	"top_groups":        GetTopGroups,
	"top_group_edits":   GetTopGroupEdits,
	"countries":         GetCountries,
	"browsers":          GetBrowsers,
	"operating_systems": GetOperatingSystems,
	"screen_resolution": GetScreenResolutions,
	"viewport_size":     GetViewportSizes,
	"known_referrers":   GetKnownReferrers,
	"new_referrers":     GetNewReferrers,
	"seen_users":        GetSeenUsers,
}

type mediaFunc func(db *gorm.DB, params QueryParams) (Page[MetricCountResult], MediaTotal, error)

var mediaBreakdowns = map[string]mediaFunc{
	"images":    GetImages,
	"downloads": GetDownloads,
}

// Breakdown runs the named breakdown. Unknown names fail with
// ErrUnknownMetric without touching db.
func Breakdown(db *gorm.DB, name string, params QueryParams) (BreakdownResult, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	if fn, ok := mediaBreakdowns[name]; ok {
		page, total, err := fn(db, params)
		if err != nil {
			return BreakdownResult{}, err
		}
		result := newBreakdownResult(name, page)
		result.Total = &total
		return result, nil
	}

	fn, ok := breakdowns[name]
	if !ok {
		return BreakdownResult{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	page, err := fn(db, params)
	if err != nil {
		return BreakdownResult{}, err
	}
	return newBreakdownResult(name, page), nil
}

// IsBreakdown reports whether name is a registered breakdown.
func IsBreakdown(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	_, ok := breakdowns[name]
	if !ok {
		_, ok = mediaBreakdowns[name]
	}
	return ok
}

// BreakdownNames returns every registered name, sorted.
func BreakdownNames() []string {
	names := make([]string, 0, len(breakdowns)+len(mediaBreakdowns))
	for name := range breakdowns {
		names = append(names, name)
	}
	for name := range mediaBreakdowns {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
