package http

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"wikistats/internal/analytics"
	"wikistats/internal/config"
	"wikistats/internal/referrers"
	"wikistats/internal/searchengines"
	"wikistats/internal/timeframe"
)

// Reports serves the read-only statistics API.
type Reports struct {
	classifier *referrers.Classifier
	selfHost   string
	defaultTZ  string
}

func NewReports(cfg *config.Config, classifier *referrers.Classifier) *Reports {
	return &Reports{
		classifier: classifier,
		selfHost:   cfg.SelfHost(),
		defaultTZ:  cfg.DefaultTimezone,
	}
}

// WindowInfo echoes the resolved window so clients can label charts.
type WindowInfo struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Timezone string `json:"timezone"`
}

func windowInfo(w timeframe.TimeWindow) WindowInfo {
	return WindowInfo{
		From:     w.From().Format(timeframe.DateLayout),
		To:       w.To().Format(timeframe.DateLayout),
		Timezone: w.Timezone(),
	}
}

type SummaryResponse struct {
	Window  WindowInfo        `json:"window"`
	Summary analytics.Summary `json:"summary"`
}

type DashboardResponse struct {
	Window WindowInfo `json:"window"`
	analytics.Dashboard
}

type SeriesResponse[T any] struct {
	Window      WindowInfo            `json:"window"`
	Granularity timeframe.Granularity `json:"granularity"`
	Points      []T                   `json:"points"`
}

type BreakdownResponse struct {
	Window WindowInfo `json:"window"`
	analytics.BreakdownResult
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (r *Reports) params(ctx *cartridge.Context) (analytics.QueryParams, error) {
	params, err := parseQueryParams(ctx, r.defaultTZ)
	if err != nil {
		ctx.Logger.Debug("Invalid report parameters", slog.Any("error", err))
	}
	return params, err
}

// SummaryAction serves GET /api/v1/stats/summary.
func (r *Reports) SummaryAction(ctx *cartridge.Context) error {
	params, err := r.params(ctx)
	if err != nil {
		return handleError(ctx.Ctx, err)
	}

	summary, err := analytics.GetSummary(ctx.DB(), params)
	if err != nil {
		ctx.Logger.Error("Error fetching summary", slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	return ctx.JSON(SummaryResponse{Window: windowInfo(params.Window), Summary: summary})
}

// DashboardAction serves GET /api/v1/stats/dashboard.
func (r *Reports) DashboardAction(ctx *cartridge.Context) error {
	params, err := r.params(ctx)
	if err != nil {
		return handleError(ctx.Ctx, err)
	}

	dashboard, err := analytics.GetDashboard(ctx.UserContext(), ctx.DB(), params)
	if err != nil {
		ctx.Logger.Error("Error fetching dashboard", slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	return ctx.JSON(DashboardResponse{Window: windowInfo(params.Window), Dashboard: dashboard})
}

// ViewsAction serves GET /api/v1/stats/views.
func (r *Reports) ViewsAction(ctx *cartridge.Context) error {
	params, err := r.params(ctx)
	if err != nil {
		return handleError(ctx.Ctx, err)
	}

	g := granularity(ctx, params.Window)
	points, err := analytics.GetViewsOverTime(ctx.DB(), params, g)
	if err != nil {
		ctx.Logger.Error("Error fetching views over time", slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	return ctx.JSON(SeriesResponse[analytics.ViewsPoint]{Window: windowInfo(params.Window), Granularity: g, Points: points})
}

// EditsAction serves GET /api/v1/stats/edits.
func (r *Reports) EditsAction(ctx *cartridge.Context) error {
	params, err := r.params(ctx)
	if err != nil {
		return handleError(ctx.Ctx, err)
	}

	g := granularity(ctx, params.Window)
	points, err := analytics.GetEditsOverTime(ctx.DB(), params, g)
	if err != nil {
		ctx.Logger.Error("Error fetching edits over time", slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	return ctx.JSON(SeriesResponse[analytics.EditsPoint]{Window: windowInfo(params.Window), Granularity: g, Points: points})
}

// HistoryAction serves GET /api/v1/stats/history/:info.
func (r *Reports) HistoryAction(ctx *cartridge.Context) error {
	params, err := r.params(ctx)
	if err != nil {
		return handleError(ctx.Ctx, err)
	}

	g := granularity(ctx, params.Window)
	points, err := analytics.GetHistorySeries(ctx.DB(), params, ctx.Params("info"), g)
	if errors.Is(err, analytics.ErrUnknownHistoryInfo) {
		return handleError(ctx.Ctx, fiber.NewError(fiber.StatusBadRequest, err.Error()))
	}
	if err != nil {
		ctx.Logger.Error("Error fetching history", slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}
	if points == nil {
		points = []analytics.HistoryPoint{}
	}

	return ctx.JSON(SeriesResponse[analytics.HistoryPoint]{Window: windowInfo(params.Window), Granularity: g, Points: points})
}

// BreakdownAction serves GET /api/v1/stats/:metric for every registered
// breakdown. Unknown metrics are a client error.
func (r *Reports) BreakdownAction(ctx *cartridge.Context) error {
	metric := strings.ToLower(ctx.Params("metric"))
	if !analytics.IsBreakdown(metric) {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   analytics.ErrUnknownMetric.Error(),
			"metric":  metric,
			"metrics": analytics.BreakdownNames(),
		})
	}

	params, err := r.params(ctx)
	if err != nil {
		return handleError(ctx.Ctx, err)
	}

	result, err := analytics.Breakdown(ctx.DB(), metric, params)
	if err != nil {
		ctx.Logger.Error("Error fetching breakdown", slog.String("metric", metric), slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	if metric == "search_engines" {
		r.decorateEngines(result.Rows)
	}

	return ctx.JSON(BreakdownResponse{
		Window:          windowInfo(params.Window),
		BreakdownResult: result,
		Offset:          params.Pagination.Offset,
		Limit:           params.Pagination.Limit,
	})
}

// decorateEngines replaces engine keys with display names and homepages.
func (r *Reports) decorateEngines(rows []analytics.MetricCountResult) {
	catalog := r.classifier.Catalog()
	for i := range rows {
		rows[i].Name = catalog.LookupName(rows[i].Key)
		if url, ok := catalog.LookupURL(rows[i].Key); ok {
			rows[i].URL = url
		}
	}
}

// EngineResponse describes one search engine key.
type EngineResponse struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	URL     string   `json:"url,omitempty"`
	Params  []string `json:"params,omitempty"`
	Generic bool     `json:"generic"`
}

func engineResponse(catalog *searchengines.Catalog, sig searchengines.Signature) EngineResponse {
	return EngineResponse{
		Key:    sig.Key,
		Name:   catalog.LookupName(sig.Key),
		URL:    sig.HomepageURL,
		Params: sig.QueryParamNames,
	}
}

// EnginesIndexAction serves GET /api/v1/engines.
func (r *Reports) EnginesIndexAction(ctx *cartridge.Context) error {
	catalog := r.classifier.Catalog()
	signatures := catalog.Signatures()

	engines := make([]EngineResponse, 0, len(signatures))
	for _, sig := range signatures {
		engines = append(engines, engineResponse(catalog, sig))
	}
	return ctx.JSON(fiber.Map{"engines": engines})
}

// EngineShowAction serves GET /api/v1/engines/:key. Generic keys are not
// in the catalog but still resolve to a name.
func (r *Reports) EngineShowAction(ctx *cartridge.Context) error {
	key := ctx.Params("key")
	catalog := r.classifier.Catalog()

	if sig, ok := catalog.Get(key); ok {
		return ctx.JSON(engineResponse(catalog, sig))
	}
	if strings.HasPrefix(key, searchengines.GenericPrefix) && len(key) > len(searchengines.GenericPrefix) {
		return ctx.JSON(EngineResponse{Key: key, Name: catalog.LookupName(key), Generic: true})
	}
	return handleError(ctx.Ctx, fiber.NewError(fiber.StatusNotFound, "unknown search engine"))
}

// ClassifyAction serves GET /api/v1/classify?referrer=... and shows how a
// referrer would be logged.
func (r *Reports) ClassifyAction(ctx *cartridge.Context) error {
	result := r.classifier.Classify(ctx.Query("referrer"), r.selfHost)

	response := fiber.Map{"result": result}
	if result.IsSearch() {
		response["engine_name"] = r.classifier.Catalog().LookupName(result.EngineKey)
	}
	return ctx.JSON(response)
}
