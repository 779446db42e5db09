package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"wikistats/internal/analytics"
	"wikistats/internal/config"
	"wikistats/internal/timeframe"
)

// parseQueryParams reads the report scope from the query string:
// from, to, tz, offset, limit and internal. A missing tz uses defaultTZ.
func parseQueryParams(ctx *cartridge.Context, defaultTZ string) (analytics.QueryParams, error) {
	tz := ctx.Query("tz", defaultTZ)
	if !config.IsValidTimezone(tz) {
		return analytics.QueryParams{}, fiber.NewError(fiber.StatusBadRequest, "invalid timezone")
	}

	window := timeframe.NewTimeWindow(ctx.Query("from"), ctx.Query("to"), timeframe.WithLogger(ctx.Logger)).
		WithTimezone(tz)
	params := analytics.NewQueryParams(window)

	offset, err := intQuery(ctx, "offset", 0)
	if err != nil {
		return analytics.QueryParams{}, err
	}
	limit, err := intQuery(ctx, "limit", analytics.DefaultLimit)
	if err != nil {
		return analytics.QueryParams{}, err
	}
	params.Pagination = analytics.NewPagination(offset, limit)

	if raw := ctx.Query("internal"); raw != "" {
		internal, err := strconv.ParseBool(raw)
		if err != nil {
			return analytics.QueryParams{}, fiber.NewError(fiber.StatusBadRequest, "invalid internal flag")
		}
		params.Internal = internal
	}

	return params, nil
}

func intQuery(ctx *cartridge.Context, key string, fallback int) (int, error) {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+key)
	}
	return n, nil
}

// granularity honours an explicit interval and otherwise lets the window
// choose.
func granularity(ctx *cartridge.Context, window timeframe.TimeWindow) timeframe.Granularity {
	if interval := ctx.Query("interval"); interval != "" {
		return timeframe.ParseGranularity(interval)
	}
	return window.Granularity()
}

func handleError(c *fiber.Ctx, err error) error {
	if fiberErr, ok := err.(*fiber.Error); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}
