package http

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/karloscodes/cartridge"

	"wikistats/internal/settings"
)

// UpdateSettingParams is the body of a settings update.
type UpdateSettingParams struct {
	Value string `json:"value"`
}

// SettingsIndexAction lists all settings, including the read-only job
// bookkeeping keys.
func SettingsIndexAction(ctx *cartridge.Context) error {
	all, err := settings.GetAllSettingsForDisplay(ctx.DB())
	if err != nil {
		ctx.Logger.Error("failed to fetch settings", slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}
	return ctx.JSON(fiber.Map{"settings": all})
}

// SettingsUpdateAction handles POST /api/v1/settings/:key.
func SettingsUpdateAction(ctx *cartridge.Context) error {
	key := ctx.Params("key")
	if !settings.IsEditable(key) {
		return handleError(ctx.Ctx, fiber.NewError(fiber.StatusNotFound, "Unknown or read-only setting: "+key))
	}

	var params UpdateSettingParams
	if err := ctx.BodyParser(&params); err != nil {
		return handleError(ctx.Ctx, fiber.NewError(fiber.StatusBadRequest, "Invalid request"))
	}

	value, err := settings.NormalizeExcludedIPs(params.Value)
	if err != nil {
		ctx.Logger.Warn("invalid excluded IPs submitted", slog.Any("error", err))
		return handleError(ctx.Ctx, fiber.NewError(fiber.StatusBadRequest, err.Error()))
	}

	if err := settings.UpdateSetting(ctx.DB(), key, value); err != nil {
		ctx.Logger.Error("failed to update setting", slog.String("key", key), slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	ctx.Logger.Info("setting updated via api", slog.String("key", key))
	return ctx.JSON(settings.SettingResponse{Key: key, Value: value})
}
