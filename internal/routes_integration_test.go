package internal_test

import (
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikistats/internal"
	"wikistats/internal/testsupport"
)

func mountedRoutes(t *testing.T) []fiber.Route {
	t.Helper()
	db := testsupport.SetupTestDB(t)
	app := testsupport.CreateMinimalTestApp(t, db, testsupport.TestConfig(t))
	return app.GetRoutes(true)
}

func findRoute(routes []fiber.Route, method, path string) *fiber.Route {
	for idx := range routes {
		if routes[idx].Method == method && routes[idx].Path == path {
			return &routes[idx]
		}
	}
	return nil
}

func TestPixelRouteRateLimited(t *testing.T) {
	routes := mountedRoutes(t)

	pixelRoute := findRoute(routes, fiber.MethodGet, "/log")
	require.NotNil(t, pixelRoute, "expected pixel route to be registered")

	// The limiter is wrapped in a conditional that only applies in
	// production; the wrapper is still on the route in tests.
	hasRateLimiter := false
	var handlerNames []string
	for _, handler := range pixelRoute.Handlers {
		name := runtime.FuncForPC(reflect.ValueOf(handler).Pointer()).Name()
		handlerNames = append(handlerNames, name)
		if strings.Contains(name, "middleware/limiter") || strings.Contains(name, "MountRoutesWithServices.func") {
			hasRateLimiter = true
			break
		}
	}

	require.Truef(t, hasRateLimiter, "expected rate limiter middleware for the pixel route, handlers: %v", handlerNames)
}

func TestAPIRoutesRegistered(t *testing.T) {
	routes := mountedRoutes(t)

	expected := []struct {
		method string
		path   string
	}{
		{fiber.MethodGet, "/_health"},
		{fiber.MethodGet, "/metrics"},
		{fiber.MethodOptions, "/log"},
		{fiber.MethodPost, "/api/v1/events"},
		{fiber.MethodGet, "/api/v1/stats/summary"},
		{fiber.MethodGet, "/api/v1/stats/dashboard"},
		{fiber.MethodGet, "/api/v1/stats/views"},
		{fiber.MethodGet, "/api/v1/stats/edits"},
		{fiber.MethodGet, "/api/v1/stats/history/:info"},
		{fiber.MethodGet, "/api/v1/stats/:metric"},
		{fiber.MethodGet, "/api/v1/engines"},
		{fiber.MethodGet, "/api/v1/engines/:key"},
		{fiber.MethodGet, "/api/v1/classify"},
		{fiber.MethodGet, "/api/v1/settings"},
		{fiber.MethodPost, "/api/v1/settings/:key"},
	}

	for _, e := range expected {
		require.NotNilf(t, findRoute(routes, e.method, e.path), "expected %s %s to be registered", e.method, e.path)
	}
}

func TestServerConfigAllowsRequestsWithoutFetchMetadata(t *testing.T) {
	cfg := internal.NewServerConfig()

	assert.False(t, cfg.EnableSecFetchSite)
	assert.True(t, cfg.EnableRecover)
	assert.True(t, cfg.EnableHelmet)
}
