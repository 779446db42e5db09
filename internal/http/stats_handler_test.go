package http_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wikistats/internal/events"
	"wikistats/internal/settings"
	"wikistats/internal/testsupport"
)

const window = "from=2024-05-01&to=2024-05-01&tz=%2B00:00"

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func setupApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	return testsupport.CreateMinimalTestApp(t, db, testsupport.TestConfig(t)), db
}

func get(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer "+testsupport.TestAPIKey)
	resp, err := app.Test(req, 30000)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedTraffic(t *testing.T, db *gorm.DB) {
	t.Helper()
	for i, page := range []string{"start", "start", "start", "wiki:syntax", "wiki:syntax", "playground"} {
		session := fmt.Sprintf("s%d", i%3)
		testsupport.Seed(t, db, &events.Access{
			Dt:      at(9+i, 0),
			Page:    page,
			UAType:  "browser",
			UAInfo:  "Firefox",
			Session: session,
			UID:     "u" + session,
		})
	}
	testsupport.Seed(t, db,
		&events.Session{Dt: at(9, 0), EndDt: at(12, 0), Session: "s0", Views: 2, UID: "us0", UAType: "browser"},
		&events.Session{Dt: at(10, 0), EndDt: at(13, 0), Session: "s1", Views: 2, UID: "us1", UAType: "browser"},
		&events.Session{Dt: at(11, 0), EndDt: at(14, 0), Session: "s2", Views: 2, UID: "us2", UAType: "browser"},
		&events.Search{Dt: at(9, 5), Page: "start", Query: "dokuwiki", Engine: "google"},
		&events.Search{Dt: at(9, 6), Page: "start", Query: "wiki syntax", Engine: "google"},
		&events.Search{Dt: at(9, 7), Page: "start", Query: "plugins", Engine: "generic_example"},
		&events.Edit{Dt: at(15, 0), Page: "start", Type: string(events.EditCreated)},
		&events.Edit{Dt: at(15, 30), Page: "start", Type: string(events.EditMinor)},
		&events.History{Info: events.HistoryPageCount, Dt: "2024-05-01", Value: 120},
	)
}

func TestReportsRequireAPIKey(t *testing.T) {
	app, _ := setupApp(t)

	for _, path := range []string{"/api/v1/stats/summary", "/api/v1/stats/top_pages", "/api/v1/engines", "/api/v1/settings"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestSummaryAction(t *testing.T) {
	app, db := setupApp(t)
	seedTraffic(t, db)

	var body struct {
		Window  map[string]string `json:"window"`
		Summary struct {
			Sessions  int64   `json:"sessions"`
			Pageviews int64   `json:"pageviews"`
			Visitors  int64   `json:"visitors"`
			AvgPages  float64 `json:"avg_pages"`
		} `json:"summary"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/summary?"+window, &body))

	assert.Equal(t, "2024-05-01", body.Window["from"])
	assert.Equal(t, "+00:00", body.Window["timezone"])
	assert.Equal(t, int64(3), body.Summary.Sessions)
	assert.Equal(t, int64(6), body.Summary.Pageviews)
	assert.Equal(t, int64(3), body.Summary.Visitors)
	assert.InDelta(t, 2.0, body.Summary.AvgPages, 0.001)
}

func TestSummaryActionEmptyWindow(t *testing.T) {
	app, _ := setupApp(t)

	var body map[string]map[string]any
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/summary?from=2020-01-01&to=2020-01-02&tz=%2B00:00", &body))
	assert.Equal(t, float64(0), body["summary"]["pageviews"])
	assert.Equal(t, float64(0), body["summary"]["bounce_rate"])
}

func TestSummaryActionRejectsBadTimezone(t *testing.T) {
	app, _ := setupApp(t)

	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/stats/summary?tz=Mars/Olympus", &body))
	assert.Equal(t, "invalid timezone", body["error"])
}

func TestTrendActions(t *testing.T) {
	app, db := setupApp(t)
	seedTraffic(t, db)

	var views struct {
		Granularity string `json:"granularity"`
		Points      []struct {
			Bucket    string `json:"bucket"`
			Pageviews int64  `json:"pageviews"`
		} `json:"points"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/views?"+window, &views))
	assert.Equal(t, "hour", views.Granularity)
	require.Len(t, views.Points, 24)
	var total int64
	for _, p := range views.Points {
		total += p.Pageviews
	}
	assert.Equal(t, int64(6), total)

	var edits struct {
		Granularity string `json:"granularity"`
		Points      []struct {
			Created int64 `json:"created"`
			Edited  int64 `json:"edited"`
		} `json:"points"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/edits?"+window+"&interval=day", &edits))
	assert.Equal(t, "day", edits.Granularity)
	require.Len(t, edits.Points, 1)
	assert.Equal(t, int64(1), edits.Points[0].Created)
	assert.Equal(t, int64(1), edits.Points[0].Edited)
}

func TestHistoryAction(t *testing.T) {
	app, db := setupApp(t)
	seedTraffic(t, db)

	var body struct {
		Points []struct {
			Value float64 `json:"value"`
		} `json:"points"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/history/page_count?"+window+"&interval=day", &body))
	require.Len(t, body.Points, 1)
	assert.Equal(t, 120.0, body.Points[0].Value)

	assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/stats/history/bogus?"+window, nil))
}

func TestDashboardAction(t *testing.T) {
	app, db := setupApp(t)
	seedTraffic(t, db)

	var body struct {
		Granularity string         `json:"granularity"`
		Summary     map[string]any `json:"summary"`
		Views       []any          `json:"views"`
		Edits       []any          `json:"edits"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/dashboard?"+window, &body))
	assert.Equal(t, "hour", body.Granularity)
	assert.Equal(t, float64(6), body.Summary["pageviews"])
	assert.Len(t, body.Views, 24)
	assert.Len(t, body.Edits, 24)
}

type breakdownBody struct {
	Metric string `json:"metric"`
	Rows   []struct {
		Name  string `json:"name"`
		Count int64  `json:"count"`
		Key   string `json:"key"`
		URL   string `json:"url"`
	} `json:"rows"`
	HasMore bool `json:"has_more"`
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
}

func TestBreakdownAction(t *testing.T) {
	app, db := setupApp(t)
	seedTraffic(t, db)

	t.Run("paginates", func(t *testing.T) {
		var body breakdownBody
		require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/top_pages?"+window+"&limit=2", &body))
		assert.Equal(t, "top_pages", body.Metric)
		require.Len(t, body.Rows, 2)
		assert.Equal(t, "start", body.Rows[0].Name)
		assert.Equal(t, int64(3), body.Rows[0].Count)
		assert.Equal(t, "wiki:syntax", body.Rows[1].Name)
		assert.True(t, body.HasMore)

		require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/top_pages?"+window+"&limit=2&offset=2", &body))
		require.Len(t, body.Rows, 1)
		assert.Equal(t, "playground", body.Rows[0].Name)
		assert.False(t, body.HasMore)
		assert.Equal(t, 2, body.Offset)
	})

	t.Run("names search engines", func(t *testing.T) {
		var body breakdownBody
		require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/search_engines?"+window, &body))
		require.Len(t, body.Rows, 2)
		assert.Equal(t, "Google", body.Rows[0].Name)
		assert.Equal(t, "google", body.Rows[0].Key)
		assert.Equal(t, "http://www.google.com", body.Rows[0].URL)
		assert.Equal(t, "Example", body.Rows[1].Name)
		assert.Empty(t, body.Rows[1].URL)
	})

	t.Run("returns empty rows outside the window", func(t *testing.T) {
		var body map[string]any
		require.Equal(t, http.StatusOK, get(t, app, "/api/v1/stats/countries?from=2020-01-01&to=2020-01-01", &body))
		assert.Equal(t, []any{}, body["rows"])
		assert.Equal(t, false, body["has_more"])
	})

	t.Run("rejects unknown metrics", func(t *testing.T) {
		var body map[string]any
		require.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/stats/bogus?"+window, &body))
		assert.Equal(t, "unknown metric", body["error"])
		assert.Len(t, body["metrics"], 20)
	})

	t.Run("rejects malformed paging", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/stats/top_pages?limit=many", nil))
		assert.Equal(t, http.StatusBadRequest, get(t, app, "/api/v1/stats/search_words?internal=perhaps", nil))
	})
}

func TestEngineActions(t *testing.T) {
	app, _ := setupApp(t)

	var list struct {
		Engines []map[string]any `json:"engines"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/engines", &list))
	require.NotEmpty(t, list.Engines)
	assert.Equal(t, "google", list.Engines[0]["key"])

	var engine map[string]any
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/engines/dokuwiki", &engine))
	assert.Equal(t, "DokuWiki Internal Search", engine["name"])
	assert.Equal(t, testsupport.TestBaseURL, engine["url"])

	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/engines/generic_example", &engine))
	assert.Equal(t, "Example", engine["name"])
	assert.Equal(t, true, engine["generic"])

	assert.Equal(t, http.StatusNotFound, get(t, app, "/api/v1/engines/nope", nil))
}

func TestClassifyAction(t *testing.T) {
	app, _ := setupApp(t)

	var body struct {
		Result struct {
			Kind   string `json:"kind"`
			Engine string `json:"engine"`
			Query  string `json:"query"`
		} `json:"result"`
		EngineName string `json:"engine_name"`
	}
	ref := url.QueryEscape("https://duckduckgo.com/?q=privacy+search")
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/classify?referrer="+ref, &body))
	assert.Equal(t, "search", body.Result.Kind)
	assert.Equal(t, "duckduckgo", body.Result.Engine)
	assert.Equal(t, "privacy search", body.Result.Query)
	assert.Equal(t, "DuckDuckGo", body.EngineName)

	var internal struct {
		Result struct {
			Kind string `json:"kind"`
		} `json:"result"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/classify?referrer="+url.QueryEscape(testsupport.TestBaseURL+"doku.php"), &internal))
	assert.Equal(t, "internal", internal.Result.Kind)
}

func TestSettingsActions(t *testing.T) {
	app, db := setupApp(t)
	require.NoError(t, settings.SetupDefaultSettings(db))
	t.Cleanup(func() { settings.UpdateSetting(db, settings.KeyExcludedIPs, "") })

	post := func(key, body string) int {
		req := httptest.NewRequest("POST", "/api/v1/settings/"+key, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testsupport.TestAPIKey)
		resp, err := app.Test(req, 30000)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(settings.KeyExcludedIPs, `{"value":" 192.0.2.1 , 2001:db8::1 "}`))
	value, err := settings.GetSetting(db, settings.KeyExcludedIPs)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1,2001:db8::1", value)

	excluded, err := settings.IsIPExcluded("192.0.2.1")
	require.NoError(t, err)
	assert.True(t, excluded)

	assert.Equal(t, http.StatusBadRequest, post(settings.KeyExcludedIPs, `{"value":"not-an-ip"}`))
	assert.Equal(t, http.StatusNotFound, post(settings.KeyRetentionLastRun, `{"value":"2024-01-01T00:00:00Z"}`))

	var body struct {
		Settings []settings.SettingResponse `json:"settings"`
	}
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/settings", &body))
	assert.Len(t, body.Settings, 4)
}

func TestHealthIndexAction(t *testing.T) {
	app, db := setupApp(t)
	require.NoError(t, settings.SetupDefaultSettings(db))
	ran := time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC)
	require.NoError(t, settings.MarkRun(db, settings.KeyHistoryLastRun, ran))
	t.Cleanup(func() { settings.UpdateSetting(db, settings.KeyHistoryLastRun, "") })

	resp, err := app.Test(httptest.NewRequest("GET", "/_health", nil), 30000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string               `json:"status"`
		DBStatus string               `json:"db_status"`
		Jobs     map[string]time.Time `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.DBStatus)
	require.Contains(t, body.Jobs, "history")
	assert.True(t, ran.Equal(body.Jobs["history"]))
	assert.NotContains(t, body.Jobs, "geolite")
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := setupApp(t)

	// A request through the instrumented routes makes the collectors appear.
	get(t, app, "/api/v1/engines", nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), 30000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wikistats_http_requests_total")
}
