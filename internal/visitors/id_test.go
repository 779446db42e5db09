package visitors_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wikistats/internal/visitors"
)

func TestResolvePrefersParamsOverCookies(t *testing.T) {
	id := visitors.Resolve("param-uid", "cookie-uid", "param-ses", "cookie-ses")
	assert.Equal(t, visitors.Identity{UID: "param-uid", Session: "param-ses"}, id)

	id = visitors.Resolve("", "cookie-uid", "", "cookie-ses")
	assert.Equal(t, visitors.Identity{UID: "cookie-uid", Session: "cookie-ses"}, id)
}

func TestResolveIssuesNewIDs(t *testing.T) {
	id := visitors.Resolve("", "", "bad value!", "")

	assert.True(t, id.NewUID)
	assert.True(t, id.NewSession)
	assert.True(t, visitors.ValidID(id.UID))
	assert.True(t, visitors.ValidID(id.Session))
	assert.NotEqual(t, id.UID, id.Session)
}

func TestValidID(t *testing.T) {
	assert.True(t, visitors.ValidID("abc-123_x.y"))
	assert.False(t, visitors.ValidID(""))
	assert.False(t, visitors.ValidID("has space"))
	assert.False(t, visitors.ValidID("<script>"))
	assert.False(t, visitors.ValidID(strings.Repeat("a", 65)))
}

func TestBuildFallbackUID(t *testing.T) {
	day := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	a := visitors.BuildFallbackUID("203.0.113.7", "Firefox", "salt", day)
	b := visitors.BuildFallbackUID("203.0.113.7", "Firefox", "salt", day.Add(10*time.Hour))
	assert.Equal(t, a, b, "same day yields the same id")
	assert.Len(t, a, 32)
	assert.True(t, visitors.ValidID(a))

	nextDay := visitors.BuildFallbackUID("203.0.113.7", "Firefox", "salt", day.AddDate(0, 0, 1))
	assert.NotEqual(t, a, nextDay)

	otherIP := visitors.BuildFallbackUID("203.0.113.8", "Firefox", "salt", day)
	assert.NotEqual(t, a, otherIP)
}
