package jobs_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wikistats/internal/config"
	"wikistats/internal/events"
	"wikistats/internal/jobs"
	"wikistats/internal/settings"
	"wikistats/internal/testsupport"
)

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Table(table).Count(&n).Error)
	return n
}

func TestRetentionJob(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	cfg := testsupport.TestConfig(t)
	cfg.RetentionDays = 30

	old := time.Now().UTC().AddDate(0, 0, -40)
	recent := time.Now().UTC().AddDate(0, 0, -1)

	oldSearch := &events.Search{Dt: old, Query: "old", Engine: "google"}
	newSearch := &events.Search{Dt: recent, Query: "new", Engine: "google"}
	testsupport.Seed(t, db,
		&events.Access{Dt: old, Page: "a", UAType: "browser"},
		&events.Access{Dt: recent, Page: "b", UAType: "browser"},
		&events.RefSeen{RefMD5: "old", Dt: old},
		&events.LastSeen{User: "alice", Dt: old},
		&events.History{Info: events.HistoryPageCount, Dt: old.Format("2006-01-02"), Value: 1},
		&events.History{Info: events.HistoryPageCount, Dt: recent.Format("2006-01-02"), Value: 2},
		oldSearch, newSearch,
	)
	testsupport.Seed(t, db,
		&events.SearchWord{SID: oldSearch.ID, Word: "old"},
		&events.SearchWord{SID: newSearch.ID, Word: "new"},
	)

	job := jobs.NewRetentionJob(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg)
	require.NoError(t, job.Run())

	assert.Equal(t, int64(1), countRows(t, db, "access"))
	assert.Equal(t, int64(0), countRows(t, db, "refseen"))
	assert.Equal(t, int64(0), countRows(t, db, "lastseen"))
	assert.Equal(t, int64(1), countRows(t, db, "history"))
	assert.Equal(t, int64(1), countRows(t, db, "search"))
	assert.Equal(t, int64(1), countRows(t, db, "searchwords"))

	_, ok, err := settings.LastRun(db, settings.KeyRetentionLastRun)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second run on the same day is skipped.
	testsupport.Seed(t, db, &events.Access{Dt: old, Page: "c", UAType: "browser"})
	require.NoError(t, job.Run())
	assert.Equal(t, int64(2), countRows(t, db, "access"))

	// Purge ignores the guard.
	deleted, err := job.Purge(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRetentionJobDisabled(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	cfg := testsupport.TestConfig(t)
	cfg.RetentionDays = 0

	testsupport.Seed(t, db, &events.Access{Dt: time.Now().UTC().AddDate(-5, 0, 0), Page: "a"})

	job := jobs.NewRetentionJob(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg)
	require.NoError(t, job.Run())
	assert.Equal(t, int64(1), countRows(t, db, "access"))
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
}

func TestScanDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "start.txt"), 10)
	writeFile(t, filepath.Join(root, "wiki", "syntax.txt"), 20)
	writeFile(t, filepath.Join(root, "wiki", "notes.bak"), 99)
	writeFile(t, filepath.Join(root, ".git", "config.txt"), 99)

	pages, err := jobs.ScanDir(root, ".txt")
	require.NoError(t, err)
	assert.Equal(t, jobs.DirStats{Count: 2, Size: 30}, pages)

	all, err := jobs.ScanDir(root, "")
	require.NoError(t, err)
	assert.Equal(t, jobs.DirStats{Count: 3, Size: 129}, all)

	missing, err := jobs.ScanDir(filepath.Join(root, "nope"), "")
	require.NoError(t, err)
	assert.Equal(t, jobs.DirStats{}, missing)
}

func TestHistoryJob(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	cfg := testsupport.TestConfig(t)
	cfg.WikiDataDir = t.TempDir()
	cfg.WikiMediaDir = t.TempDir()
	writeFile(t, filepath.Join(cfg.WikiDataDir, "start.txt"), 1024)
	writeFile(t, filepath.Join(cfg.WikiMediaDir, "logo.png"), 2048)
	writeFile(t, filepath.Join(cfg.WikiMediaDir, "ns", "manual.pdf"), 4096)

	job := jobs.NewHistoryJob(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg)
	require.NoError(t, job.Run())

	var rows []events.History
	require.NoError(t, db.Order("info").Find(&rows).Error)
	require.Len(t, rows, 4)

	values := make(map[string]int64)
	for _, r := range rows {
		values[r.Info] = r.Value
		assert.Equal(t, time.Now().UTC().Format("2006-01-02"), r.Dt)
	}
	assert.Equal(t, map[string]int64{
		events.HistoryMediaCount: 2,
		events.HistoryMediaSize:  6144,
		events.HistoryPageCount:  1,
		events.HistoryPageSize:   1024,
	}, values)

	// Same day: the guard keeps the first snapshot.
	writeFile(t, filepath.Join(cfg.WikiDataDir, "more.txt"), 1)
	require.NoError(t, job.Run())
	var pageCount events.History
	require.NoError(t, db.Where("info = ?", events.HistoryPageCount).First(&pageCount).Error)
	assert.Equal(t, int64(1), pageCount.Value)

	// An explicit snapshot replaces the day's values.
	require.NoError(t, job.Snapshot(time.Now()))
	require.NoError(t, db.Where("info = ?", events.HistoryPageCount).First(&pageCount).Error)
	assert.Equal(t, int64(2), pageCount.Value)
	assert.Equal(t, int64(4), countRows(t, db, "history"))
}

type reloadCounter struct{ n int }

func (r *reloadCounter) Reload() { r.n++ }

func geoliteArchive(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "GeoLite2-City_20240501/LICENSE.txt", Mode: 0o644, Size: 3}))
	_, err := tw.Write([]byte("lic"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "GeoLite2-City_20240501/GeoLite2-City.mmdb", Mode: 0o644, Size: int64(len(content))}))
	_, err = tw.Write([]byte(content))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestGeoLiteUpdaterJob(t *testing.T) {
	archive := geoliteArchive(t, "fake-mmdb")
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("license_key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(archive)
	}))
	defer srv.Close()

	db := testsupport.SetupTestDB(t)
	cfg := testsupport.TestConfig(t)
	cfg.GeoProvider = config.GeoProviderGeoLite
	cfg.GeoLiteLicenseKey = "secret"
	cfg.GeoLiteURL = srv.URL + "/download?license_key=%s"
	cfg.GeoDBPath = filepath.Join(t.TempDir(), "geo", "GeoLite2-City.mmdb")

	reloader := &reloadCounter{}
	job := jobs.NewGeoLiteUpdaterJob(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg, reloader)
	require.True(t, job.Configured())
	require.NoError(t, job.Run())

	data, err := os.ReadFile(cfg.GeoDBPath)
	require.NoError(t, err)
	assert.Equal(t, "fake-mmdb", string(data))
	assert.Equal(t, 1, reloader.n)

	// Fresh database: no second download.
	require.NoError(t, job.Run())
	assert.Equal(t, int32(1), requests.Load())
}

func TestGeoLiteUpdaterJobFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a tarball"))
	}))
	defer srv.Close()

	db := testsupport.SetupTestDB(t)
	cfg := testsupport.TestConfig(t)
	cfg.GeoLiteLicenseKey = "secret"
	cfg.GeoLiteURL = srv.URL + "/?k=%s"
	cfg.GeoDBPath = filepath.Join(t.TempDir(), "GeoLite2-City.mmdb")

	job := jobs.NewGeoLiteUpdaterJob(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg, nil)
	assert.Error(t, job.Run())
	_, err := os.Stat(cfg.GeoDBPath)
	assert.True(t, os.IsNotExist(err))

	cfg.GeoLiteLicenseKey = ""
	unconfigured := jobs.NewGeoLiteUpdaterJob(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg, nil)
	assert.NoError(t, unconfigured.Run())
}

func TestSchedulerStartStop(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	cfg := testsupport.TestConfig(t)
	cfg.JobsEnabled = true
	cfg.RetentionSchedule = "@daily"
	cfg.HistorySchedule = "15 3 * * *"
	cfg.WikiDataDir = t.TempDir()
	cfg.WikiMediaDir = t.TempDir()

	s := jobs.NewScheduler(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg, nil)
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool {
		var n int64
		db.Table("history").Count(&n)
		_, ran, _ := settings.LastRun(db, settings.KeyHistoryLastRun)
		return n == 4 && ran
	}, 2*time.Second, 20*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())

	cfg.HistorySchedule = "not a schedule"
	broken := jobs.NewScheduler(testsupport.NewTestDBManager(db), testsupport.GetLogger(), cfg, nil)
	assert.Error(t, broken.Start())
}
