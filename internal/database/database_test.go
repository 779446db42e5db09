package database_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikistats/internal/database"
	"wikistats/internal/events"
	"wikistats/internal/testsupport"
)

func TestStatus(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)

	testsupport.Seed(t, db,
		&events.Access{Dt: time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC), Page: "start"},
		&events.Access{Dt: time.Date(2024, 5, 1, 22, 15, 0, 0, time.UTC), Page: "wiki:syntax"},
		&events.History{Info: "page_count", Dt: "2024-04-30", Value: 120},
	)

	tables, err := database.Status(db)
	require.NoError(t, err)
	require.Len(t, tables, len(events.RetentionTables))

	byName := make(map[string]database.TableStatus, len(tables))
	for _, st := range tables {
		byName[st.Table] = st
	}

	assert.Equal(t, int64(2), byName["access"].Rows)
	assert.Equal(t, "2024-05-01", byName["access"].Oldest)
	assert.Equal(t, int64(1), byName["history"].Rows)
	assert.Equal(t, "2024-04-30", byName["history"].Oldest)
	assert.Equal(t, int64(0), byName["edits"].Rows)
	assert.Empty(t, byName["edits"].Oldest)
}
