package database

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("db_test_%s_*.db", t.Name()))
	require.NoError(t, err)
	path := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	db, err := New(Config{Path: path, Profile: ProfileStandard, Name: "test"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(path)
	})
	return db
}

func TestMigrate_CreatesTables(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	tables := []string{"bars_daily", "bars_hourly", "index_bars_daily", "index_weights",
		"position_steps", "position_holdings", "sessions", "messages"}
	for _, tbl := range tables {
		var name string
		err := db.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tbl).Scan(&name)
		require.NoError(t, err, "expected table %s to exist", tbl)
		require.Equal(t, tbl, name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate(), "re-applying the schema must not error")
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO sessions (agent, timestamp) VALUES (?, ?)`, "agent-a", "2026-01-05")
		return execErr
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	sentinelErr := fmt.Errorf("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO sessions (agent, timestamp) VALUES (?, ?)`, "agent-b", "2026-01-05")
		require.NoError(t, execErr)
		return sentinelErr
	})
	require.ErrorIs(t, err, sentinelErr)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count))
	require.Equal(t, 0, count, "rolled back transaction must leave no trace")
}
