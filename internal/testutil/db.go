// Package testutil provides shared test fixtures: a temp-file-backed
// SQLite database with schema applied, ready for repository tests.
package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/astock-sentinel/internal/database"
)

// NewDB creates a temp-file-backed SQLite database with the schema applied,
// and registers cleanup via t.Cleanup. Using a temp file (not ":memory:")
// matches the production connection string builder, which assumes a path.
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("astock_test_%s_*.db", t.Name()))
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("open test db: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("migrate test db: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})

	return db
}
