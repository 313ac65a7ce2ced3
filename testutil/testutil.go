package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/satsbox/satsbox/db"
)

// TestDBEnv names the environment variable holding the test database
// URL. DB-backed tests are skipped when it is unset.
const TestDBEnv = "SATSBOX_TEST_DB_URL"

// SkipIfCI skips the given test if we're running on CI
func SkipIfCI(t *testing.T) {
	t.Helper()
	if os.Getenv("CI") != "" {
		t.Skip("Skipping test on CI")
	}
}

// OpenTestDB connects to the test database and migrates it up, skipping
// the test when no test database is configured
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()

	url := os.Getenv(TestDBEnv)
	if url == "" {
		t.Skipf("Skipping test, %s is not set", TestDBEnv)
	}

	database, err := db.Open(url, migrationsPath(t))
	if err != nil {
		t.Fatalf("could not open test DB: %v", err)
	}
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("could not migrate test DB: %v", err)
	}
	return database
}

// migrationsPath walks up from the package directory until it finds the
// migrations, so DB tests work from any package depth
func migrationsPath(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("could not get working directory: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "db", "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return "file://" + candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not locate db/migrations")
		}
		dir = parent
	}
}
