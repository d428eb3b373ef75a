package testutil

import (
	"os"
	"testing"

	"github.com/onnwee/chatpool/db"
)

// SetupTestStore connects to TEST_PG_DSN, applies the migrations and returns a
// store over the connection. The test is skipped when TEST_PG_DSN is unset.
// Rows from earlier runs are left in place; tests create their own tenants.
func SetupTestStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	conn, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.RunMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return db.NewStore(conn)
}
