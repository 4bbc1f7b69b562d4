package test

import (
	"context"
	"os"
	"testing"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/store"
	"github.com/hrygo/companion/store/db"
)

// getDriverFromEnv selects the database under test: COMPANION_TEST_DRIVER=postgres
// runs against a container, anything else against in-memory sqlite.
func getDriverFromEnv() string {
	if os.Getenv("COMPANION_TEST_DRIVER") == "postgres" {
		return "postgres"
	}
	return "memory"
}

func getTestingProfile(t *testing.T) *profile.Profile {
	p := &profile.Profile{
		Mode:    "dev",
		Driver:  getDriverFromEnv(),
		Version: "test",
	}
	if p.Driver == "postgres" {
		p.DSN = GetPostgresDSN(t)
	}
	return p
}

// NewTestingStore opens a migrated store that is closed when the test ends.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	return newTestingStore(ctx, t, getTestingProfile(t))
}

func newTestingStore(ctx context.Context, t *testing.T, p *profile.Profile) *store.Store {
	t.Helper()

	driver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}
	s := store.New(driver, p)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
