package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/store"
	"github.com/hrygo/companion/store/db/postgres"
	"github.com/hrygo/companion/store/db/sqlite"
)

// NewDBDriver creates new db driver based on profile.
// "memory" is an in-process sqlite database, "sqlite" a file, "postgres" a server.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "memory", "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q: only 'memory', 'sqlite' and 'postgres' are supported", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
