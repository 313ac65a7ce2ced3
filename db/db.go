package db

import (
	"github.com/jmoiron/sqlx"
	// Postgres driver
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/satsbox/satsbox/build"
)

var log = build.AddSubLogger("DB")

// DB is our local DB struct
type DB struct {
	*sqlx.DB
	// MigrationsPath is where our migrations are located, in
	// golang-migrate source URL form, e.g. file://db/migrations
	MigrationsPath string
}

// Open connects to the database at the given URL
func Open(url string, migrationsPath string) (*DB, error) {
	d, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open database %s", url)
	}
	if err := d.Ping(); err != nil {
		return nil, errors.Wrapf(err, "cannot reach database %s", url)
	}

	log.WithField("migrationsPath", migrationsPath).Info("Opened connection to DB")

	return &DB{
		DB:             d,
		MigrationsPath: migrationsPath,
	}, nil
}

// Getter can read single rows from a db, either directly or inside a
// transaction
type Getter interface {
	Get(dest interface{}, query string, args ...interface{}) error
}

// Inserter can insert into a database
type Inserter interface {
	NamedQuery(query string, arg interface{}) (*sqlx.Rows, error)
}

// InsertGetter can get and insert into a db
type InsertGetter interface {
	Getter
	Inserter
}
