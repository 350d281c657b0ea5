package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/haven/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// DatabaseFileName is the circle database inside the data directory.
const DatabaseFileName = "circles.db"

// Store is the circle database. All methods are safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	db           *bun.DB
	timeProvider crypto.TimeProvider
}

// Open opens or creates <dataDir>/circles.db and applies the schema.
func Open(ctx context.Context, dataDir string, tp crypto.TimeProvider) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.Open.MkdirAll")
	}
	path := filepath.Join(dataDir, DatabaseFileName)
	return open(ctx, "file:"+path+"?cache=shared", tp)
}

// OpenInMemory opens a private in-memory database. For tests.
func OpenInMemory(ctx context.Context, tp crypto.TimeProvider) (*Store, error) {
	return open(ctx, "file::memory:", tp)
}

func open(ctx context.Context, dsn string, tp crypto.TimeProvider) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.Open.SQLOpen")
	}
	// One connection: the mutex below already serializes every statement
	// and an in-memory database only lives as long as its connection.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	s := &Store{
		db:           bun.NewDB(sqldb, sqlitedialect.New()),
		timeProvider: crypto.OrDefault(tp),
	}
	if err := s.migrate(ctx); err != nil {
		s.db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "storage",
	}).Debug("Circle store opened")
	return s, nil
}

// migrate creates missing tables.
func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.NewCreateTable().
		Model((*Circle)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.migrate.Circles")
	}
	if _, err := s.db.NewCreateTable().
		Model((*Membership)(nil)).
		IfNotExists().
		ForeignKey(`("mls_group_id") REFERENCES "circles" ("mls_group_id")`).
		Exec(ctx); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.migrate.Memberships")
	}
	if _, err := s.db.NewCreateTable().
		Model((*Contact)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.migrate.Contacts")
	}
	if _, err := s.db.NewCreateTable().
		Model((*UIState)(nil)).
		IfNotExists().
		ForeignKey(`("mls_group_id") REFERENCES "circles" ("mls_group_id")`).
		Exec(ctx); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.migrate.UIState")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %v", ErrStorage, err), "store.Close")
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.timeProvider.Now().UTC()
}

func requireID(id []byte) error {
	if len(id) == 0 {
		return fmt.Errorf("%w: empty mls group id", ErrInvalidData)
	}
	return nil
}
