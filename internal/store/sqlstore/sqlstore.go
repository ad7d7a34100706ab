// Package sqlstore implements store.Store on database/sql for SQLite and
// PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	// Import the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/emochat/backend/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name        string
	placeholder func(n int) string
	schema      []string
}

var sqliteDialect = dialect{
	name:        DriverSQLite,
	placeholder: func(int) string { return "?" },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS chat_message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			emotion TEXT NOT NULL DEFAULT '',
			emotion_intensity REAL NOT NULL DEFAULT 0,
			reply_to INTEGER NOT NULL DEFAULT 0,
			created_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message_tombstone (
			id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			deleted_ts INTEGER NOT NULL
		)`,
	},
}

var postgresDialect = dialect{
	name:        DriverPostgres,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS chat_message (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			emotion TEXT NOT NULL DEFAULT '',
			emotion_intensity REAL NOT NULL DEFAULT 0,
			reply_to BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message_tombstone (
			id BIGINT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			deleted_ts BIGINT NOT NULL
		)`,
	},
}

var sharedIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_chat_message_session_created ON chat_message (session_id, created_ts, id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_message_session_role ON chat_message (session_id, role)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_message_reply_to ON chat_message (reply_to)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_message_user ON chat_message (user_id)`,
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for created and deleted stamps.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// DB is a SQL-backed store.Store.
type DB struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	logger  *slog.Logger
}

var _ store.Store = (*DB)(nil)

// Open connects to driver at dsn, applies pool settings and creates the
// schema when missing.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*DB, error) {
	var d dialect
	switch driver {
	case DriverSQLite:
		d = sqliteDialect
	case DriverPostgres:
		d = postgresDialect
	default:
		return nil, errors.Errorf("unsupported store driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY between
		// our own goroutines.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(2 * time.Hour)
		sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrapf(err, "failed to ping %s database", driver)
	}

	s := &DB{
		db:      sqlDB,
		dialect: d,
		now:     time.Now,
		logger:  slog.With("component", "sqlstore", "driver", driver),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (d *DB) migrate(ctx context.Context) error {
	var stmts []string
	if d.dialect.name == DriverSQLite {
		stmts = append(stmts,
			`PRAGMA journal_mode = WAL`,
			`PRAGMA busy_timeout = 5000`,
			`PRAGMA foreign_keys = ON`,
		)
	}
	stmts = append(stmts, d.dialect.schema...)
	stmts = append(stmts, sharedIndexes...)

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate chat schema")
		}
	}
	d.logger.Debug("schema ready")
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// ph returns the n-th (1-based) bind placeholder for the dialect.
func (d *DB) ph(n int) string {
	return d.dialect.placeholder(n)
}

func toTS(t time.Time) int64 {
	return t.UnixNano()
}

func fromTS(ts int64) time.Time {
	return time.Unix(0, ts).UTC()
}

// DropSchema removes the chat tables. Used to reset test databases.
func (d *DB) DropSchema(ctx context.Context) error {
	for _, table := range []string{"chat_message_tombstone", "chat_message"} {
		if _, err := d.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return errors.Wrapf(err, "failed to drop %s", table)
		}
	}
	return nil
}
