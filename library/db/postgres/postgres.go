// Package postgres opens the relational store shared by the snapshot, run and patch services.
package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

const (
	// TypePostgres selects the pgx-backed postgres dialect.
	TypePostgres = "postgres"
	// TypeSQLite selects the embedded sqlite dialect, used for development.
	TypeSQLite = "sqlite"
)

// DialInfo postgres dial info
type DialInfo struct {
	Addr,
	DBName,
	User,
	Pwd string
}

// Settings selects and configures the database backend.
type Settings struct {
	Type     string
	DSN      string
	DialInfo DialInfo
	// LogLevel controls gorm SQL logging, defaults to warn.
	LogLevel gormLogger.LogLevel
}

// BuildDSN builds a PostgreSQL DSN for shared database clients.
func BuildDSN(dialInfo DialInfo) string {
	host, port := dialInfo.Addr, "5432"
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host, port = dialInfo.Addr[:idx], dialInfo.Addr[idx+1:]
	}
	return "host=" + host + " user=" + dialInfo.User + " password=" + dialInfo.Pwd + " dbname=" + dialInfo.DBName + " port=" + port + " sslmode=disable TimeZone=UTC"
}

// Open connects to the configured database and returns a gorm handle.
func Open(ctx context.Context, settings Settings) (*gorm.DB, error) {
	level := settings.LogLevel
	if level == 0 {
		level = gormLogger.Warn
	}
	cfg := &gorm.Config{
		Logger:         newTruncatingParamsLogger(gormLogger.Default.LogMode(level)),
		TranslateError: true,
	}

	switch strings.ToLower(strings.TrimSpace(settings.Type)) {
	case TypeSQLite:
		dsn := strings.TrimSpace(settings.DSN)
		if dsn == "" {
			dsn = "file:repo-snapshot.db?cache=shared&_busy_timeout=5000"
		}
		db, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		return db, nil
	case "", TypePostgres:
		sqlDB, err := newSQLDB(ctx, settings)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), cfg)
		if err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrap(err, "open gorm postgres")
		}
		return db, nil
	default:
		return nil, errors.Errorf("unsupported db type %q", settings.Type)
	}
}

// newSQLDB create a new postgres connection pool
func newSQLDB(ctx context.Context, settings Settings) (*sql.DB, error) {
	dsn := strings.TrimSpace(settings.DSN)
	if dsn == "" {
		dsn = BuildDSN(settings.DialInfo)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	// config db
	db.SetMaxIdleConns(6)
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// IsPostgres reports whether the gorm handle talks to postgres.
func IsPostgres(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	return strings.EqualFold(db.Dialector.Name(), TypePostgres)
}

// IsUniqueViolation reports whether err was raised by a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}
