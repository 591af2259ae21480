package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

type Config struct {
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ConfigFrom copies the database section of the application config.
func ConfigFrom(c common.DatabaseConfig) Config {
	return Config{
		Driver:           c.Driver,
		DSN:              c.DSN,
		MaxConns:         c.MaxConns,
		MinConns:         c.MinConns,
		MaxConnLifetime:  c.MaxConnLifetime,
		MaxConnIdleTime:  c.MaxConnIdleTime,
		DialTimeout:      c.DialTimeout,
		StatementTimeout: c.StatementTimeout,
	}
}

// DB is a *sql.DB plus the ent dialect used to build statements for it.
type DB struct {
	*sql.DB
	Dialect string
	pool    *pgxpool.Pool
}

// Builder returns a statement builder bound to the connection's dialect.
func (db *DB) Builder() *entsql.DialectBuilder {
	return entsql.Dialect(db.Dialect)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w: rollback: %v", err, rerr)
		}
		return err
	}
	return tx.Commit()
}

// Open connects using the configured driver: postgres goes through a pgx
// pool, sqlite through modernc, mysql through go-sql-driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	logger = common.OrDefault(logger)
	logger.Info("connecting to database", "driver", cfg.Driver)

	var (
		db  *DB
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres", "pgx":
		db, err = openPostgres(ctx, cfg)
	case "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
	case "mysql":
		db, err = openMySQL(cfg)
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		logger.Error("failed to connect to database", "driver", cfg.Driver, "error", err)
		return nil, common.NewDatabaseError("open database", err)
	}

	logger.Info("successfully connected to database", "dialect", db.Dialect)
	return db, nil
}

func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "receipts-pipeline"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(cfg.StatementTimeout.Milliseconds())
	}

	dialCtx, cancel := common.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, err
	}
	return &DB{DB: stdlib.OpenDBFromPool(pool), Dialect: dialect.Postgres, pool: pool}, nil
}

func openSQLite(cfg Config) (*DB, error) {
	sqldb, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
	if err != nil {
		return nil, err
	}
	// one writer keeps transactions serialized without SQLITE_BUSY churn
	sqldb.SetMaxOpenConns(1)
	return &DB{DB: sqldb, Dialect: dialect.SQLite}, nil
}

func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "_time_format") {
		params = append(params, "_time_format=sqlite")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func openMySQL(cfg Config) (*DB, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	if cfg.DialTimeout > 0 {
		mc.Timeout = cfg.DialTimeout
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	sqldb := sql.OpenDB(connector)
	if cfg.MaxConns > 0 {
		sqldb.SetMaxOpenConns(int(cfg.MaxConns))
	}
	sqldb.SetMaxIdleConns(int(cfg.MinConns))
	sqldb.SetConnMaxLifetime(cfg.MaxConnLifetime)
	sqldb.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	return &DB{DB: sqldb, Dialect: dialect.MySQL}, nil
}

// Close closes the database connections gracefully
func Close(db *DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	logger = common.OrDefault(logger)
	logger.Info("closing database connections")
	if err := db.DB.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
	if db.pool != nil {
		db.pool.Close()
	}
	logger.Info("database connections closed")
}

// HealthCheck pings the database to catch DSN issues early.
func HealthCheck(ctx context.Context, db *DB, timeout time.Duration, logger *slog.Logger) error {
	logger = common.OrDefault(logger)
	logger.Debug("pinging database")
	ctx, cancel := common.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		return common.NewDatabaseError("ping", err)
	}
	logger.Debug("database ping successful")
	return nil
}
