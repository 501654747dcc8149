// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL/Vitess driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (also works with CockroachDB)

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// Dialect covers the SQL differences between the supported databases.
type Dialect interface {
	Name() string
	DriverName() string
	// Rebind converts $N placeholders to the dialect's form.
	Rebind(query string) string
	Upsert() string
	CreateTable() string
}

type PostgresDialect struct{}

func (PostgresDialect) Name() string               { return "postgres" }
func (PostgresDialect) DriverName() string         { return "pgx" }
func (PostgresDialect) Rebind(query string) string { return query }

func (PostgresDialect) Upsert() string {
	return `INSERT INTO upload_sessions (id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
}

func (PostgresDialect) CreateTable() string {
	return `CREATE TABLE IF NOT EXISTS upload_sessions (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
}

type MySQLDialect struct{}

func (MySQLDialect) Name() string       { return "mysql" }
func (MySQLDialect) DriverName() string { return "mysql" }

func (MySQLDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (MySQLDialect) Upsert() string {
	return `INSERT INTO upload_sessions (id, data, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`
}

func (MySQLDialect) CreateTable() string {
	return `CREATE TABLE IF NOT EXISTS upload_sessions (
		id VARCHAR(255) PRIMARY KEY,
		data JSON NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`
}

// DialectFor maps a configured driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "cockroachdb", "pgx":
		return PostgresDialect{}, nil
	case "mysql", "vitess":
		return MySQLDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported metastore driver: %s", driver)
	}
}

// SQLConfig holds database connection settings.
type SQLConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SQL stores sessions as JSON documents in a single table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens the database and creates the sessions table.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name(), err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := NewSQL(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.CreateTable()); err != nil {
		return fmt.Errorf("create upload_sessions table: %w", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*types.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT data FROM upload_sessions WHERE id = $1`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "read session")
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQL) Save(ctx context.Context, sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.Upsert(), sess.ID, data, s.now().UTC()); err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "save session")
	}
	return nil
}

func (s *SQL) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE upload_sessions SET updated_at = $1 WHERE id = $2`), s.now().UTC(), id)
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "touch session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM upload_sessions WHERE id = $1`), id); err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "delete session")
	}
	return nil
}

func (s *SQL) List(ctx context.Context, prefix string) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT data FROM upload_sessions WHERE id LIKE $1 ORDER BY id`),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "list sessions")
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Ping verifies the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
