package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"modernc.org/sqlite"
	_ "modernc.org/sqlite"
)

// Manager owns the store file. All writes go through a single connection so
// SQLite's own locking is the only write serialization.
type Manager struct {
	path   string
	writer *sql.DB
	reader *sql.DB

	closeOnce sync.Once
	closeErr  error
}

type HealthStats struct {
	DBStatus    string
	DBSizeBytes int64
	WALSize     int64
}

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
PRAGMA foreign_keys = ON;
PRAGMA cache_size = -8000;
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

// Open opens (or creates) the store at path and brings its schema up to date.
func Open(path string) (*Manager, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := "file:" + path
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer db: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader db: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)

	m := &Manager{
		path:   path,
		writer: writer,
		reader: reader,
	}

	ctx := context.Background()
	if err := writer.PingContext(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}
	if err := reader.PingContext(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	if err := m.EnsureSchema(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	return m, nil
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Checkpoint(ctx context.Context) error {
	_, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close releases both pools. Calling it more than once returns the first result.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if err := m.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.writer.PingContext(ctx)
}

func (m *Manager) Stats(ctx context.Context) HealthStats {
	stats := HealthStats{
		DBStatus: "ok",
	}
	if err := m.Ping(ctx); err != nil {
		stats.DBStatus = "error"
	}
	stats.DBSizeBytes = m.DBSizeBytes()
	stats.WALSize = m.WALSizeBytes()
	return stats
}

func (m *Manager) Pragmas(ctx context.Context) (journalMode string, busyTimeout int, foreignKeys int, err error) {
	if err = m.writer.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return "", 0, 0, err
	}
	if err = m.writer.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		return "", 0, 0, err
	}
	if err = m.writer.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		return "", 0, 0, err
	}
	return journalMode, busyTimeout, foreignKeys, nil
}
