package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout matches SQLite's CURRENT_TIMESTAMP text form.
const timeLayout = "2006-01-02 15:04:05"

type RunInsert struct {
	ID       string
	Name     string
	Type     string
	Modality string
	Config   sql.NullString
}

type RunRow struct {
	ID        string
	Name      string
	Type      string
	Modality  string
	Config    sql.NullString
	StartedAt time.Time
	EndedAt   *time.Time
}

func (m *Manager) InsertRun(ctx context.Context, run RunInsert) error {
	_, err := m.writer.ExecContext(ctx,
		`INSERT INTO runs (id, name, type, modality, config) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Type, run.Modality, run.Config,
	)
	return storageErr("insert run", err)
}

// CloseRun stamps ended_at once. It reports whether this call set it.
func (m *Manager) CloseRun(ctx context.Context, runID string) (bool, error) {
	res, err := m.writer.ExecContext(ctx,
		`UPDATE runs SET ended_at = CURRENT_TIMESTAMP WHERE id = ? AND ended_at IS NULL`,
		runID,
	)
	if err != nil {
		return false, storageErr("close run", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

const runColumns = `id, name, COALESCE(type, ''), COALESCE(modality, ''), config, COALESCE(started_at, ''), ended_at`

func (m *Manager) GetRun(ctx context.Context, runID string) (RunRow, error) {
	row := m.reader.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRow{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return RunRow{}, storageErr("get run", err)
	}
	return run, nil
}

// ListRuns returns the most recently started runs first.
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.reader.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr("scan run", err)
		}
		out = append(out, run)
	}
	return out, storageErr("list runs", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (RunRow, error) {
	var (
		run       RunRow
		startedAt string
		endedAt   sql.NullString
	)
	if err := s.Scan(&run.ID, &run.Name, &run.Type, &run.Modality, &run.Config, &startedAt, &endedAt); err != nil {
		return RunRow{}, err
	}
	if startedAt != "" {
		ts, err := time.Parse(timeLayout, startedAt)
		if err != nil {
			return RunRow{}, fmt.Errorf("parse started_at: %w", err)
		}
		run.StartedAt = ts
	}
	if endedAt.Valid {
		ts, err := time.Parse(timeLayout, endedAt.String)
		if err != nil {
			return RunRow{}, fmt.Errorf("parse ended_at: %w", err)
		}
		run.EndedAt = &ts
	}
	return run, nil
}
