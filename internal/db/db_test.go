package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	dbm, err := Open(filepath.Join(t.TempDir(), "tviz.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbm.Close() })
	return dbm
}

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()

	journal, busy, fk, err := dbm.Pragmas(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wal", journal)
	assert.Equal(t, 10000, busy)
	assert.Equal(t, 1, fk)

	for _, table := range []string{"runs", "steps", "rollouts", "trajectories"} {
		cols, err := dbm.Columns(ctx, table)
		require.NoError(t, err)
		assert.NotEmpty(t, cols, "table %s missing", table)
	}

	runs, steps, rollouts, trajectories, err := dbm.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, runs+steps+rollouts+trajectories)
}

func TestEnsureSchemaIsIdempotentAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tviz.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.EnsureSchema(ctx))
	want, err := first.Columns(ctx, "steps")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	require.NoError(t, second.EnsureSchema(ctx))

	got, err := second.Columns(ctx, "steps")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEnsureSchemaUpgradesNarrowStepsTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tviz.db")
	ctx := context.Background()

	dbm, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = dbm.Close() }()

	// Recreate steps the way the first release laid it out.
	_, err = dbm.writer.ExecContext(ctx, `
DROP TABLE steps;
CREATE TABLE steps (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  step INTEGER NOT NULL,
  reward_mean REAL,
  reward_std REAL,
  loss REAL,
  kl_divergence REAL,
  entropy REAL,
  learning_rate REAL,
  extras TEXT,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY (run_id) REFERENCES runs(id),
  UNIQUE(run_id, step)
);`)
	require.NoError(t, err)

	require.NoError(t, dbm.EnsureSchema(ctx))
	require.NoError(t, dbm.EnsureSchema(ctx))

	cols, err := dbm.Columns(ctx, "steps")
	require.NoError(t, err)
	for _, def := range stepColumnMigrations {
		assert.Contains(t, cols, columnName(def))
	}

	require.NoError(t, dbm.InsertRun(ctx, RunInsert{ID: "r1", Name: "r1", Type: "rl", Modality: "text"}))
	turns := int64(4)
	require.NoError(t, dbm.UpsertStep(ctx, StepInsert{RunID: "r1", Step: 0, TotalTurns: &turns}))
	row, err := dbm.GetStep(ctx, "r1", 0)
	require.NoError(t, err)
	require.NotNil(t, row.TotalTurns)
	assert.Equal(t, int64(4), *row.TotalTurns)
}

func TestEnsureSchemaReportsMigrationFailure(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()

	err := dbm.addColumns(ctx, "steps", []string{
		"frac_mixed REAL",
		"required_col INTEGER NOT NULL",
	})
	require.Error(t, err)
	var migErr *SchemaMigrationError
	require.True(t, errors.As(err, &migErr), "got %T: %v", err, err)
	assert.Equal(t, "steps", migErr.Table)
	assert.Equal(t, "required_col", migErr.Column)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "tviz.db"))
	require.NoError(t, err)
	require.NoError(t, dbm.Close())
	require.NoError(t, dbm.Close())
}

func TestCheckpointIfWALExceeds(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, dbm.InsertRun(ctx, RunInsert{
			ID:       "run" + string(rune('a'+i)),
			Name:     "wal",
			Type:     "rl",
			Modality: "text",
		}))
	}

	did, err := dbm.CheckpointIfWALExceeds(ctx, 0)
	require.NoError(t, err)
	assert.True(t, did, "expected checkpoint to run when threshold is 0")
}
