package db

import (
	"context"
	"fmt"
	"strings"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  type TEXT DEFAULT 'rl',
  modality TEXT DEFAULT 'text',
  config TEXT,
  started_at TEXT DEFAULT CURRENT_TIMESTAMP,
  ended_at TEXT
);

CREATE TABLE IF NOT EXISTS steps (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  step INTEGER NOT NULL,
  reward_mean REAL,
  reward_std REAL,
  loss REAL,
  kl_divergence REAL,
  entropy REAL,
  learning_rate REAL,
  ac_tokens_per_turn REAL,
  ob_tokens_per_turn REAL,
  total_ac_tokens INTEGER,
  total_turns INTEGER,
  sampling_time_mean REAL,
  time_total REAL,
  frac_mixed REAL,
  frac_all_good REAL,
  frac_all_bad REAL,
  extras TEXT,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY (run_id) REFERENCES runs(id),
  UNIQUE(run_id, step)
);

CREATE TABLE IF NOT EXISTS rollouts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  step INTEGER NOT NULL,
  group_idx INTEGER NOT NULL,
  image_path TEXT,
  gt_lat REAL,
  gt_lon REAL,
  city TEXT,
  country TEXT,
  prompt_text TEXT,
  prompt_tokens TEXT,
  mean_reward REAL,
  best_reward REAL,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS trajectories (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  rollout_id INTEGER NOT NULL,
  trajectory_idx INTEGER NOT NULL,
  reward REAL NOT NULL,
  output_text TEXT,
  output_tokens TEXT,
  logprobs TEXT,
  pred_lat REAL,
  pred_lon REAL,
  distance_km REAL,
  step_rewards TEXT,
  created_at TEXT DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY (rollout_id) REFERENCES rollouts(id)
);

CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps (run_id);
CREATE INDEX IF NOT EXISTS idx_rollouts_run_id ON rollouts (run_id);
CREATE INDEX IF NOT EXISTS idx_rollouts_step ON rollouts (run_id, step);
CREATE INDEX IF NOT EXISTS idx_trajectories_rollout ON trajectories (rollout_id);
`

// stepColumnMigrations brings a steps table created by an older release up to
// the current layout. Order matters only for readability; every entry is
// additive.
var stepColumnMigrations = []string{
	"ac_tokens_per_turn REAL",
	"ob_tokens_per_turn REAL",
	"total_ac_tokens INTEGER",
	"total_turns INTEGER",
	"sampling_time_mean REAL",
	"time_total REAL",
	"frac_mixed REAL",
	"frac_all_good REAL",
	"frac_all_bad REAL",
}

// EnsureSchema creates missing tables and indexes and applies the additive
// steps column migrations. It is safe to call on every start.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if _, err := m.writer.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return m.addColumns(ctx, "steps", stepColumnMigrations)
}

func (m *Manager) addColumns(ctx context.Context, table string, defs []string) error {
	for _, def := range defs {
		if _, err := m.writer.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+def); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return &SchemaMigrationError{Table: table, Column: columnName(def), Err: err}
		}
	}
	return nil
}

// Columns lists the column names of table in declaration order.
func (m *Manager) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := m.reader.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func columnName(def string) string {
	name, _, _ := strings.Cut(def, " ")
	return name
}
